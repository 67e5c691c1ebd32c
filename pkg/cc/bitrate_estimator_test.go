// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cc

import (
	"testing"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/livekit/netem/pkg/units"
)

func newTestBitrateEstimator(config BitrateEstimatorConfig) *BitrateEstimator {
	return NewBitrateEstimator(BitrateEstimatorParams{
		Config: config,
		Logger: logger.GetLogger(),
	})
}

// feedSteady delivers amount bytes every 10 ms over (fromMs, toMs].
func feedSteady(e *BitrateEstimator, fromMs, toMs, amount int64) {
	for t := fromMs + 10; t <= toMs; t += 10 {
		e.Update(units.TimestampMillis(t), units.DataSizeBytes(amount), false)
	}
}

func TestBitrateEstimatorInitialWindow(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	// 1000 bytes every 10 ms, the first estimate needs a full 500 ms window
	feedSteady(e, 0, 500, 1000)
	_, ok := e.Bitrate()
	require.False(t, ok)

	e.Update(units.TimestampMillis(510), units.DataSizeBytes(1000), false)
	rate, ok := e.Bitrate()
	require.True(t, ok)

	// 50 * 1000 bytes over 500 ms
	require.Equal(t, units.DataRateKbps(800), rate)
}

func TestBitrateEstimatorSteadyInputKeepsEstimate(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	feedSteady(e, 0, 510, 1000)
	seeded, ok := e.Bitrate()
	require.True(t, ok)

	// identical rate samples have zero uncertainty and leave the
	// estimate untouched
	feedSteady(e, 510, 2000, 1000)
	rate, ok := e.Bitrate()
	require.True(t, ok)
	require.Equal(t, seeded, rate)
}

func TestBitrateEstimatorIncreaseIsDamped(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	feedSteady(e, 0, 510, 1000)

	// doubling the input rate moves the estimate up, but well short of
	// the new sample rate
	feedSteady(e, 510, 2000, 2000)
	rate, ok := e.Bitrate()
	require.True(t, ok)
	require.Greater(t, rate.Kbps(), int64(800))
	require.Less(t, rate.Kbps(), int64(1600))
}

func TestBitrateEstimatorStallResetsWindow(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	e.Update(units.TimestampMillis(0), units.DataSizeBytes(1000), false)
	e.Update(units.TimestampMillis(100), units.DataSizeBytes(1000), false)

	// a gap longer than the window drops the accumulated bytes
	e.Update(units.TimestampMillis(700), units.DataSizeBytes(1000), false)
	_, ok := e.Bitrate()
	require.False(t, ok)

	feedSteady(e, 700, 1000, 1000)
	rate, ok := e.Bitrate()
	require.True(t, ok)

	// only the 30 post-gap packets count: 30 * 1000 bytes over 500 ms
	require.Equal(t, units.DataRateKbps(480), rate)
}

func TestBitrateEstimatorBackwardsTimeResets(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	e.Update(units.TimestampMillis(1000), units.DataSizeBytes(1000), false)
	e.Update(units.TimestampMillis(1010), units.DataSizeBytes(1000), false)
	_, ok := e.PeekRate()
	require.True(t, ok)

	e.Update(units.TimestampMillis(500), units.DataSizeBytes(1000), false)
	_, ok = e.PeekRate()
	require.False(t, ok)
}

func TestBitrateEstimatorPeekRate(t *testing.T) {
	e := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	e.Update(units.TimestampMillis(10), units.DataSizeBytes(500), false)
	_, ok := e.PeekRate()
	require.False(t, ok)

	e.Update(units.TimestampMillis(20), units.DataSizeBytes(500), false)
	rate, ok := e.PeekRate()
	require.True(t, ok)

	// 1000 bytes over the 10 ms window so far
	require.Equal(t, units.DataRateKbps(800), rate)

	// peeking never commits an estimate
	_, ok = e.Bitrate()
	require.False(t, ok)
}

func TestBitrateEstimatorSmallSampleScale(t *testing.T) {
	config := DefaultBitrateEstimatorConfig
	config.InitialWindowMs = 150
	config.SmallSampleThresholdBytes = 10000
	config.SmallSampleUncertaintyScale = 100

	trustingConfig := DefaultBitrateEstimatorConfig
	trustingConfig.InitialWindowMs = 150

	suspicious := newTestBitrateEstimator(config)
	trusting := newTestBitrateEstimator(trustingConfig)

	for _, e := range []*BitrateEstimator{suspicious, trusting} {
		e.Update(units.TimestampMillis(0), units.DataSizeBytes(5000), false)
		e.Update(units.TimestampMillis(50), units.DataSizeBytes(5000), false)
		e.Update(units.TimestampMillis(100), units.DataSizeBytes(5000), false)
		e.Update(units.TimestampMillis(150), units.DataSizeBytes(0), false)
		rate, ok := e.Bitrate()
		require.True(t, ok)
		require.Equal(t, units.DataRateKbps(800), rate)

		// a window with almost no data suggests a far lower rate
		e.Update(units.TimestampMillis(200), units.DataSizeBytes(100), false)
		e.Update(units.TimestampMillis(250), units.DataSizeBytes(100), false)
		e.Update(units.TimestampMillis(300), units.DataSizeBytes(0), false)
	}

	suspiciousRate, _ := suspicious.Bitrate()
	trustingRate, _ := trusting.Bitrate()
	require.Greater(t, suspiciousRate.Kbps(), int64(700))
	require.Less(t, trustingRate.Kbps(), int64(600))
}

func TestBitrateEstimatorFloor(t *testing.T) {
	config := DefaultBitrateEstimatorConfig
	config.InitialWindowMs = 150
	config.EstimateFloorKbps = 600

	e := newTestBitrateEstimator(config)
	e.Update(units.TimestampMillis(0), units.DataSizeBytes(5000), false)
	e.Update(units.TimestampMillis(50), units.DataSizeBytes(5000), false)
	e.Update(units.TimestampMillis(100), units.DataSizeBytes(5000), false)
	e.Update(units.TimestampMillis(150), units.DataSizeBytes(0), false)

	e.Update(units.TimestampMillis(200), units.DataSizeBytes(100), false)
	e.Update(units.TimestampMillis(250), units.DataSizeBytes(100), false)
	e.Update(units.TimestampMillis(300), units.DataSizeBytes(0), false)

	rate, ok := e.Bitrate()
	require.True(t, ok)
	require.Equal(t, units.DataRateKbps(600), rate)
}

func TestBitrateEstimatorUncertaintySymmetryCap(t *testing.T) {
	capped := DefaultBitrateEstimatorConfig
	capped.UncertaintySymmetryCapKbps = 1000

	symmetric := newTestBitrateEstimator(capped)
	asymmetric := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	for _, e := range []*BitrateEstimator{symmetric, asymmetric} {
		feedSteady(e, 0, 510, 1000)
		feedSteady(e, 510, 700, 2000)
	}

	// with a symmetry cap, samples above the estimate are trusted more
	symmetricRate, _ := symmetric.Bitrate()
	asymmetricRate, _ := asymmetric.Bitrate()
	require.Greater(t, symmetricRate.Kbps(), asymmetricRate.Kbps())
}

func TestBitrateEstimatorExpectFastRateChange(t *testing.T) {
	fast := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)
	slow := newTestBitrateEstimator(DefaultBitrateEstimatorConfig)

	for _, e := range []*BitrateEstimator{fast, slow} {
		feedSteady(e, 0, 510, 1000)
	}
	fast.ExpectFastRateChange()

	for _, e := range []*BitrateEstimator{fast, slow} {
		feedSteady(e, 510, 700, 100)
	}

	fastRate, _ := fast.Bitrate()
	slowRate, _ := slow.Bitrate()
	require.Less(t, fastRate.Kbps(), slowRate.Kbps())
}

// --------------------------------------------------

func newTestAcknowledgedEstimator(config BitrateEstimatorConfig) *AcknowledgedBitrateEstimator {
	return NewAcknowledgedBitrateEstimator(AcknowledgedBitrateEstimatorParams{
		Config: config,
		Logger: logger.GetLogger(),
	})
}

func ackedPackets(fromMs, toMs, size, priorUnacked int64) []PacketResult {
	var packets []PacketResult
	for t := fromMs + 10; t <= toMs; t += 10 {
		packets = append(packets, PacketResult{
			SentPacket: SentPacket{
				SendTime:         units.TimestampMillis(t - 5),
				Size:             units.DataSizeBytes(size),
				PriorUnackedData: units.DataSizeBytes(priorUnacked),
			},
			ReceiveTime: units.TimestampMillis(t),
		})
	}
	return packets
}

func TestAcknowledgedBitrateEstimatorCountsPriorUnackedData(t *testing.T) {
	withPrior := newTestAcknowledgedEstimator(DefaultBitrateEstimatorConfig)
	withoutPrior := newTestAcknowledgedEstimator(DefaultBitrateEstimatorConfig)

	withPrior.IncomingPacketFeedback(ackedPackets(0, 510, 1000, 250))
	withoutPrior.IncomingPacketFeedback(ackedPackets(0, 510, 1000, 0))

	withPriorRate, ok := withPrior.Bitrate()
	require.True(t, ok)
	withoutPriorRate, ok := withoutPrior.Bitrate()
	require.True(t, ok)

	require.Equal(t, units.DataRateKbps(1000), withPriorRate)
	require.Equal(t, units.DataRateKbps(800), withoutPriorRate)
}

func TestAcknowledgedBitrateEstimatorAlrEndTriggersFastChange(t *testing.T) {
	ended := newTestAcknowledgedEstimator(DefaultBitrateEstimatorConfig)
	steady := newTestAcknowledgedEstimator(DefaultBitrateEstimatorConfig)

	seed := ackedPackets(0, 510, 1000, 0)
	ended.IncomingPacketFeedback(seed)
	steady.IncomingPacketFeedback(seed)

	// packets sent after the limited period ended should move the
	// estimate quickly
	ended.SetAlrEndedTime(units.TimestampMillis(510))

	drop := ackedPackets(510, 700, 100, 0)
	ended.IncomingPacketFeedback(drop)
	steady.IncomingPacketFeedback(drop)

	endedRate, _ := ended.Bitrate()
	steadyRate, _ := steady.Bitrate()
	require.Less(t, endedRate.Kbps(), steadyRate.Kbps())
}

func TestAcknowledgedBitrateEstimatorAlrSamplesDistrusted(t *testing.T) {
	config := DefaultBitrateEstimatorConfig
	config.UncertaintyScaleInAlr = 50

	limited := newTestAcknowledgedEstimator(config)
	unlimited := newTestAcknowledgedEstimator(config)

	seed := ackedPackets(0, 510, 1000, 0)
	limited.IncomingPacketFeedback(seed)
	unlimited.IncomingPacketFeedback(seed)

	limited.SetAlr(true)

	drop := ackedPackets(510, 700, 100, 0)
	limited.IncomingPacketFeedback(drop)
	unlimited.IncomingPacketFeedback(drop)

	// low samples taken while application limited barely move the
	// estimate
	limitedRate, _ := limited.Bitrate()
	unlimitedRate, _ := unlimited.Bitrate()
	require.Greater(t, limitedRate.Kbps(), unlimitedRate.Kbps())
}
