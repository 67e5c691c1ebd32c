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
	"math"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

const (
	cInitialRateWindowMs = 500
	cRateWindowMs        = 150
	cMinRateWindowMs     = 150
	cMaxRateWindowMs     = 1000

	cVarianceIncrementPerUpdate = 5.0
	cFastRateChangeVariance     = 200.0
)

// --------------------------------------------------

type BitrateEstimatorConfig struct {
	// InitialWindowMs is the sample window before the first estimate exists.
	InitialWindowMs int `yaml:"initial_window_ms,omitempty"`
	WindowMs        int `yaml:"window_ms,omitempty"`
	// UncertaintyScale weights how suspicious a sample is relative to its
	// distance from the current estimate.
	UncertaintyScale            float64 `yaml:"uncertainty_scale,omitempty"`
	UncertaintyScaleInAlr       float64 `yaml:"uncertainty_scale_in_alr,omitempty"`
	SmallSampleUncertaintyScale float64 `yaml:"small_sample_uncertainty_scale,omitempty"`
	SmallSampleThresholdBytes   int64   `yaml:"small_sample_threshold_bytes,omitempty"`
	// UncertaintySymmetryCapKbps at zero treats rate increases with more
	// suspicion than decreases, higher values approach symmetry.
	UncertaintySymmetryCapKbps int64 `yaml:"uncertainty_symmetry_cap_kbps,omitempty"`
	EstimateFloorKbps          int64 `yaml:"estimate_floor_kbps,omitempty"`
}

var DefaultBitrateEstimatorConfig = BitrateEstimatorConfig{
	InitialWindowMs:             cInitialRateWindowMs,
	WindowMs:                    cRateWindowMs,
	UncertaintyScale:            10.0,
	UncertaintyScaleInAlr:       10.0,
	SmallSampleUncertaintyScale: 10.0,
	SmallSampleThresholdBytes:   0,
	UncertaintySymmetryCapKbps:  0,
	EstimateFloorKbps:           0,
}

// --------------------------------------------------

type BitrateEstimatorParams struct {
	Config BitrateEstimatorConfig
	Logger logger.Logger
}

// BitrateEstimator computes a windowed throughput estimate from
// acknowledged byte amounts. Full windows produce rate samples that are
// fused into a running Bayesian estimate, weighting a sample lower the
// further it sits from the current estimate.
type BitrateEstimator struct {
	params BitrateEstimatorParams

	sum                units.DataSize
	initialWindowMs    int64
	noninitialWindowMs int64
	currentWindowMs    int64
	prevTimeMs         int64

	bitrateEstimateKbps float64
	bitrateEstimateVar  float64
}

func NewBitrateEstimator(params BitrateEstimatorParams) *BitrateEstimator {
	return &BitrateEstimator{
		params:              params,
		initialWindowMs:     clampWindowMs(params.Config.InitialWindowMs),
		noninitialWindowMs:  clampWindowMs(params.Config.WindowMs),
		prevTimeMs:          -1,
		bitrateEstimateKbps: -1.0,
		bitrateEstimateVar:  50.0,
	}
}

func clampWindowMs(windowMs int) int64 {
	if windowMs < cMinRateWindowMs {
		return cMinRateWindowMs
	}
	if windowMs > cMaxRateWindowMs {
		return cMaxRateWindowMs
	}
	return int64(windowMs)
}

// Update feeds one acknowledged amount at its receive time.
func (e *BitrateEstimator) Update(atTime units.Timestamp, amount units.DataSize, inAlr bool) {
	rateWindowMs := e.noninitialWindowMs
	// a larger window at the beginning gives a more stable sample to
	// initialize the estimate with
	if e.bitrateEstimateKbps < 0 {
		rateWindowMs = e.initialWindowMs
	}
	bitrateSampleKbps, isSmallSample := e.updateWindow(atTime.Millis(), amount.Bytes(), rateWindowMs)
	if bitrateSampleKbps < 0 {
		return
	}
	if e.bitrateEstimateKbps < 0 {
		// the very first sample seeds the estimate
		e.bitrateEstimateKbps = bitrateSampleKbps
		return
	}

	// a sample from very little data, or one taken while the link was
	// application limited, is trusted less when it would drop the estimate
	scale := e.params.Config.UncertaintyScale
	if isSmallSample && bitrateSampleKbps < e.bitrateEstimateKbps {
		scale = e.params.Config.SmallSampleUncertaintyScale
	} else if inAlr && bitrateSampleKbps < e.bitrateEstimateKbps {
		scale = e.params.Config.UncertaintyScaleInAlr
	}

	// sample uncertainty grows with distance from the current estimate,
	// and with a low symmetry cap increases are more suspicious than
	// decreases
	sampleUncertainty := scale * math.Abs(e.bitrateEstimateKbps-bitrateSampleKbps) /
		(e.bitrateEstimateKbps + math.Min(bitrateSampleKbps, float64(e.params.Config.UncertaintySymmetryCapKbps)))
	sampleVar := sampleUncertainty * sampleUncertainty

	// the estimate variance grows with each update to model that the real
	// rate changes over time
	predBitrateEstimateVar := e.bitrateEstimateVar + cVarianceIncrementPerUpdate
	e.bitrateEstimateKbps = (sampleVar*e.bitrateEstimateKbps + predBitrateEstimateVar*bitrateSampleKbps) /
		(sampleVar + predBitrateEstimateVar)
	e.bitrateEstimateKbps = math.Max(e.bitrateEstimateKbps, float64(e.params.Config.EstimateFloorKbps))
	e.bitrateEstimateVar = sampleVar * predBitrateEstimateVar / (sampleVar + predBitrateEstimateVar)
}

func (e *BitrateEstimator) updateWindow(nowMs, bytes, rateWindowMs int64) (float64, bool) {
	// reset if time moves backwards
	if nowMs < e.prevTimeMs {
		e.prevTimeMs = -1
		e.sum = units.DataSizeZero
		e.currentWindowMs = 0
	}
	if e.prevTimeMs >= 0 {
		e.currentWindowMs += nowMs - e.prevTimeMs
		// reset if nothing was received for more than a full window,
		// keeping the remainder so window boundaries stay aligned
		if nowMs-e.prevTimeMs > rateWindowMs {
			e.sum = units.DataSizeZero
			e.currentWindowMs %= rateWindowMs
		}
	}
	e.prevTimeMs = nowMs

	bitrateSample := -1.0
	isSmallSample := false
	if e.currentWindowMs >= rateWindowMs {
		isSmallSample = e.sum.Bytes() < e.params.Config.SmallSampleThresholdBytes
		bitrateSample = 8.0 * e.sum.BytesFloat() / float64(rateWindowMs)
		e.currentWindowMs -= rateWindowMs
		e.sum = units.DataSizeZero
	}
	e.sum = e.sum.Add(units.DataSizeBytes(bytes))
	return bitrateSample, isSmallSample
}

// Bitrate returns the committed estimate, false before the first full
// window completed.
func (e *BitrateEstimator) Bitrate() (units.DataRate, bool) {
	if e.bitrateEstimateKbps < 0 {
		return units.DataRateZero, false
	}
	return units.DataRateBitsPerSec(int64(math.Round(e.bitrateEstimateKbps * 1000))), true
}

// PeekRate extrapolates the partially filled window. The value is never
// committed to the estimate.
func (e *BitrateEstimator) PeekRate() (units.DataRate, bool) {
	if e.currentWindowMs > 0 {
		return e.sum.DivTime(units.TimeDeltaMillis(e.currentWindowMs)), true
	}
	return units.DataRateZero, false
}

// ExpectFastRateChange inflates the estimate variance so the next few
// samples can move the estimate quickly.
func (e *BitrateEstimator) ExpectFastRateChange() {
	e.bitrateEstimateVar += cFastRateChangeVariance
}

// --------------------------------------------------

type AcknowledgedBitrateEstimatorParams struct {
	Config BitrateEstimatorConfig
	Logger logger.Logger
}

// AcknowledgedBitrateEstimator feeds acknowledged packets into a
// BitrateEstimator, crediting each packet with any untracked data sent
// before it.
type AcknowledgedBitrateEstimator struct {
	params AcknowledgedBitrateEstimatorParams

	inAlr            bool
	alrEndedTime     units.Timestamp
	bitrateEstimator *BitrateEstimator
}

func NewAcknowledgedBitrateEstimator(params AcknowledgedBitrateEstimatorParams) *AcknowledgedBitrateEstimator {
	return &AcknowledgedBitrateEstimator{
		params:       params,
		alrEndedTime: units.TimestampMinusInfinity,
		bitrateEstimator: NewBitrateEstimator(BitrateEstimatorParams{
			Config: params.Config,
			Logger: params.Logger,
		}),
	}
}

// IncomingPacketFeedback consumes acknowledged packets sorted by receive
// time.
func (a *AcknowledgedBitrateEstimator) IncomingPacketFeedback(packetFeedbacks []PacketResult) {
	for _, packet := range packetFeedbacks {
		if a.alrEndedTime.IsFinite() && packet.SentPacket.SendTime.After(a.alrEndedTime) {
			a.bitrateEstimator.ExpectFastRateChange()
			a.alrEndedTime = units.TimestampMinusInfinity
		}
		acknowledged := packet.SentPacket.Size.Add(packet.SentPacket.PriorUnackedData)
		a.bitrateEstimator.Update(packet.ReceiveTime, acknowledged, a.inAlr)
	}
}

func (a *AcknowledgedBitrateEstimator) SetAlr(inAlr bool) {
	a.inAlr = inAlr
}

func (a *AcknowledgedBitrateEstimator) SetAlrEndedTime(at units.Timestamp) {
	a.alrEndedTime = at
}

func (a *AcknowledgedBitrateEstimator) Bitrate() (units.DataRate, bool) {
	return a.bitrateEstimator.Bitrate()
}

func (a *AcknowledgedBitrateEstimator) PeekRate() (units.DataRate, bool) {
	return a.bitrateEstimator.PeekRate()
}
