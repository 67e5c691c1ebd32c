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

// Package pcc implements performance oriented congestion control. The
// controller probes with short monitor intervals sent at perturbed
// rates and moves the estimate along the utility gradient the feedback
// for those intervals reveals.
package pcc

import (
	"math"
	"math/rand"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/cc"
	"github.com/livekit/netem/pkg/eventlog"
	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

const (
	cInitialRttMs                 = 200
	cInitialBandwidthKbps         = 300
	cMonitorIntervalDurationRatio = 1.0
	cDefaultSamplingStep          = 0.05
	cTimeoutRatio                 = 2.0
	cAlphaForRtt                  = 0.9
	cSlowStartModeIncrease        = 2.0

	cAlphaForPacketInterval         = 0.9
	cMinPacketsNumberPerInterval    = 10
	cMinDurationOfMonitorIntervalMs = 50
	cMinRateChangeBps               = 2000.0

	cInitialConversionFactor  = 1.0
	cInitialDynamicBoundary   = 0.05
	cDynamicBoundaryIncrement = 0.1

	cDelayGradientCoefficientBps = 900e3
	cLossCoefficientBps          = 11.35e3
	cThroughputCoefficient       = 0.5e3
	cThroughputPower             = 0.9
	cDelayGradientThreshold      = 0.01
	cDelayGradientNegativeBound  = 0.15

	cNumberOfPacketsToKeep = 10
	cRandomSeed            = 100
)

// probing switches from additive to multiplicative perturbation at this
// rate
const cMinRateHaveMultiplicativeRateChange = units.DataRate(cMinRateChangeBps / cDefaultSamplingStep)

// --------------------------------------------------

type mode int

const (
	// modeSlowStart doubles the sending rate each monitor interval for
	// as long as utility keeps improving.
	modeSlowStart mode = iota
	// modeOnlineLearning probes with paired intervals at perturbed
	// rates and follows the utility gradient.
	modeOnlineLearning
	// modeDoubleCheck re-measures once before acting on an inconsistent
	// pair, where the higher rate saw less loss than the lower one.
	modeDoubleCheck
)

func (m mode) String() string {
	switch m {
	case modeSlowStart:
		return "SLOW_START"
	case modeOnlineLearning:
		return "ONLINE_LEARNING"
	case modeDoubleCheck:
		return "DOUBLE_CHECK"
	default:
		return "UNKNOWN"
	}
}

type monitorIntervalLengthStrategy int

const (
	// monitorIntervalLengthStrategyAdaptive bounds the interval below by
	// the round trip time.
	monitorIntervalLengthStrategyAdaptive monitorIntervalLengthStrategy = iota
	// monitorIntervalLengthStrategyFixed sizes the interval purely on
	// the packet sending cadence.
	monitorIntervalLengthStrategyFixed
)

// --------------------------------------------------

type NetworkControllerParams struct {
	Config cc.NetworkControllerConfig
	Logger logger.Logger
	// EventLog receives probe results, nil disables them
	EventLog *eventlog.EventLog
}

// NetworkController runs the PCC probing cycle. Not safe for concurrent
// use, callers serialize access.
type NetworkController struct {
	params NetworkControllerParams

	mode                           mode
	defaultBandwidth               units.DataRate
	bandwidthEstimate              units.DataRate
	minRate                        units.DataRate
	maxRate                        units.DataRate
	rttTracker                     *rttTracker
	monitorIntervals               []monitorInterval
	monitorIntervalsDuration       units.TimeDelta
	monitorIntervalsBitrates       []units.DataRate
	monitorIntervalTimeout         units.TimeDelta
	monitorIntervalLengthStrategy  monitorIntervalLengthStrategy
	monitorIntervalDurationRatio   float64
	samplingStep                   float64
	monitorIntervalTimeoutRatio    float64
	completeFeedbackIntervalCount  int
	probeCycleID                   int
	lastSentPacketTime             units.Timestamp
	smoothedPacketsSendingInterval units.TimeDelta
	bitrateController              *bitrateController
	lastReceivedPackets            deque.Deque[cc.PacketResult]
	randomGenerator                *rand.Rand
}

func NewNetworkController(params NetworkControllerParams) *NetworkController {
	p := &NetworkController{
		params:                        params,
		mode:                          modeSlowStart,
		defaultBandwidth:              units.DataRateKbps(cInitialBandwidthKbps),
		rttTracker:                    newRttTracker(units.TimeDeltaMillis(cInitialRttMs), cAlphaForRtt),
		monitorIntervalTimeout:        units.TimeDeltaMillis(cInitialRttMs).Mul(cTimeoutRatio),
		monitorIntervalLengthStrategy: monitorIntervalLengthStrategyAdaptive,
		monitorIntervalDurationRatio:  cMonitorIntervalDurationRatio,
		samplingStep:                  cDefaultSamplingStep,
		monitorIntervalTimeoutRatio:   cTimeoutRatio,
		bitrateController: newBitrateController(
			cInitialConversionFactor,
			cInitialDynamicBoundary,
			cDynamicBoundaryIncrement,
			newVivaceUtilityFunction(
				cDelayGradientCoefficientBps,
				cLossCoefficientBps,
				cThroughputCoefficient,
				cThroughputPower,
				cDelayGradientThreshold,
				cDelayGradientNegativeBound,
			),
		),
		randomGenerator: rand.New(rand.NewSource(cRandomSeed)),
	}
	if params.Config.StartingRate.IsFinite() && !params.Config.StartingRate.IsZero() {
		p.defaultBandwidth = params.Config.StartingRate
	}
	p.bandwidthEstimate = p.defaultBandwidth
	return p
}

func (p *NetworkController) createRateUpdate(atTime units.Timestamp) cc.NetworkControlUpdate {
	var sendingRate units.DataRate
	if len(p.monitorIntervals) == 0 ||
		(len(p.monitorIntervals) >= len(p.monitorIntervalsBitrates) &&
			!atTime.Before(p.monitorIntervals[len(p.monitorIntervals)-1].GetEndTime())) {
		sendingRate = p.bandwidthEstimate
	} else {
		sendingRate = p.monitorIntervals[len(p.monitorIntervals)-1].GetTargetSendingRate()
	}
	sendingRate = p.clampRate(sendingRate)

	targetRate := &cc.TargetTransferRate{
		AtTime: atTime,
		NetworkEstimate: cc.NetworkEstimate{
			AtTime:        atTime,
			Bandwidth:     p.bandwidthEstimate,
			RoundTripTime: p.rttTracker.GetRtt(),
			BwePeriod:     p.rttTracker.GetRtt().Mul(2 * p.monitorIntervalDurationRatio),
			LossRateRatio: 0,
		},
		TargetRate: sendingRate,
	}

	timeWindow := units.TimeDeltaMillis(1)
	pacerConfig := &cc.PacerConfig{
		AtTime:     atTime,
		TimeWindow: timeWindow,
		DataWindow: sendingRate.MulTime(timeWindow),
		PadWindow:  sendingRate.MulTime(timeWindow),
	}

	return cc.NetworkControlUpdate{
		TargetRate:  targetRate,
		PacerConfig: pacerConfig,
	}
}

// clampRate bounds an emitted rate without touching the estimate the
// probing cycle learns on. Zero or infinite bounds are open.
func (p *NetworkController) clampRate(rate units.DataRate) units.DataRate {
	if p.maxRate.IsFinite() && !p.maxRate.IsZero() && rate > p.maxRate {
		rate = p.maxRate
	}
	if !p.minRate.IsZero() && rate < p.minRate {
		rate = p.minRate
	}
	return rate
}

func (p *NetworkController) OnSentPacket(msg cc.SentPacket) cc.NetworkControlUpdate {
	if p.lastSentPacketTime != 0 {
		p.smoothedPacketsSendingInterval = msg.SendTime.Sub(p.lastSentPacketTime).Mul(cAlphaForPacketInterval).
			Add(p.smoothedPacketsSendingInterval.Mul(1 - cAlphaForPacketInterval))
	}
	p.lastSentPacketTime = msg.SendTime

	// start the next monitor interval of the current cycle once the
	// previous one has run its course
	if len(p.monitorIntervals) > 0 &&
		!msg.SendTime.Before(p.monitorIntervals[len(p.monitorIntervals)-1].GetEndTime()) &&
		len(p.monitorIntervalsBitrates) > len(p.monitorIntervals) {
		p.monitorIntervals = append(p.monitorIntervals, newMonitorInterval(
			p.monitorIntervalsBitrates[len(p.monitorIntervals)],
			msg.SendTime,
			p.monitorIntervalsDuration,
			p.params.Logger,
		))
	}

	if p.isTimeoutExpired(msg.SendTime) {
		// feedback stopped arriving, fall back to the observed delivery
		// rate of the last packets that did get through
		receivedSize := units.DataSizeZero
		for i := 1; i < p.lastReceivedPackets.Len(); i++ {
			receivedSize = receivedSize.Add(p.lastReceivedPackets.At(i).SentPacket.Size)
		}
		sendingTime := units.TimeDeltaZero
		if p.lastReceivedPackets.Len() > 0 {
			sendingTime = p.lastReceivedPackets.Back().ReceiveTime.Sub(p.lastReceivedPackets.Front().ReceiveTime)
		}
		receivingRate := p.bandwidthEstimate
		if sendingTime > units.TimeDeltaZero {
			receivingRate = receivedSize.DivTime(sendingTime)
		}
		p.bandwidthEstimate = min(p.bandwidthEstimate.Mul(0.5), receivingRate)
		p.params.Logger.Debugw(
			"monitor interval timed out, cutting rate",
			"bandwidthEstimate", p.bandwidthEstimate,
			"receivingRate", receivingRate,
		)
		p.logProbeResult(msg.SendTime, false)
	}

	if p.isFeedbackCollectionDone() || p.isTimeoutExpired(msg.SendTime) {
		p.probeCycleID++
		p.monitorIntervals = p.monitorIntervals[:0]
		p.monitorIntervalTimeout = p.rttTracker.GetRtt().Mul(p.monitorIntervalTimeoutRatio)
		if p.monitorIntervalLengthStrategy == monitorIntervalLengthStrategyAdaptive {
			p.monitorIntervalsDuration = max(
				p.rttTracker.GetRtt().Mul(p.monitorIntervalDurationRatio),
				p.smoothedPacketsSendingInterval.Mul(cMinPacketsNumberPerInterval))
		} else {
			p.monitorIntervalsDuration = p.smoothedPacketsSendingInterval.Mul(cMinPacketsNumberPerInterval)
		}
		p.monitorIntervalsDuration = max(
			units.TimeDeltaMillis(cMinDurationOfMonitorIntervalMs), p.monitorIntervalsDuration)
		p.completeFeedbackIntervalCount = 0

		if p.mode == modeSlowStart {
			p.monitorIntervalsBitrates = []units.DataRate{p.bandwidthEstimate.Mul(cSlowStartModeIncrease)}
			p.monitorIntervals = append(p.monitorIntervals, newMonitorInterval(
				p.bandwidthEstimate.Mul(cSlowStartModeIncrease),
				msg.SendTime,
				p.monitorIntervalsDuration,
				p.params.Logger,
			))
		} else {
			// probe above and below the estimate in random order
			sign := float64(2*p.randomGenerator.Intn(2) - 1)
			if p.bandwidthEstimate >= cMinRateHaveMultiplicativeRateChange {
				p.monitorIntervalsBitrates = []units.DataRate{
					p.bandwidthEstimate.Mul(1 + sign*p.samplingStep),
					p.bandwidthEstimate.Mul(1 - sign*p.samplingStep),
				}
			} else {
				p.monitorIntervalsBitrates = []units.DataRate{
					units.DataRateBitsPerSec(int64(math.Max(
						float64(p.bandwidthEstimate.BitsPerSec())+sign*cMinRateChangeBps, 0))),
					units.DataRateBitsPerSec(int64(math.Max(
						float64(p.bandwidthEstimate.BitsPerSec())-sign*cMinRateChangeBps, 0))),
				}
			}
			p.monitorIntervals = append(p.monitorIntervals, newMonitorInterval(
				p.monitorIntervalsBitrates[0],
				msg.SendTime,
				p.monitorIntervalsDuration,
				p.params.Logger,
			))
		}
	}
	return p.createRateUpdate(msg.SendTime)
}

func (p *NetworkController) isTimeoutExpired(currentTime units.Timestamp) bool {
	if p.completeFeedbackIntervalCount >= len(p.monitorIntervals) {
		return false
	}
	return currentTime.Sub(p.monitorIntervals[p.completeFeedbackIntervalCount].GetEndTime()) >= p.monitorIntervalTimeout
}

func (p *NetworkController) isFeedbackCollectionDone() bool {
	return p.completeFeedbackIntervalCount >= len(p.monitorIntervalsBitrates)
}

func (p *NetworkController) OnTransportPacketsFeedback(msg cc.TransportPacketsFeedback) cc.NetworkControlUpdate {
	for _, packetResult := range msg.ReceivedWithSendInfo() {
		p.lastReceivedPackets.PushBack(packetResult)
	}
	for p.lastReceivedPackets.Len() > cNumberOfPacketsToKeep {
		p.lastReceivedPackets.PopFront()
	}
	p.rttTracker.OnPacketsFeedback(msg.PacketsWithFeedback(), msg.FeedbackTime)

	// online learning just started, the paired intervals do not exist
	// yet
	if p.mode == modeOnlineLearning && len(p.monitorIntervalsBitrates) < 2 {
		return cc.NetworkControlUpdate{}
	}

	wasDone := p.isFeedbackCollectionDone()
	if !wasDone && len(p.monitorIntervals) > 0 {
		for p.completeFeedbackIntervalCount < len(p.monitorIntervals) {
			p.monitorIntervals[p.completeFeedbackIntervalCount].OnPacketsFeedback(msg.PacketsWithFeedback())
			if !p.monitorIntervals[p.completeFeedbackIntervalCount].IsFeedbackCollectionDone() {
				break
			}
			p.completeFeedbackIntervalCount++
		}
	}
	if p.isFeedbackCollectionDone() && !p.needDoubleCheckMeasurements() {
		p.updateSendingRate()
		if !wasDone {
			p.logProbeResult(msg.FeedbackTime, true)
		}
	}
	return cc.NetworkControlUpdate{}
}

// needDoubleCheckMeasurements schedules one re-measurement when the pair
// of intervals is inconsistent, with the higher rate seeing less loss.
// The re-measurement itself is evaluated through the slow start path.
func (p *NetworkController) needDoubleCheckMeasurements() bool {
	if p.mode == modeSlowStart {
		return false
	}
	if p.mode == modeDoubleCheck {
		p.setMode(modeSlowStart)
		return false
	}
	firstLossRate := p.monitorIntervals[0].GetLossRate()
	secondLossRate := p.monitorIntervals[1].GetLossRate()
	firstBitrate := p.monitorIntervals[0].GetTargetSendingRate()
	secondBitrate := p.monitorIntervals[1].GetTargetSendingRate()
	if float64(firstBitrate.BitsPerSec()-secondBitrate.BitsPerSec())*(firstLossRate-secondLossRate) < 0 {
		p.setMode(modeDoubleCheck)
		return true
	}
	return false
}

func (p *NetworkController) updateSendingRate() {
	if len(p.monitorIntervals) == 0 || !p.isFeedbackCollectionDone() {
		return
	}
	if p.mode == modeSlowStart {
		oldBandwidthEstimate := p.bandwidthEstimate
		p.bandwidthEstimate = p.bitrateController.ComputeRateUpdateForSlowStartMode(
			&p.monitorIntervals[0], p.bandwidthEstimate)
		if p.bandwidthEstimate <= oldBandwidthEstimate {
			p.setMode(modeOnlineLearning)
		}
	} else {
		p.bandwidthEstimate = p.bitrateController.ComputeRateUpdateForOnlineLearningMode(
			p.monitorIntervals, p.bandwidthEstimate)
	}
}

func (p *NetworkController) setMode(m mode) {
	if p.mode == m {
		return
	}
	p.params.Logger.Debugw("congestion control mode change", "from", p.mode, "to", m)
	p.mode = m
}

// logProbeResult records the outcome of one probing cycle. Success carries
// the estimate the cycle settled on, a timed out cycle carries none.
func (p *NetworkController) logProbeResult(at units.Timestamp, success bool) {
	if p.params.EventLog == nil {
		return
	}
	if success {
		p.params.EventLog.Log(eventlog.NewProbeResultSuccessEvent(at, p.probeCycleID, p.bandwidthEstimate))
	} else {
		p.params.EventLog.Log(eventlog.NewProbeResultFailureEvent(at, p.probeCycleID))
	}
}

func (p *NetworkController) OnProcessInterval(msg cc.ProcessInterval) cc.NetworkControlUpdate {
	p.probeCycleID++
	p.monitorIntervalsDuration = p.rttTracker.GetRtt().Mul(p.monitorIntervalDurationRatio)
	p.monitorIntervalsBitrates = []units.DataRate{p.bandwidthEstimate}
	p.monitorIntervals = append(p.monitorIntervals, newMonitorInterval(
		p.bandwidthEstimate, msg.AtTime, p.monitorIntervalsDuration, p.params.Logger))
	p.completeFeedbackIntervalCount = 0
	return p.createRateUpdate(msg.AtTime)
}

func (p *NetworkController) OnNetworkAvailability(msg cc.NetworkAvailability) cc.NetworkControlUpdate {
	return cc.NetworkControlUpdate{}
}

// OnTargetRateConstraints records the bounds applied to every emitted
// target. The probing cycle itself keeps operating on the unclamped
// estimate, so a constrained controller still tracks the path.
func (p *NetworkController) OnTargetRateConstraints(msg cc.TargetRateConstraints) cc.NetworkControlUpdate {
	p.minRate = msg.MinDataRate
	p.maxRate = msg.MaxDataRate
	return cc.NetworkControlUpdate{}
}
