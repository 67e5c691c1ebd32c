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

// Package pacing spreads packet transmission over time at a configured
// rate, with per-media-type prioritization and round-robin fairness
// across streams. The PacingController is clock free and driven by
// explicit process calls, the Worker wraps it for wall-clock use.
package pacing

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/telemetry/prometheus"
	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

const (
	// Minimum time between packet bursts.
	cMinPacketLimitMs = 5

	cCongestedPacketIntervalMs = 500
	cPausedProcessIntervalMs   = cCongestedPacketIntervalMs
	cMaxElapsedTimeMs          = 2000

	// Upper cap on budget accrual per process call, in case processing
	// has stalled for a long time.
	cMaxIntervalTimeMs = 30

	cDefaultQueueTimeLimitMs = 2000
)

// --------------------------------------------------

// PacketSender puts paced packets on the wire. Calls are made from
// whatever goroutine drives ProcessPackets.
type PacketSender interface {
	SendPacket(packet *Packet, at units.Timestamp)
	// GeneratePadding asks for padding packets adding up to the given
	// size, fewer or none is acceptable.
	GeneratePadding(size units.DataSize) []*Packet
}

// --------------------------------------------------

type PacingControllerConfig struct {
	// PaceAudio subjects audio to the media rate budget, when false
	// audio is sent as soon as it is processed.
	PaceAudio       bool `yaml:"pace_audio,omitempty"`
	AccountForAudio bool `yaml:"account_for_audio,omitempty"`
	// DrainLargeQueues boosts the pacing rate when the queue would
	// otherwise take more than QueueTimeLimitMs to empty.
	DrainLargeQueues    bool  `yaml:"drain_large_queues,omitempty"`
	SendPaddingIfSilent bool  `yaml:"send_padding_if_silent,omitempty"`
	QueueTimeLimitMs    int64 `yaml:"queue_time_limit_ms,omitempty"`
	// MaxQueuePackets bounds admission, zero means unlimited.
	MaxQueuePackets int `yaml:"max_queue_packets,omitempty"`
}

var DefaultPacingControllerConfig = PacingControllerConfig{
	DrainLargeQueues: true,
	QueueTimeLimitMs: cDefaultQueueTimeLimitMs,
}

// --------------------------------------------------

type PacingControllerParams struct {
	Config PacingControllerConfig
	Sender PacketSender
	Logger logger.Logger
}

// PacingController decides when queued packets go out so that the
// configured pacing rate is honored over time. It is the sole mutator
// of its packet queue, rate controllers only ever hand it a new rate.
// Not safe for concurrent use, callers serialize access.
type PacingController struct {
	params PacingControllerParams

	queue *PrioritizedPacketQueue

	mediaBudget   intervalBudget
	paddingBudget intervalBudget

	pacingRate  units.DataRate
	paddingRate units.DataRate

	paused           bool
	congestionWindow units.DataSize
	outstandingData  units.DataSize

	lastProcessTime     units.Timestamp
	lastSendTime        units.Timestamp
	firstSentPacketTime units.Timestamp
	packetCounter       int64
	queueTimeLimit      units.TimeDelta
}

func NewPacingController(params PacingControllerParams, now units.Timestamp) *PacingController {
	p := &PacingController{
		params:              params,
		queue:               NewPrioritizedPacketQueue(now),
		mediaBudget:         newIntervalBudget(0, false),
		paddingBudget:       newIntervalBudget(0, false),
		lastProcessTime:     now,
		lastSendTime:        now,
		firstSentPacketTime: units.TimestampMinusInfinity,
		queueTimeLimit:      units.TimeDeltaMillis(params.Config.QueueTimeLimitMs),
	}
	if p.queueTimeLimit <= units.TimeDeltaZero {
		p.queueTimeLimit = units.TimeDeltaMillis(cDefaultQueueTimeLimitMs)
	}
	p.updateBudgetWithElapsedTime(units.TimeDeltaMillis(cMinPacketLimitMs))
	return p
}

// EnqueuePacket admits a packet for paced sending. A false return means
// the queue is at its configured bound and the caller should retry
// later, not an error.
func (p *PacingController) EnqueuePacket(now units.Timestamp, packet *Packet) bool {
	if p.params.Config.MaxQueuePackets > 0 && p.queue.SizeInPackets() >= p.params.Config.MaxQueuePackets {
		return false
	}

	p.packetCounter++
	p.queue.Push(now, packet)
	return true
}

func (p *PacingController) SetPacingRates(pacingRate units.DataRate, paddingRate units.DataRate) {
	if pacingRate.IsZero() {
		p.params.Logger.Warnw("pacing rate of zero not supported, ignoring", nil)
		return
	}

	p.pacingRate = pacingRate
	p.paddingRate = paddingRate
	p.paddingBudget.setTargetRateKbps(paddingRate.Kbps())
	p.params.Logger.Debugw("pacer rates updated", "pacingRate", pacingRate, "paddingRate", paddingRate)
}

func (p *PacingController) Pause(now units.Timestamp) {
	if !p.paused {
		p.params.Logger.Infow("pacer paused")
	}
	p.paused = true
	p.queue.SetPauseState(true, now)
}

func (p *PacingController) Resume(now units.Timestamp) {
	if p.paused {
		p.params.Logger.Infow("pacer resumed")
	}
	p.paused = false
	p.queue.SetPauseState(false, now)
}

// SetCongestionWindow bounds outstanding data on the wire, zero means
// no congestion window.
func (p *PacingController) SetCongestionWindow(window units.DataSize) {
	p.congestionWindow = window
}

func (p *PacingController) UpdateOutstandingData(outstanding units.DataSize) {
	p.outstandingData = outstanding
}

func (p *PacingController) SetQueueTimeLimit(limit units.TimeDelta) {
	p.queueTimeLimit = limit
}

func (p *PacingController) congested() bool {
	if p.congestionWindow.IsZero() {
		return false
	}
	return p.outstandingData >= p.congestionWindow
}

// NextSendTime is when ProcessPackets wants to run next.
func (p *PacingController) NextSendTime() units.Timestamp {
	if p.paused {
		return p.lastProcessTime.Add(units.TimeDeltaMillis(cPausedProcessIntervalMs))
	}
	return p.lastProcessTime.Add(units.TimeDeltaMillis(cMinPacketLimitMs))
}

// ProcessPackets grants budget for the time elapsed since the last call
// and sends as many queued packets as the budget covers, topping up
// with padding when configured.
func (p *PacingController) ProcessPackets(now units.Timestamp) {
	if now.Before(p.lastProcessTime) {
		p.params.Logger.Warnw("non-monotonic clock behavior observed", nil,
			"previous", p.lastProcessTime, "now", now)
		now = p.lastProcessTime
	}
	elapsed := now.Sub(p.lastProcessTime)
	p.lastProcessTime = now
	if elapsed > units.TimeDeltaMillis(cMaxElapsedTimeMs) {
		p.params.Logger.Warnw("elapsed time longer than expected, limiting", nil, "elapsed", elapsed)
		elapsed = units.TimeDeltaMillis(cMaxElapsedTimeMs)
	}

	if p.shouldSendKeepalive(now) {
		for _, packet := range p.params.Sender.GeneratePadding(units.DataSizeBytes(1)) {
			p.params.Sender.SendPacket(packet, now)
			p.onPaddingSent(now, packet.Size())
		}
	}

	if p.paused {
		return
	}

	if elapsed > units.TimeDeltaZero {
		targetRate := p.pacingRate
		queueSize := p.queue.SizeInPayloadBytes()
		if !queueSize.IsZero() {
			p.queue.UpdateAverageQueueTime(now)
			if p.params.Config.DrainLargeQueues {
				avgTimeLeft := max(units.TimeDeltaMillis(1), p.queueTimeLimit.Sub(p.queue.AverageQueueTime()))
				minRateNeeded := queueSize.DivTime(avgTimeLeft)
				if minRateNeeded > targetRate {
					targetRate = minRateNeeded
					p.params.Logger.Debugw("large pacing queue, boosting drain rate", "rate", targetRate)
				}
			}
		}
		p.mediaBudget.setTargetRateKbps(targetRate.Kbps())
		p.updateBudgetWithElapsedTime(elapsed)
	}

	for !p.queue.Empty() && !p.paused {
		packet := p.getPendingPacket()
		if packet == nil {
			break
		}
		p.params.Sender.SendPacket(packet, now)
		p.onPacketSent(now, packet)
	}

	if p.queue.Empty() && !p.congested() && p.packetCounter > 0 {
		// Padding can only be sent after a media packet has gone out,
		// otherwise receiver timestamp tracking gets confused.
		if paddingNeeded := p.paddingBudget.remainingBytes(); paddingNeeded > 0 {
			for _, packet := range p.params.Sender.GeneratePadding(units.DataSizeBytes(paddingNeeded)) {
				p.params.Sender.SendPacket(packet, now)
				p.onPaddingSent(now, packet.Size())
			}
		}
	}

	prometheus.SetPacerQueueDepth(p.queue.SizeInPackets())
}

// getPendingPacket pops the next packet if it is allowed to go out now,
// audio skips the budget check unless configured to be paced.
func (p *PacingController) getPendingPacket() *Packet {
	unpacedAudio := !p.params.Config.PaceAudio &&
		p.queue.LeadingPacketEnqueueTime(MediaTypeAudio).IsFinite()
	if !unpacedAudio {
		if p.congested() || p.mediaBudget.remainingBytes() == 0 {
			return nil
		}
	}
	return p.queue.Pop()
}

func (p *PacingController) onPacketSent(now units.Timestamp, packet *Packet) {
	if p.firstSentPacketTime.IsInfinite() {
		p.firstSentPacketTime = now
	}
	audio := packet.MediaType == MediaTypeAudio
	if !audio || p.params.Config.AccountForAudio {
		p.updateBudgetWithSentData(packet.Size())
		p.lastSendTime = now
	}
}

func (p *PacingController) onPaddingSent(now units.Timestamp, size units.DataSize) {
	prometheus.IncPaddingSent(size.Bytes())
	if !size.IsZero() {
		p.updateBudgetWithSentData(size)
	}
	p.lastSendTime = now
}

func (p *PacingController) shouldSendKeepalive(now units.Timestamp) bool {
	if p.params.Config.SendPaddingIfSilent || p.paused || p.congested() {
		if p.packetCounter == 0 {
			return false
		}
		return now.Sub(p.lastSendTime) >= units.TimeDeltaMillis(cCongestedPacketIntervalMs)
	}
	return false
}

func (p *PacingController) updateBudgetWithElapsedTime(delta units.TimeDelta) {
	delta = min(delta, units.TimeDeltaMillis(cMaxIntervalTimeMs))
	p.mediaBudget.increaseBudget(delta.Millis())
	p.paddingBudget.increaseBudget(delta.Millis())
}

func (p *PacingController) updateBudgetWithSentData(size units.DataSize) {
	p.outstandingData = p.outstandingData.Add(size)
	p.mediaBudget.useBudget(size.Bytes())
	p.paddingBudget.useBudget(size.Bytes())
}

// --------------------------------------------------

func (p *PacingController) QueueSizePackets() int {
	return p.queue.SizeInPackets()
}

func (p *PacingController) QueueSizeBytes() units.DataSize {
	return p.queue.SizeInPayloadBytes()
}

// ExpectedQueueTime is how long draining the current queue would take
// at the configured pacing rate.
func (p *PacingController) ExpectedQueueTime() units.TimeDelta {
	if p.pacingRate.IsZero() {
		return units.TimeDeltaZero
	}
	return p.queue.SizeInPayloadBytes().DivRate(p.pacingRate)
}

// FirstSentPacketTime is MinusInfinity until the first packet goes out.
func (p *PacingController) FirstSentPacketTime() units.Timestamp {
	return p.firstSentPacketTime
}

func (p *PacingController) HasKeyframePackets(ssrc uint32) bool {
	return p.queue.HasKeyframePackets(ssrc)
}

func (p *PacingController) FlushVideoStream(mediaSsrc uint32, rtxSsrc uint32) {
	p.queue.FlushVideoStream(mediaSsrc, rtxSsrc)
}

// --------------------------------------------------
