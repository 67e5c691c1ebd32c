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

package pcc

import (
	"math"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/cc"
	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

type receivedPacket struct {
	delay    units.TimeDelta
	sentTime units.Timestamp
}

// monitorInterval accumulates feedback for packets sent during one
// probing interval (startTime, startTime+intervalDuration]. Feedback for
// a packet sent after the interval end marks collection done, packets
// reordered past that point count as lost.
type monitorInterval struct {
	targetSendingRate      units.DataRate
	startTime              units.Timestamp
	intervalDuration       units.TimeDelta
	receivedPackets        []receivedPacket
	lostPacketsSentTime    []units.Timestamp
	receivedPacketsSize    units.DataSize
	feedbackCollectionDone bool
	logger                 logger.Logger
}

func newMonitorInterval(
	targetSendingRate units.DataRate,
	startTime units.Timestamp,
	intervalDuration units.TimeDelta,
	logger logger.Logger,
) monitorInterval {
	return monitorInterval{
		targetSendingRate: targetSendingRate,
		startTime:         startTime,
		intervalDuration:  intervalDuration,
		logger:            logger,
	}
}

func (m *monitorInterval) OnPacketsFeedback(packetResults []cc.PacketResult) {
	for _, packetResult := range packetResults {
		if !packetResult.SentPacket.SendTime.After(m.startTime) {
			continue
		}
		if packetResult.SentPacket.SendTime.After(m.startTime.Add(m.intervalDuration)) {
			m.feedbackCollectionDone = true
			return
		}
		if packetResult.ReceiveTime.IsInfinite() {
			m.lostPacketsSentTime = append(m.lostPacketsSentTime, packetResult.SentPacket.SendTime)
		} else {
			m.receivedPackets = append(m.receivedPackets, receivedPacket{
				delay:    packetResult.ReceiveTime.Sub(packetResult.SentPacket.SendTime),
				sentTime: packetResult.SentPacket.SendTime,
			})
			m.receivedPacketsSize = m.receivedPacketsSize.Add(packetResult.SentPacket.Size)
		}
	}
}

// ComputeDelayGradient fits a line to one way delay as a function of
// send time and returns its slope, zeroed when below the threshold.
func (m *monitorInterval) ComputeDelayGradient(delayGradientThreshold float64) float64 {
	if len(m.receivedPackets) == 0 ||
		m.receivedPackets[0].sentTime == m.receivedPackets[len(m.receivedPackets)-1].sentTime {
		return 0
	}

	sumTimes := 0.0
	sumDelays := 0.0
	for _, packet := range m.receivedPackets {
		sumTimes += float64(packet.sentTime.Sub(m.receivedPackets[0].sentTime).Micros())
		sumDelays += float64(packet.delay.Micros())
	}

	sumSquaredScaledTimeDeltas := 0.0
	sumScaledTimeDeltaDotDelay := 0.0
	for _, packet := range m.receivedPackets {
		timeDeltaUs := float64(packet.sentTime.Sub(m.receivedPackets[0].sentTime).Micros())
		scaledTimeDeltaUs := timeDeltaUs - sumTimes/float64(len(m.receivedPackets))
		sumSquaredScaledTimeDeltas += scaledTimeDeltaUs * scaledTimeDeltaUs
		sumScaledTimeDeltaDotDelay += scaledTimeDeltaUs * float64(packet.delay.Micros())
	}

	delayGradient := sumScaledTimeDeltaDotDelay / sumSquaredScaledTimeDeltas
	if math.Abs(delayGradient) < delayGradientThreshold {
		delayGradient = 0
	}
	return delayGradient
}

func (m *monitorInterval) IsFeedbackCollectionDone() bool {
	return m.feedbackCollectionDone
}

func (m *monitorInterval) GetEndTime() units.Timestamp {
	return m.startTime.Add(m.intervalDuration)
}

func (m *monitorInterval) GetLossRate() float64 {
	packetsLost := len(m.lostPacketsSentTime)
	packetsReceived := len(m.receivedPackets)
	if packetsLost+packetsReceived == 0 {
		return 0
	}
	return float64(packetsLost) / float64(packetsLost+packetsReceived)
}

func (m *monitorInterval) GetTargetSendingRate() units.DataRate {
	return m.targetSendingRate
}

// GetTransmittedPacketsRate reconstructs the delivery rate from the
// receive times observed during the interval.
func (m *monitorInterval) GetTransmittedPacketsRate() units.DataRate {
	if len(m.receivedPackets) == 0 {
		return m.targetSendingRate
	}
	first := m.receivedPackets[0]
	last := m.receivedPackets[len(m.receivedPackets)-1]
	receiveTimeOfFirstPacket := first.sentTime.Add(first.delay)
	receiveTimeOfLastPacket := last.sentTime.Add(last.delay)
	if receiveTimeOfFirstPacket == receiveTimeOfLastPacket {
		m.logger.Warnw("all packets of monitor interval received at the same time", nil)
		return m.targetSendingRate
	}
	return m.receivedPacketsSize.DivTime(receiveTimeOfLastPacket.Sub(receiveTimeOfFirstPacket))
}
