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

package netem

import (
	"go.uber.org/zap/zapcore"

	"github.com/livekit/netem/pkg/units"
)

// LinkStats aggregates what a node saw cross its link. Timestamps start at
// the infinity sentinels until the first packet moves.
type LinkStats struct {
	PacketsSent    uint64
	BytesSent      units.DataSize
	PacketsDropped uint64
	BytesDropped   units.DataSize

	PacketsDelivered uint64
	BytesDelivered   units.DataSize

	FirstPacketSentTime     units.Timestamp
	LastPacketSentTime      units.Timestamp
	FirstPacketReceivedTime units.Timestamp
	LastPacketReceivedTime  units.Timestamp
}

func newLinkStats() LinkStats {
	return LinkStats{
		FirstPacketSentTime:     units.TimestampPlusInfinity,
		LastPacketSentTime:      units.TimestampMinusInfinity,
		FirstPacketReceivedTime: units.TimestampPlusInfinity,
		LastPacketReceivedTime:  units.TimestampMinusInfinity,
	}
}

func (s *LinkStats) onSent(size units.DataSize, at units.Timestamp, accepted bool) {
	if !accepted {
		s.PacketsDropped++
		s.BytesDropped = s.BytesDropped.Add(size)
		return
	}
	s.PacketsSent++
	s.BytesSent = s.BytesSent.Add(size)
	if at.Before(s.FirstPacketSentTime) {
		s.FirstPacketSentTime = at
	}
	if at.After(s.LastPacketSentTime) {
		s.LastPacketSentTime = at
	}
}

func (s *LinkStats) onDelivered(size units.DataSize, at units.Timestamp) {
	s.PacketsDelivered++
	s.BytesDelivered = s.BytesDelivered.Add(size)
	if at.Before(s.FirstPacketReceivedTime) {
		s.FirstPacketReceivedTime = at
	}
	if at.After(s.LastPacketReceivedTime) {
		s.LastPacketReceivedTime = at
	}
}

// AverageDeliveryRate is the delivered throughput between the first and last
// delivery, or zero before two packets arrived.
func (s *LinkStats) AverageDeliveryRate() units.DataRate {
	if s.PacketsDelivered < 2 {
		return units.DataRateZero
	}
	span := s.LastPacketReceivedTime.Sub(s.FirstPacketReceivedTime)
	if span <= 0 {
		return units.DataRateZero
	}
	return s.BytesDelivered.DivTime(span)
}

func (s LinkStats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint64("packetsSent", s.PacketsSent)
	e.AddInt64("bytesSent", s.BytesSent.Bytes())
	e.AddUint64("packetsDropped", s.PacketsDropped)
	e.AddUint64("packetsDelivered", s.PacketsDelivered)
	e.AddInt64("bytesDelivered", s.BytesDelivered.Bytes())
	e.AddString("firstPacketSent", s.FirstPacketSentTime.String())
	e.AddString("lastPacketReceived", s.LastPacketReceivedTime.String())
	return nil
}
