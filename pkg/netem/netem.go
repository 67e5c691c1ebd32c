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

// Package netem emulates impaired network links for deterministic transport
// testing: a capacity-limited link model with configurable delay, jitter,
// loss and reordering, plus the pipe/node plumbing that routes packets
// through one or more emulated links to a receiver.
package netem

import (
	"github.com/livekit/netem/pkg/units"
)

// PacketInFlightInfo identifies one packet on an emulated link. The record is
// owned by exactly one queue at a time; ownership moves on dequeue.
type PacketInFlightInfo struct {
	Size     units.DataSize
	SendTime units.Timestamp
	PacketID uint64
}

// DelayedPacketInfo is a packet that finished transit, stamped with the time
// it became deliverable.
type DelayedPacketInfo struct {
	Packet      PacketInFlightInfo
	ReceiveTime units.Timestamp
}

// NetworkBehavior decides per-packet fate on a link: admission, loss and
// delivery time. Implementations: SimulatedNetwork, PassthroughBehavior.
type NetworkBehavior interface {
	// EnqueuePacket admits a packet to the link. Returns false when the link
	// queue is full; a rejected packet is silently gone.
	EnqueuePacket(packet PacketInFlightInfo) bool

	// PacketsToDeliverBy returns every packet whose transit completes at or
	// before receiveTime, in increasing delivery-time order, each at most
	// once.
	PacketsToDeliverBy(receiveTime units.Timestamp) []DelayedPacketInfo

	// QueueingDelay reports how long a packet admitted at the given time
	// would wait behind the current link backlog.
	QueueingDelay(at units.Timestamp) units.TimeDelta

	// NextDeliveryTime returns the earliest known time a packet could become
	// deliverable, or TimestampPlusInfinity when the link is idle.
	NextDeliveryTime() units.Timestamp
}

// --------------------------------------------------

// PassthroughBehavior delivers every packet instantly and unharmed.
type PassthroughBehavior struct {
	pending []DelayedPacketInfo
}

func NewPassthroughBehavior() *PassthroughBehavior {
	return &PassthroughBehavior{}
}

func (b *PassthroughBehavior) EnqueuePacket(packet PacketInFlightInfo) bool {
	b.pending = append(b.pending, DelayedPacketInfo{
		Packet:      packet,
		ReceiveTime: packet.SendTime,
	})
	return true
}

func (b *PassthroughBehavior) PacketsToDeliverBy(receiveTime units.Timestamp) []DelayedPacketInfo {
	var due []DelayedPacketInfo
	remaining := b.pending[:0]
	for _, p := range b.pending {
		if !p.ReceiveTime.After(receiveTime) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	b.pending = remaining
	return due
}

func (b *PassthroughBehavior) QueueingDelay(_ units.Timestamp) units.TimeDelta {
	return units.TimeDeltaZero
}

func (b *PassthroughBehavior) NextDeliveryTime() units.Timestamp {
	if len(b.pending) == 0 {
		return units.TimestampPlusInfinity
	}
	earliest := b.pending[0].ReceiveTime
	for _, p := range b.pending[1:] {
		if p.ReceiveTime.Before(earliest) {
			earliest = p.ReceiveTime
		}
	}
	return earliest
}
