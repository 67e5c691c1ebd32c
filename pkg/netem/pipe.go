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
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
)

// payloads stuck longer than this on the link were lost in transit and can be
// forgotten
const cStalePayloadTimeout = 60 * 1000 * 1000 // us

// NetworkPacket is a payload crossing an emulated link.
type NetworkPacket struct {
	Payload  []byte
	IsRtcp   bool
	SendTime units.Timestamp
}

// PacketReceiver is the delivery side of a pipe.
type PacketReceiver interface {
	DeliverPacket(packet NetworkPacket, arrival units.Timestamp)
}

type FakeNetworkPipeParams struct {
	Behavior NetworkBehavior
	Receiver PacketReceiver
	Logger   logger.Logger
}

// FakeNetworkPipe bridges send/receive interfaces to a NetworkBehavior so the
// code on either side stays network-condition-agnostic. Senders call SendRtp/
// SendRtcp, upstream pipes call DeliverPacket; everything funnels into the
// behavior, and Process re-delivers whatever survived transit.
type FakeNetworkPipe struct {
	logger   logger.Logger
	behavior NetworkBehavior

	lock     sync.Mutex
	receiver PacketReceiver
	inFlight map[uint64]storedPayload
	nextID   uint64
}

type storedPayload struct {
	packet     NetworkPacket
	enqueuedAt units.Timestamp
}

func NewFakeNetworkPipe(params FakeNetworkPipeParams) *FakeNetworkPipe {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &FakeNetworkPipe{
		logger:   params.Logger,
		behavior: params.Behavior,
		receiver: params.Receiver,
		inFlight: make(map[uint64]storedPayload),
		nextID:   1,
	}
}

// SetReceiver swaps the delivery target. A nil receiver discards deliveries,
// used during teardown to stop handing out packets before the pipe is dropped.
func (p *FakeNetworkPipe) SetReceiver(receiver PacketReceiver) {
	p.lock.Lock()
	p.receiver = receiver
	p.lock.Unlock()
}

func (p *FakeNetworkPipe) SendRtp(payload []byte, at units.Timestamp) bool {
	return p.enqueue(NetworkPacket{Payload: payload, SendTime: at})
}

func (p *FakeNetworkPipe) SendRtcp(payload []byte, at units.Timestamp) bool {
	return p.enqueue(NetworkPacket{Payload: payload, IsRtcp: true, SendTime: at})
}

// DeliverPacket lets the pipe act as a PacketReceiver so pipes can be chained.
func (p *FakeNetworkPipe) DeliverPacket(packet NetworkPacket, arrival units.Timestamp) {
	packet.SendTime = arrival
	p.enqueue(packet)
}

func (p *FakeNetworkPipe) enqueue(packet NetworkPacket) bool {
	p.lock.Lock()
	id := p.nextID
	p.nextID++
	p.lock.Unlock()

	accepted := p.behavior.EnqueuePacket(PacketInFlightInfo{
		Size:     units.DataSizeBytes(int64(len(packet.Payload))),
		SendTime: packet.SendTime,
		PacketID: id,
	})
	if !accepted {
		// silent drop, absence is the only signal
		return false
	}

	p.lock.Lock()
	p.inFlight[id] = storedPayload{packet: packet, enqueuedAt: packet.SendTime}
	p.lock.Unlock()
	return true
}

// Process delivers every packet due by now to the receiver, with arrival
// times reflecting the emulated transit. This is the one point where
// simulated delay becomes visible downstream.
func (p *FakeNetworkPipe) Process(now units.Timestamp) {
	deliverable := p.behavior.PacketsToDeliverBy(now)

	type delivery struct {
		packet  NetworkPacket
		arrival units.Timestamp
	}
	var out []delivery

	p.lock.Lock()
	receiver := p.receiver
	for _, d := range deliverable {
		stored, ok := p.inFlight[d.Packet.PacketID]
		if !ok {
			p.logger.Warnw("delivered packet without stored payload", nil, "packetID", d.Packet.PacketID)
			continue
		}
		delete(p.inFlight, d.Packet.PacketID)
		out = append(out, delivery{packet: stored.packet, arrival: d.ReceiveTime})
	}
	// payloads of packets lost in transit are never dequeued, drop them once
	// they are clearly not coming back
	for id, stored := range p.inFlight {
		if now.Sub(stored.enqueuedAt) > cStalePayloadTimeout {
			delete(p.inFlight, id)
		}
	}
	p.lock.Unlock()

	if receiver == nil {
		return
	}
	for _, d := range out {
		receiver.DeliverPacket(d.packet, d.arrival)
	}
}

// TimeUntilNextProcess returns zero when a packet is already deliverable,
// otherwise the minimum wait before one could become deliverable. Callers
// must not poll tighter than this.
func (p *FakeNetworkPipe) TimeUntilNextProcess(now units.Timestamp) units.TimeDelta {
	next := p.behavior.NextDeliveryTime()
	if next.IsPlusInfinity() {
		return units.TimeDeltaPlusInfinity
	}
	wait := next.Sub(now)
	if wait < 0 {
		return units.TimeDeltaZero
	}
	return wait
}
