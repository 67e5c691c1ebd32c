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

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/telemetry/prometheus"
	"github.com/livekit/netem/pkg/units"
)

// NetworkReceiver accepts routed packets addressed to a receiver id.
type NetworkReceiver interface {
	TryDeliverPacket(payload []byte, receiverID uint64, at units.Timestamp) bool
}

type NetworkNodeParams struct {
	Behavior NetworkBehavior
	// extra per-packet bytes accounted on the link (transport headers etc.)
	PacketOverhead units.DataSize
	Logger         logger.Logger
}

// NetworkNode is a routed hop over a NetworkBehavior: packets addressed to a
// receiver id are carried across the emulated link, then handed to the next
// hop installed for that id. Nodes chain to form multi-hop routes; cross
// traffic can inject load on a shared node without touching real packets.
type NetworkNode struct {
	logger   logger.Logger
	behavior NetworkBehavior
	overhead units.DataSize

	lock    sync.Mutex
	routing map[uint64]NetworkReceiver
	packets deque.Deque[storedPacket]
	nextID  uint64
	stats   LinkStats
}

type storedPacket struct {
	payload    []byte
	receiverID uint64
	packetID   uint64
	sentAt     units.Timestamp
	removed    bool
}

func NewNetworkNode(params NetworkNodeParams) *NetworkNode {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &NetworkNode{
		logger:   params.Logger,
		behavior: params.Behavior,
		overhead: params.PacketOverhead,
		routing:  make(map[uint64]NetworkReceiver),
		nextID:   1,
		stats:    newLinkStats(),
	}
}

// SetRoute points packets addressed to receiverID at the given next hop.
func (n *NetworkNode) SetRoute(receiverID uint64, receiver NetworkReceiver) {
	n.lock.Lock()
	n.routing[receiverID] = receiver
	n.lock.Unlock()
}

func (n *NetworkNode) ClearRouteFor(receiverID uint64) {
	n.lock.Lock()
	delete(n.routing, receiverID)
	n.lock.Unlock()
}

// TryDeliverPacket admits a packet for transit toward receiverID. Returns
// false when no route exists or the link rejects admission; either way the
// packet is gone without an error. Receiver id zero is reserved and indicates
// a caller bug.
func (n *NetworkNode) TryDeliverPacket(payload []byte, receiverID uint64, at units.Timestamp) bool {
	if receiverID == 0 {
		panic("netem: packet addressed to reserved receiver id 0")
	}

	n.lock.Lock()
	if _, ok := n.routing[receiverID]; !ok {
		n.lock.Unlock()
		return false
	}
	packetID := n.nextID
	n.nextID++
	n.lock.Unlock()

	size := units.DataSizeBytes(int64(len(payload))).Add(n.overhead)
	sent := n.behavior.EnqueuePacket(PacketInFlightInfo{
		Size:     size,
		SendTime: at,
		PacketID: packetID,
	})

	n.lock.Lock()
	n.stats.onSent(size, at, sent)
	if sent {
		n.packets.PushBack(storedPacket{
			payload:    payload,
			receiverID: receiverID,
			packetID:   packetID,
			sentAt:     at,
		})
	}
	n.lock.Unlock()

	if !sent {
		prometheus.IncPacketsDropped(1)
		return false
	}
	prometheus.IncPacketsSent(1, size.Bytes())
	return true
}

// Process forwards every packet due by now to its installed next hop.
func (n *NetworkNode) Process(now units.Timestamp) {
	deliverable := n.behavior.PacketsToDeliverBy(now)

	type delivery struct {
		payload    []byte
		receiverID uint64
		receiver   NetworkReceiver
		arrival    units.Timestamp
	}
	var out []delivery

	n.lock.Lock()
	for _, d := range deliverable {
		idx := n.findPacketLocked(d.Packet.PacketID)
		if idx < 0 {
			n.logger.Warnw("delivered packet not found in node store", nil, "packetID", d.Packet.PacketID)
			continue
		}
		sp := n.packets.At(idx)
		sp.removed = true
		n.packets.Set(idx, sp)

		n.stats.onDelivered(d.Packet.Size, d.ReceiveTime)
		if receiver, ok := n.routing[sp.receiverID]; ok {
			out = append(out, delivery{
				payload:    sp.payload,
				receiverID: sp.receiverID,
				receiver:   receiver,
				arrival:    d.ReceiveTime,
			})
		}
	}
	// compact the store: pop delivered packets and forget ones lost in
	// transit once they are clearly not coming back
	for n.packets.Len() != 0 {
		front := n.packets.Front()
		if front.removed || now.Sub(front.sentAt) > cStalePayloadTimeout {
			n.packets.PopFront()
			continue
		}
		break
	}
	n.lock.Unlock()

	for _, d := range out {
		prometheus.IncPacketsDelivered(1, int64(len(d.payload)))
		d.receiver.TryDeliverPacket(d.payload, d.receiverID, d.arrival)
	}
}

func (n *NetworkNode) findPacketLocked(packetID uint64) int {
	for i := 0; i < n.packets.Len(); i++ {
		if n.packets.At(i).packetID == packetID {
			return i
		}
	}
	return -1
}

func (n *NetworkNode) NextProcessTime() units.Timestamp {
	return n.behavior.NextDeliveryTime()
}

func (n *NetworkNode) Stats() LinkStats {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.stats
}

// --------------------------------------------------

// Route installs a forwarding chain for receiverID across the given nodes,
// terminating at receiver. Packets handed to the first node traverse every
// hop in order.
func Route(receiverID uint64, nodes []*NetworkNode, receiver NetworkReceiver) {
	if len(nodes) == 0 {
		panic("netem: route needs at least one node")
	}
	for i := 0; i+1 < len(nodes); i++ {
		nodes[i].SetRoute(receiverID, nodes[i+1])
	}
	nodes[len(nodes)-1].SetRoute(receiverID, receiver)
}

// ClearRoute removes the forwarding chain for receiverID from every node.
func ClearRoute(receiverID uint64, nodes []*NetworkNode) {
	for _, node := range nodes {
		node.ClearRouteFor(receiverID)
	}
}

// NullReceiver swallows packets, terminating synthetic traffic routes.
type NullReceiver struct{}

func (NullReceiver) TryDeliverPacket(_ []byte, _ uint64, _ units.Timestamp) bool {
	return true
}
