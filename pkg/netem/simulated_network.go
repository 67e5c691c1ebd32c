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
	"math/rand"
	"sync"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
)

const cDefaultRandomSeed = 1

type SimulatedNetworkParams struct {
	Config     Config
	RandomSeed int64
	Logger     logger.Logger
}

// SimulatedNetwork models a capacity-limited link. A packet first crosses a
// FIFO capacity queue, occupying the link for size*8/capacity, then a delay
// queue that adds the configured extra delay with Gaussian jitter and applies
// the two-state Markov loss model.
//
// Config state and queue state are guarded by separate locks so that a live
// config update never blocks delivery processing.
type SimulatedNetwork struct {
	logger logger.Logger

	configLock  sync.Mutex
	configState configState

	processLock sync.Mutex
	rand        *rand.Rand
	// packets occupying the link, stamped with their capacity-exit time
	capacityQueue deque.Deque[queuedPacket]
	// packets past the link, stamped with their final delivery time
	delayQueue              deque.Deque[queuedPacket]
	capacityDelayErrorBytes int64
	bursting                bool
	droppedPackets          uint64
}

type configState struct {
	config Config
	// derived Markov loss probabilities
	probStartBursting float64
	probLossBursting  float64
}

type queuedPacket struct {
	packet      PacketInFlightInfo
	arrivalTime units.Timestamp
}

func NewSimulatedNetwork(params SimulatedNetworkParams) *SimulatedNetwork {
	seed := params.RandomSeed
	if seed == 0 {
		seed = cDefaultRandomSeed
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	n := &SimulatedNetwork{
		logger: params.Logger,
		rand:   rand.New(rand.NewSource(seed)),
	}
	n.capacityQueue.SetMinCapacity(7)
	n.delayQueue.SetMinCapacity(7)
	n.SetConfig(params.Config)
	return n
}

// SetConfig replaces the link configuration. Packets already admitted to the
// capacity queue keep the admission decisions made under the old config.
func (n *SimulatedNetwork) SetConfig(config Config) {
	config.validate()

	state := configState{config: config}
	probLoss := config.LossPercent / 100.0
	if config.AvgBurstLossLength == -1 {
		// independent loss, burst state never changes the odds
		state.probStartBursting = probLoss
		state.probLossBursting = probLoss
	} else {
		burstLength := float64(config.AvgBurstLossLength)
		state.probLossBursting = 1.0 - 1.0/burstLength
		state.probStartBursting = probLoss / (1 - probLoss) / burstLength
	}

	n.configLock.Lock()
	n.configState = state
	n.configLock.Unlock()

	n.logger.Debugw("link config updated", "config", config)
}

func (n *SimulatedNetwork) getConfigState() configState {
	n.configLock.Lock()
	defer n.configLock.Unlock()
	return n.configState
}

func (n *SimulatedNetwork) EnqueuePacket(packet PacketInFlightInfo) bool {
	state := n.getConfigState()

	n.processLock.Lock()
	defer n.processLock.Unlock()

	if state.config.QueueLengthPackets > 0 && n.capacityQueue.Len() >= state.config.QueueLengthPackets {
		n.droppedPackets++
		return false
	}

	// Time the packet needs on the link. Computed in whole milliseconds with
	// the rounding residue carried over so long-run throughput matches the
	// configured capacity exactly.
	var capacityDelayMs int64
	if state.config.LinkCapacityKbps > 0 {
		bytesPerMillisecond := state.config.LinkCapacityKbps / 8
		capacityDelayMs = (packet.Size.Bytes() + n.capacityDelayErrorBytes + bytesPerMillisecond/2) /
			bytesPerMillisecond
		n.capacityDelayErrorBytes += packet.Size.Bytes() - capacityDelayMs*bytesPerMillisecond
	}

	// transmission starts when the link frees up, or immediately on an idle link
	networkStartTime := packet.SendTime
	if n.capacityQueue.Len() != 0 {
		if last := n.capacityQueue.Back().arrivalTime; networkStartTime.Before(last) {
			networkStartTime = last
		}
	}

	n.capacityQueue.PushBack(queuedPacket{
		packet:      packet,
		arrivalTime: networkStartTime.Add(units.TimeDeltaMillis(capacityDelayMs)),
	})
	return true
}

func (n *SimulatedNetwork) PacketsToDeliverBy(receiveTime units.Timestamp) []DelayedPacketInfo {
	state := n.getConfigState()

	n.processLock.Lock()
	defer n.processLock.Unlock()

	// move packets that cleared the capacity queue into the delay queue,
	// deciding loss and jitter as they cross
	for n.capacityQueue.Len() != 0 && !n.capacityQueue.Front().arrivalTime.After(receiveTime) {
		qp := n.capacityQueue.PopFront()

		if (n.bursting && n.rand.Float64() < state.probLossBursting) ||
			(!n.bursting && n.rand.Float64() < state.probStartBursting) {
			n.bursting = true
			n.droppedPackets++
			continue
		}
		n.bursting = false

		jitterUs := n.rand.NormFloat64()*float64(state.config.DelayStdDevMs*1000) +
			float64(state.config.QueueDelayMs*1000)
		if jitterUs < 0 {
			jitterUs = 0
		}
		qp.arrivalTime = qp.arrivalTime.Add(units.TimeDeltaMicros(int64(jitterUs)))

		if !state.config.AllowReordering {
			// hold the packet back so it never overtakes the previous one
			if n.delayQueue.Len() != 0 {
				if last := n.delayQueue.Back().arrivalTime; qp.arrivalTime.Before(last) {
					qp.arrivalTime = last
				}
			}
			n.delayQueue.PushBack(qp)
		} else {
			n.insertSortedByArrival(qp)
		}
	}

	var deliverable []DelayedPacketInfo
	for n.delayQueue.Len() != 0 && !n.delayQueue.Front().arrivalTime.After(receiveTime) {
		qp := n.delayQueue.PopFront()
		deliverable = append(deliverable, DelayedPacketInfo{
			Packet:      qp.packet,
			ReceiveTime: qp.arrivalTime,
		})
	}
	return deliverable
}

// insertSortedByArrival keeps the delay queue ordered by delivery time when
// jitter is allowed to reorder packets. Insertion scans from the back since
// jitter displaces packets by at most a few positions.
func (n *SimulatedNetwork) insertSortedByArrival(qp queuedPacket) {
	idx := n.delayQueue.Len()
	for idx > 0 && qp.arrivalTime.Before(n.delayQueue.At(idx-1).arrivalTime) {
		idx--
	}
	n.delayQueue.Insert(idx, qp)
}

func (n *SimulatedNetwork) QueueingDelay(at units.Timestamp) units.TimeDelta {
	n.processLock.Lock()
	defer n.processLock.Unlock()

	if n.capacityQueue.Len() == 0 {
		return units.TimeDeltaZero
	}
	backlog := n.capacityQueue.Back().arrivalTime.Sub(at)
	if backlog < 0 {
		return units.TimeDeltaZero
	}
	return backlog
}

func (n *SimulatedNetwork) NextDeliveryTime() units.Timestamp {
	n.processLock.Lock()
	defer n.processLock.Unlock()

	next := units.TimestampPlusInfinity
	if n.delayQueue.Len() != 0 {
		next = n.delayQueue.Front().arrivalTime
	}
	if n.capacityQueue.Len() != 0 && n.capacityQueue.Front().arrivalTime.Before(next) {
		next = n.capacityQueue.Front().arrivalTime
	}
	return next
}

// DroppedPackets reports how many packets were rejected at admission or lost
// in transit since construction.
func (n *SimulatedNetwork) DroppedPackets() uint64 {
	n.processLock.Lock()
	defer n.processLock.Unlock()
	return n.droppedPackets
}
