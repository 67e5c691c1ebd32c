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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/netem/pkg/units"
)

type collectingNetworkReceiver struct {
	payloads    [][]byte
	receiverIDs []uint64
	arrivals    []units.Timestamp
}

func (r *collectingNetworkReceiver) TryDeliverPacket(payload []byte, receiverID uint64, at units.Timestamp) bool {
	r.payloads = append(r.payloads, payload)
	r.receiverIDs = append(r.receiverIDs, receiverID)
	r.arrivals = append(r.arrivals, at)
	return true
}

func TestNodeRouteChain(t *testing.T) {
	first := NewNetworkNode(NetworkNodeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueDelayMs:       10,
				AvgBurstLossLength: -1,
			},
		}),
	})
	second := NewNetworkNode(NetworkNodeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueDelayMs:       15,
				AvgBurstLossLength: -1,
			},
		}),
	})
	receiver := &collectingNetworkReceiver{}
	Route(7, []*NetworkNode{first, second}, receiver)

	payload := []byte{0x80, 0x60, 0x00, 0x01}
	require.True(t, first.TryDeliverPacket(payload, 7, units.TimestampMillis(0)))

	first.Process(units.TimestampMillis(0))
	first.Process(units.TimestampMillis(10))
	second.Process(units.TimestampMillis(10))
	require.Empty(t, receiver.payloads)

	second.Process(units.TimestampMillis(25))
	require.Len(t, receiver.payloads, 1)
	require.Equal(t, payload, receiver.payloads[0])
	require.Equal(t, uint64(7), receiver.receiverIDs[0])
	require.Equal(t, units.TimestampMillis(25), receiver.arrivals[0])
}

func TestNodeNoRoute(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewPassthroughBehavior(),
	})
	require.False(t, node.TryDeliverPacket([]byte{0x80}, 3, units.TimestampMillis(0)))
}

func TestNodeReservedReceiverID(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewPassthroughBehavior(),
	})
	require.Panics(t, func() {
		node.TryDeliverPacket([]byte{0x80}, 0, units.TimestampMillis(0))
	})
}

func TestNodeClearRoute(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewPassthroughBehavior(),
	})
	receiver := &collectingNetworkReceiver{}
	nodes := []*NetworkNode{node}
	Route(4, nodes, receiver)
	require.True(t, node.TryDeliverPacket([]byte{0x80}, 4, units.TimestampMillis(0)))

	ClearRoute(4, nodes)
	require.False(t, node.TryDeliverPacket([]byte{0x80}, 4, units.TimestampMillis(1)))
}

func TestNodePacketOverhead(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				LinkCapacityKbps:   80,
				AvgBurstLossLength: -1,
			},
		}),
		PacketOverhead: units.DataSizeBytes(500),
	})
	receiver := &collectingNetworkReceiver{}
	node.SetRoute(2, receiver)

	// 500 payload + 500 overhead bytes take 100 ms at 80 kbps
	require.True(t, node.TryDeliverPacket(make([]byte, 500), 2, units.TimestampMillis(0)))
	node.Process(units.TimestampMillis(99))
	require.Empty(t, receiver.payloads)
	node.Process(units.TimestampMillis(100))
	require.Len(t, receiver.payloads, 1)
	require.Len(t, receiver.payloads[0], 500)
}

func TestNodeStats(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueLengthPackets: 2,
				LinkCapacityKbps:   800,
				AvgBurstLossLength: -1,
			},
		}),
	})
	receiver := &collectingNetworkReceiver{}
	node.SetRoute(9, receiver)

	require.True(t, node.TryDeliverPacket(make([]byte, 1000), 9, units.TimestampMillis(0)))
	require.True(t, node.TryDeliverPacket(make([]byte, 1000), 9, units.TimestampMillis(0)))
	require.False(t, node.TryDeliverPacket(make([]byte, 1000), 9, units.TimestampMillis(0)))

	node.Process(units.TimestampSeconds(1))

	stats := node.Stats()
	require.Equal(t, uint64(2), stats.PacketsSent)
	require.Equal(t, units.DataSizeBytes(2000), stats.BytesSent)
	require.Equal(t, uint64(1), stats.PacketsDropped)
	require.Equal(t, uint64(2), stats.PacketsDelivered)
	require.Equal(t, units.TimestampMillis(0), stats.FirstPacketSentTime)
	require.True(t, stats.LastPacketReceivedTime.After(stats.FirstPacketReceivedTime))
	require.Greater(t, stats.AverageDeliveryRate().BitsPerSec(), int64(0))
}

func TestRandomWalkCrossTraffic(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewPassthroughBehavior(),
	})
	traffic := NewRandomWalkCrossTraffic(DefaultRandomWalkConfig(), NewTrafficRoute(node, 42))

	for ms := int64(0); ms <= 30000; ms++ {
		now := units.TimestampMillis(ms)
		traffic.Process(now)
		node.Process(now)

		rate := traffic.TrafficRate()
		require.GreaterOrEqual(t, rate.BitsPerSec(), int64(0))
		require.LessOrEqual(t, rate.Kbps(), int64(100))
	}

	stats := node.Stats()
	require.Greater(t, stats.PacketsSent, uint64(0))
	// intensity is clamped to the peak, so so is the long-run volume
	require.LessOrEqual(t, stats.BytesSent.Bytes(), int64(100_000/8*31))
}

func TestPulsedPeaksCrossTraffic(t *testing.T) {
	node := NewNetworkNode(NetworkNodeParams{
		Behavior: NewPassthroughBehavior(),
	})
	traffic := NewPulsedPeaksCrossTraffic(DefaultPulsedPeaksConfig(), NewTrafficRoute(node, 43))

	sawSilence := false
	for ms := int64(0); ms <= 4000; ms++ {
		traffic.Process(units.TimestampMillis(ms))
		if traffic.TrafficRate().IsZero() {
			sawSilence = true
		}
	}

	// two 100 ms bursts at 2 Mbps with 1200 byte packets spaced 4.8 ms apart
	stats := node.Stats()
	require.True(t, sawSilence)
	require.Greater(t, stats.PacketsSent, uint64(30))
	require.Less(t, stats.PacketsSent, uint64(50))
	require.Equal(t, units.DataSizeBytes(1200*int64(stats.PacketsSent)), stats.BytesSent)
}
