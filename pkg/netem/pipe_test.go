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

type collectingReceiver struct {
	packets  []NetworkPacket
	arrivals []units.Timestamp
}

func (r *collectingReceiver) DeliverPacket(packet NetworkPacket, arrival units.Timestamp) {
	r.packets = append(r.packets, packet)
	r.arrivals = append(r.arrivals, arrival)
}

func TestPipeDeliversThroughBehavior(t *testing.T) {
	receiver := &collectingReceiver{}
	pipe := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueDelayMs:       50,
				AvgBurstLossLength: -1,
			},
		}),
		Receiver: receiver,
	})

	payload := []byte{0x80, 0x01, 0x02, 0x03}
	require.True(t, pipe.SendRtp(payload, units.TimestampMillis(0)))

	// delay is only applied as the packet crosses the capacity stage, so the
	// first Process call surfaces the real delivery time
	pipe.Process(units.TimestampMillis(0))
	require.Empty(t, receiver.packets)
	require.Equal(t, units.TimeDeltaMillis(50), pipe.TimeUntilNextProcess(units.TimestampMillis(0)))

	pipe.Process(units.TimestampMillis(50))
	require.Len(t, receiver.packets, 1)
	require.Equal(t, payload, receiver.packets[0].Payload)
	require.False(t, receiver.packets[0].IsRtcp)
	require.Equal(t, units.TimestampMillis(50), receiver.arrivals[0])

	require.True(t, pipe.TimeUntilNextProcess(units.TimestampMillis(50)).IsPlusInfinity())
}

func TestPipeMarksRtcp(t *testing.T) {
	receiver := &collectingReceiver{}
	pipe := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewPassthroughBehavior(),
		Receiver: receiver,
	})

	require.True(t, pipe.SendRtcp([]byte{0x81, 0xc9}, units.TimestampMillis(10)))
	pipe.Process(units.TimestampMillis(10))

	require.Len(t, receiver.packets, 1)
	require.True(t, receiver.packets[0].IsRtcp)
}

func TestPipeNilReceiverDiscards(t *testing.T) {
	receiver := &collectingReceiver{}
	pipe := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewPassthroughBehavior(),
		Receiver: receiver,
	})
	pipe.SetReceiver(nil)

	require.True(t, pipe.SendRtp([]byte{0x80}, units.TimestampMillis(0)))
	pipe.Process(units.TimestampMillis(0))

	// delivery happened into the void; reinstalling a receiver must not
	// resurrect the packet
	pipe.SetReceiver(receiver)
	pipe.Process(units.TimestampMillis(100))
	require.Empty(t, receiver.packets)
}

func TestPipeChaining(t *testing.T) {
	receiver := &collectingReceiver{}
	second := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueDelayMs:       20,
				AvgBurstLossLength: -1,
			},
		}),
		Receiver: receiver,
	})
	first := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				QueueDelayMs:       30,
				AvgBurstLossLength: -1,
			},
		}),
		Receiver: second,
	})

	require.True(t, first.SendRtp([]byte{0x80, 0x60}, units.TimestampMillis(0)))

	// delays across chained pipes accumulate
	first.Process(units.TimestampMillis(0))
	first.Process(units.TimestampMillis(30))
	second.Process(units.TimestampMillis(30))
	require.Empty(t, receiver.packets)

	second.Process(units.TimestampMillis(50))
	require.Len(t, receiver.packets, 1)
	require.Equal(t, units.TimestampMillis(50), receiver.arrivals[0])
}

func TestPipeLostPacketLeavesNoTrace(t *testing.T) {
	receiver := &collectingReceiver{}
	pipe := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				LossPercent:        100,
				AvgBurstLossLength: -1,
			},
		}),
		Receiver: receiver,
	})

	require.True(t, pipe.SendRtp([]byte{0x80}, units.TimestampMillis(0)))
	pipe.Process(units.TimestampSeconds(1))
	require.Empty(t, receiver.packets)
}

func TestPipeTimeUntilNextProcess(t *testing.T) {
	pipe := NewFakeNetworkPipe(FakeNetworkPipeParams{
		Behavior: NewSimulatedNetwork(SimulatedNetworkParams{
			Config: Config{
				LinkCapacityKbps:   80,
				AvgBurstLossLength: -1,
			},
		}),
		Receiver: &collectingReceiver{},
	})

	require.True(t, pipe.TimeUntilNextProcess(units.TimestampMillis(0)).IsPlusInfinity())

	pipe.SendRtp(make([]byte, 1000), units.TimestampMillis(0))
	require.Equal(t, units.TimeDeltaMillis(100), pipe.TimeUntilNextProcess(units.TimestampMillis(0)))
	// a due packet means process right now, never a negative wait
	require.Equal(t, units.TimeDeltaZero, pipe.TimeUntilNextProcess(units.TimestampMillis(200)))
}
