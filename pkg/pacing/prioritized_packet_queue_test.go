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

package pacing

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/netem/pkg/units"
)

func newQueuePacket(mediaType MediaType, ssrc uint32, sequenceNumber uint16, payloadBytes int) *Packet {
	return &Packet{
		Header: &rtp.Header{
			SSRC:           ssrc,
			SequenceNumber: sequenceNumber,
		},
		Payload:   make([]byte, payloadBytes),
		MediaType: mediaType,
	}
}

func TestPrioritizedPacketQueuePriorityOrder(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	now := units.TimestampMillis(10)
	q.Push(now, newQueuePacket(MediaTypePadding, 4, 1, 100))
	q.Push(now, newQueuePacket(MediaTypeVideo, 3, 1, 100))
	q.Push(now, newQueuePacket(MediaTypeRetransmission, 2, 1, 100))
	q.Push(now, newQueuePacket(MediaTypeAudio, 1, 1, 100))

	require.Equal(t, MediaTypeAudio, q.Pop().MediaType)
	require.Equal(t, MediaTypeRetransmission, q.Pop().MediaType)
	require.Equal(t, MediaTypeVideo, q.Pop().MediaType)
	require.Equal(t, MediaTypePadding, q.Pop().MediaType)
	require.Nil(t, q.Pop())
}

func TestPrioritizedPacketQueueRoundRobinFairness(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	now := units.TimestampMillis(0)
	for i := 0; i < 100; i++ {
		q.Push(now, newQueuePacket(MediaTypeVideo, 100, uint16(i), 1000))
	}
	for i := 0; i < 100; i++ {
		q.Push(now, newQueuePacket(MediaTypeVideo, 200, uint16(i), 1000))
	}

	counts := map[uint32]int{}
	lastSeq := map[uint32]int{100: -1, 200: -1}
	for popped := 0; popped < 200; popped++ {
		packet := q.Pop()
		require.NotNil(t, packet)

		counts[packet.Ssrc()]++
		diff := counts[100] - counts[200]
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqual(t, diff, 1, "stream service counts diverged at pop %d", popped)

		// FIFO within a stream
		require.Greater(t, int(packet.SequenceNumber()), lastSeq[packet.Ssrc()])
		lastSeq[packet.Ssrc()] = int(packet.SequenceNumber())
	}
	require.Equal(t, 100, counts[100])
	require.Equal(t, 100, counts[200])
	require.True(t, q.Empty())
}

func TestPrioritizedPacketQueueCounters(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))
	require.True(t, q.Empty())

	now := units.TimestampMillis(10)
	q.Push(now, newQueuePacket(MediaTypeAudio, 1, 1, 120))
	q.Push(now, newQueuePacket(MediaTypeVideo, 2, 1, 1000))
	q.Push(now, newQueuePacket(MediaTypeForwardErrorCorrection, 2, 2, 300))

	require.False(t, q.Empty())
	require.Equal(t, 3, q.SizeInPackets())
	require.Equal(t, int64(1420), q.SizeInPayloadBytes().Bytes())

	perType := q.SizeInPacketsPerMediaType()
	require.Equal(t, 1, perType[MediaTypeAudio])
	require.Equal(t, 1, perType[MediaTypeVideo])
	require.Equal(t, 1, perType[MediaTypeForwardErrorCorrection])
	require.Equal(t, 0, perType[MediaTypeRetransmission])

	require.Equal(t, MediaTypeAudio, q.Pop().MediaType)
	require.Equal(t, 2, q.SizeInPackets())
	require.Equal(t, int64(1300), q.SizeInPayloadBytes().Bytes())

	// video and FEC share a priority level and stream, drained in FIFO order
	require.Equal(t, MediaTypeVideo, q.Pop().MediaType)
	require.Equal(t, MediaTypeForwardErrorCorrection, q.Pop().MediaType)
	require.True(t, q.Empty())
	require.True(t, q.SizeInPayloadBytes().IsZero())
}

func TestPrioritizedPacketQueueEnqueueTimes(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))
	require.True(t, q.OldestEnqueueTime().IsMinusInfinity())
	require.True(t, q.LeadingPacketEnqueueTime(MediaTypeVideo).IsMinusInfinity())

	q.Push(units.TimestampMillis(100), newQueuePacket(MediaTypeVideo, 1, 1, 100))
	q.Push(units.TimestampMillis(200), newQueuePacket(MediaTypeVideo, 1, 2, 100))
	q.Push(units.TimestampMillis(300), newQueuePacket(MediaTypeAudio, 2, 1, 100))

	require.Equal(t, units.TimestampMillis(100), q.OldestEnqueueTime())
	require.Equal(t, units.TimestampMillis(100), q.LeadingPacketEnqueueTime(MediaTypeVideo))
	require.Equal(t, units.TimestampMillis(300), q.LeadingPacketEnqueueTime(MediaTypeAudio))

	q.Pop() // audio
	require.Equal(t, units.TimestampMillis(100), q.OldestEnqueueTime())
	require.True(t, q.LeadingPacketEnqueueTime(MediaTypeAudio).IsMinusInfinity())

	q.Pop() // video at 100
	require.Equal(t, units.TimestampMillis(200), q.OldestEnqueueTime())
	require.Equal(t, units.TimestampMillis(200), q.LeadingPacketEnqueueTime(MediaTypeVideo))

	q.Pop()
	require.True(t, q.OldestEnqueueTime().IsMinusInfinity())
}

func TestPrioritizedPacketQueueAverageQueueTime(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))
	require.Equal(t, units.TimeDeltaZero, q.AverageQueueTime())

	q.Push(units.TimestampMillis(0), newQueuePacket(MediaTypeVideo, 1, 1, 100))
	q.UpdateAverageQueueTime(units.TimestampMillis(100))
	require.Equal(t, units.TimeDeltaMillis(100), q.AverageQueueTime())

	q.Push(units.TimestampMillis(100), newQueuePacket(MediaTypeVideo, 1, 2, 100))
	q.UpdateAverageQueueTime(units.TimestampMillis(200))
	// first packet has been queued 200ms, second 100ms
	require.Equal(t, units.TimeDeltaMillis(150), q.AverageQueueTime())

	q.Pop() // removes the 200ms packet
	require.Equal(t, units.TimeDeltaMillis(100), q.AverageQueueTime())
}

func TestPrioritizedPacketQueuePauseTimeExcluded(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	q.Push(units.TimestampMillis(0), newQueuePacket(MediaTypeVideo, 1, 1, 100))
	q.SetPauseState(true, units.TimestampMillis(100))
	q.Push(units.TimestampMillis(150), newQueuePacket(MediaTypeVideo, 1, 2, 100))
	q.SetPauseState(false, units.TimestampMillis(300))
	q.UpdateAverageQueueTime(units.TimestampMillis(400))

	// first packet: 100ms before the pause plus 100ms after, second
	// packet: only the 100ms after the pause ended
	require.Equal(t, units.TimeDeltaMillis(150), q.AverageQueueTime())

	first := q.Pop()
	require.EqualValues(t, 1, first.SequenceNumber())
	require.Equal(t, units.TimeDeltaMillis(100), q.AverageQueueTime())
}

func TestPrioritizedPacketQueueFlushVideoStream(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	keyframe := newQueuePacket(MediaTypeVideo, 1, 1, 1000)
	keyframe.Keyframe = true
	q.Push(units.TimestampMillis(10), keyframe)
	q.Push(units.TimestampMillis(10), newQueuePacket(MediaTypeVideo, 1, 2, 1000))
	q.Push(units.TimestampMillis(10), newQueuePacket(MediaTypeForwardErrorCorrection, 1, 3, 400))
	q.Push(units.TimestampMillis(11), newQueuePacket(MediaTypeRetransmission, 2, 1, 500))
	q.Push(units.TimestampMillis(12), newQueuePacket(MediaTypeAudio, 3, 1, 120))
	q.Push(units.TimestampMillis(13), newQueuePacket(MediaTypeVideo, 4, 1, 800))

	require.True(t, q.HasKeyframePackets(1))
	require.False(t, q.HasKeyframePackets(4))

	q.FlushVideoStream(1, 2)

	require.False(t, q.HasKeyframePackets(1))
	require.Equal(t, 2, q.SizeInPackets())
	require.Equal(t, int64(920), q.SizeInPayloadBytes().Bytes())
	require.Equal(t, units.TimestampMillis(12), q.OldestEnqueueTime())

	perType := q.SizeInPacketsPerMediaType()
	require.Equal(t, 0, perType[MediaTypeRetransmission])
	require.Equal(t, 0, perType[MediaTypeForwardErrorCorrection])
	require.Equal(t, 1, perType[MediaTypeVideo])

	require.Equal(t, MediaTypeAudio, q.Pop().MediaType)
	survivor := q.Pop()
	require.Equal(t, MediaTypeVideo, survivor.MediaType)
	require.EqualValues(t, 4, survivor.Ssrc())
	require.True(t, q.Empty())
}

func TestPrioritizedPacketQueueKeyframeTracking(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	rtxKeyframe := newQueuePacket(MediaTypeRetransmission, 1, 1, 500)
	rtxKeyframe.Keyframe = true
	q.Push(units.TimestampMillis(10), rtxKeyframe)
	// retransmitted keyframe data does not count
	require.False(t, q.HasKeyframePackets(1))

	keyframe := newQueuePacket(MediaTypeVideo, 1, 2, 1000)
	keyframe.Keyframe = true
	q.Push(units.TimestampMillis(10), keyframe)
	require.True(t, q.HasKeyframePackets(1))

	q.Pop() // rtx
	require.True(t, q.HasKeyframePackets(1))
	q.Pop() // keyframe
	require.False(t, q.HasKeyframePackets(1))
}

func TestPrioritizedPacketQueueCullsInactiveStreams(t *testing.T) {
	q := NewPrioritizedPacketQueue(units.TimestampMillis(0))

	q.Push(units.TimestampMillis(0), newQueuePacket(MediaTypeVideo, 1, 1, 100))
	q.Pop()
	q.Push(units.TimestampMillis(501), newQueuePacket(MediaTypeVideo, 2, 1, 100))

	require.Len(t, q.streams, 1)
	_, ok := q.streams[uint32(2)]
	require.True(t, ok)
}
