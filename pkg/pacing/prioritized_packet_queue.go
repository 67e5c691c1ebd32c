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
	"container/list"

	"github.com/gammazero/deque"

	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

const (
	cNumPriorityLevels = 4

	// Inactive streams are dropped from the stream map after this long.
	cStreamTimeoutMs = 500
)

// --------------------------------------------------

type queuedPacket struct {
	packet      *Packet
	enqueueTime units.Timestamp
	// pauseTimeSum snapshot at enqueue, lets dequeue subtract only the
	// pause time that accrued while this packet was queued.
	pauseTimeAtEnqueue  units.TimeDelta
	enqueueTimeIterator *list.Element
}

func (q *queuedPacket) packetSize() units.DataSize {
	return q.packet.Size()
}

// --------------------------------------------------

// streamQueue holds the queued packets of one RTP stream,
// a plain FIFO per priority level.
type streamQueue struct {
	packets         [cNumPriorityLevels]deque.Deque[queuedPacket]
	lastEnqueueTime units.Timestamp
	keyframePackets int
}

func newStreamQueue(creationTime units.Timestamp) *streamQueue {
	return &streamQueue{
		lastEnqueueTime: creationTime,
	}
}

// enqueuePacket returns true when the packet count at that priority level
// went from zero to non-zero.
func (s *streamQueue) enqueuePacket(packet queuedPacket, prioLevel int) bool {
	firstPacketAtLevel := s.packets[prioLevel].Len() == 0
	if packet.packet.MediaType == MediaTypeVideo && packet.packet.Keyframe {
		s.keyframePackets++
	}
	s.packets[prioLevel].PushBack(packet)
	return firstPacketAtLevel
}

func (s *streamQueue) dequePacket(prioLevel int) queuedPacket {
	packet := s.packets[prioLevel].PopFront()
	if packet.packet.MediaType == MediaTypeVideo && packet.packet.Keyframe {
		s.keyframePackets--
	}
	return packet
}

func (s *streamQueue) hasPacketsAtPrio(prioLevel int) bool {
	return s.packets[prioLevel].Len() > 0
}

func (s *streamQueue) isEmpty() bool {
	for prioLevel := 0; prioLevel < cNumPriorityLevels; prioLevel++ {
		if s.packets[prioLevel].Len() > 0 {
			return false
		}
	}
	return true
}

func (s *streamQueue) leadingPacketEnqueueTime(prioLevel int) units.Timestamp {
	return s.packets[prioLevel].Front().enqueueTime
}

func (s *streamQueue) hasKeyframePackets() bool {
	return s.keyframePackets > 0
}

// --------------------------------------------------

// PrioritizedPacketQueue orders packets by media type priority
// (audio > retransmission > video/FEC > padding) and, within a priority
// level, round-robins across the streams that have packets pending there
// so no stream starves. Queue time is tracked per packet with any time
// spent in a paused state excluded.
type PrioritizedPacketQueue struct {
	queueTimeSum units.TimeDelta
	pauseTimeSum units.TimeDelta

	sizePackets             int
	sizePacketsPerMediaType [NumMediaTypes]int
	sizePayload             units.DataSize

	lastUpdateTime  units.Timestamp
	paused          bool
	lastCullingTime units.Timestamp

	streams map[uint32]*streamQueue

	// Per priority level, the streams with at least one packet pending
	// at that level, in round-robin service order.
	streamsByPrio [cNumPriorityLevels]deque.Deque[*streamQueue]

	// First index into streamsByPrio that is non-empty, -1 when the
	// queue holds no packets.
	topActivePrioLevel int

	// Enqueue times in push order. Queued packets hold an element
	// reference for O(1) removal on out-of-order deletes.
	enqueueTimes *list.List
}

func NewPrioritizedPacketQueue(creationTime units.Timestamp) *PrioritizedPacketQueue {
	return &PrioritizedPacketQueue{
		streams:            make(map[uint32]*streamQueue),
		lastUpdateTime:     creationTime,
		lastCullingTime:    creationTime,
		topActivePrioLevel: -1,
		enqueueTimes:       list.New(),
	}
}

func (q *PrioritizedPacketQueue) Push(enqueueTime units.Timestamp, packet *Packet) {
	stream, ok := q.streams[packet.Ssrc()]
	if !ok {
		stream = newStreamQueue(enqueueTime)
		q.streams[packet.Ssrc()] = stream
	}

	q.UpdateAverageQueueTime(enqueueTime)

	prioLevel := packet.MediaType.priorityLevel()
	queued := queuedPacket{
		packet:              packet,
		enqueueTime:         enqueueTime,
		pauseTimeAtEnqueue:  q.pauseTimeSum,
		enqueueTimeIterator: q.enqueueTimes.PushBack(enqueueTime),
	}

	q.sizePackets++
	q.sizePacketsPerMediaType[packet.MediaType]++
	q.sizePayload = q.sizePayload.Add(packet.Size())

	if stream.enqueuePacket(queued, prioLevel) {
		q.streamsByPrio[prioLevel].PushBack(stream)
	}
	if q.topActivePrioLevel < 0 || prioLevel < q.topActivePrioLevel {
		q.topActivePrioLevel = prioLevel
	}
	stream.lastEnqueueTime = enqueueTime

	streamTimeout := units.TimeDeltaMillis(cStreamTimeoutMs)
	if enqueueTime.Sub(q.lastCullingTime) > streamTimeout {
		for ssrc, s := range q.streams {
			if s.isEmpty() && s.lastEnqueueTime.Add(streamTimeout).Before(enqueueTime) {
				delete(q.streams, ssrc)
			}
		}
		q.lastCullingTime = enqueueTime
	}
}

// Pop removes the next packet. Returns nil when the queue is empty.
func (q *PrioritizedPacketQueue) Pop() *Packet {
	if q.sizePackets == 0 {
		return nil
	}

	stream := q.streamsByPrio[q.topActivePrioLevel].Front()
	queued := stream.dequePacket(q.topActivePrioLevel)
	q.onRemovedPacket(queued)

	// Rotate the stream to the back of the round-robin order for this
	// priority level, dropping it if it has no more packets there.
	q.streamsByPrio[q.topActivePrioLevel].PopFront()
	if stream.hasPacketsAtPrio(q.topActivePrioLevel) {
		q.streamsByPrio[q.topActivePrioLevel].PushBack(stream)
	}
	q.refreshTopActivePrioLevel()

	return queued.packet
}

func (q *PrioritizedPacketQueue) SizeInPackets() int {
	return q.sizePackets
}

// SizeInPayloadBytes is the sum of payload plus padding over all queued
// packets.
func (q *PrioritizedPacketQueue) SizeInPayloadBytes() units.DataSize {
	return q.sizePayload
}

func (q *PrioritizedPacketQueue) Empty() bool {
	return q.sizePackets == 0
}

func (q *PrioritizedPacketQueue) SizeInPacketsPerMediaType() [NumMediaTypes]int {
	return q.sizePacketsPerMediaType
}

// LeadingPacketEnqueueTime is the enqueue time of the next packet the
// queue will return for the given media type, MinusInfinity when no such
// packet is queued.
func (q *PrioritizedPacketQueue) LeadingPacketEnqueueTime(mediaType MediaType) units.Timestamp {
	prioLevel := mediaType.priorityLevel()
	if q.streamsByPrio[prioLevel].Len() == 0 {
		return units.TimestampMinusInfinity
	}
	return q.streamsByPrio[prioLevel].Front().leadingPacketEnqueueTime(prioLevel)
}

// OldestEnqueueTime is the enqueue time of the oldest packet in the
// queue, MinusInfinity when empty.
func (q *PrioritizedPacketQueue) OldestEnqueueTime() units.Timestamp {
	front := q.enqueueTimes.Front()
	if front == nil {
		return units.TimestampMinusInfinity
	}
	return front.Value.(units.Timestamp)
}

// AverageQueueTime is the mean non-paused queue time of the packets
// currently in the queue, relative to the last UpdateAverageQueueTime
// call. Zero for an empty queue.
func (q *PrioritizedPacketQueue) AverageQueueTime() units.TimeDelta {
	if q.sizePackets == 0 {
		return units.TimeDeltaZero
	}
	return units.TimeDeltaMicros(q.queueTimeSum.Micros() / int64(q.sizePackets))
}

// UpdateAverageQueueTime advances the queue time accounting to now.
// Time based queries only reflect reality after this has been called.
func (q *PrioritizedPacketQueue) UpdateAverageQueueTime(now units.Timestamp) {
	if !now.After(q.lastUpdateTime) {
		return
	}

	delta := now.Sub(q.lastUpdateTime)
	if q.paused {
		q.pauseTimeSum = q.pauseTimeSum.Add(delta)
	} else {
		q.queueTimeSum = q.queueTimeSum.Add(delta.Mul(float64(q.sizePackets)))
	}
	q.lastUpdateTime = now
}

// SetPauseState pauses or resumes queue time accounting, time spent
// paused is not counted against queued packets.
func (q *PrioritizedPacketQueue) SetPauseState(paused bool, now units.Timestamp) {
	q.UpdateAverageQueueTime(now)
	q.paused = paused
}

// HasKeyframePackets reports whether the stream has original video
// packets with keyframe data queued, retransmissions not counted.
func (q *PrioritizedPacketQueue) HasKeyframePackets(ssrc uint32) bool {
	if stream, ok := q.streams[ssrc]; ok {
		return stream.hasKeyframePackets()
	}
	return false
}

// FlushVideoStream removes all pending media for mediaSsrc and all
// pending retransmissions for rtxSsrc, a zero rtxSsrc means the stream
// has no retransmission stream.
func (q *PrioritizedPacketQueue) FlushVideoStream(mediaSsrc uint32, rtxSsrc uint32) {
	q.flushStream(mediaSsrc, MediaTypeVideo.priorityLevel())
	if rtxSsrc != 0 {
		q.flushStream(rtxSsrc, MediaTypeRetransmission.priorityLevel())
	}
}

func (q *PrioritizedPacketQueue) flushStream(ssrc uint32, prioLevel int) {
	stream, ok := q.streams[ssrc]
	if !ok || !stream.hasPacketsAtPrio(prioLevel) {
		return
	}

	for stream.hasPacketsAtPrio(prioLevel) {
		q.onRemovedPacket(stream.dequePacket(prioLevel))
	}

	if idx := q.streamsByPrio[prioLevel].Index(func(s *streamQueue) bool { return s == stream }); idx >= 0 {
		q.streamsByPrio[prioLevel].Remove(idx)
	}
	q.refreshTopActivePrioLevel()
}

// onRemovedPacket takes the packet out of every aggregate it is counted
// in, the caller handles the per-stream FIFO.
func (q *PrioritizedPacketQueue) onRemovedPacket(queued queuedPacket) {
	q.sizePackets--
	q.sizePacketsPerMediaType[queued.packet.MediaType]--
	q.sizePayload = q.sizePayload.Sub(queued.packetSize())

	pausedWhileQueued := q.pauseTimeSum.Sub(queued.pauseTimeAtEnqueue)
	timeInNonPausedState := q.lastUpdateTime.Sub(queued.enqueueTime).Sub(pausedWhileQueued)
	q.queueTimeSum = q.queueTimeSum.Sub(timeInNonPausedState)

	q.enqueueTimes.Remove(queued.enqueueTimeIterator)
}

func (q *PrioritizedPacketQueue) refreshTopActivePrioLevel() {
	if q.sizePackets == 0 {
		q.topActivePrioLevel = -1
		return
	}
	for q.streamsByPrio[q.topActivePrioLevel].Len() == 0 {
		q.topActivePrioLevel++
	}
}

// --------------------------------------------------
