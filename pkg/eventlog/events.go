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

package eventlog

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/livekit/netem/pkg/units"
)

// EventType tags each record in the encoded stream.
type EventType uint32

const (
	EventTypeLogStart EventType = iota + 1
	EventTypeLogStop
	EventTypeTargetRateUpdate
	EventTypeProbeResult
	EventTypePacketSent
	EventTypeFeedback
	EventTypeNetworkEstimate
	EventTypeLinkConfig
)

func (t EventType) String() string {
	switch t {
	case EventTypeLogStart:
		return "LOG_START"
	case EventTypeLogStop:
		return "LOG_STOP"
	case EventTypeTargetRateUpdate:
		return "TARGET_RATE_UPDATE"
	case EventTypeProbeResult:
		return "PROBE_RESULT"
	case EventTypePacketSent:
		return "PACKET_SENT"
	case EventTypeFeedback:
		return "FEEDBACK"
	case EventTypeNetworkEstimate:
		return "NETWORK_ESTIMATE"
	case EventTypeLinkConfig:
		return "LINK_CONFIG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// --------------------------------------------------

// Event is a single entry in the log. Config-class events describe slowly
// changing state (stream and link configuration) and are retained across
// flushes so every output attached later still starts with them.
type Event interface {
	Type() EventType
	Timestamp() units.Timestamp
	IsConfigEvent() bool

	// appendPayload appends the event's fields as protowire tag/value pairs.
	// Field 1 is always the timestamp in microseconds.
	appendPayload(buf []byte) []byte
}

// appendEvent frames a single event as a length-delimited record whose tag
// number is the event type.
func appendEvent(buf []byte, ev Event) []byte {
	buf = protowire.AppendTag(buf, protowire.Number(ev.Type()), protowire.BytesType)
	return protowire.AppendBytes(buf, ev.appendPayload(nil))
}

type baseEvent struct {
	at units.Timestamp
}

func (b baseEvent) Timestamp() units.Timestamp { return b.at }

func (b baseEvent) IsConfigEvent() bool { return false }

func (b baseEvent) appendTimestamp(buf []byte) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(b.at.Micros()))
}

func appendVarintField(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// --------------------------------------------------

// LogStartEvent is written by the log itself when an output is attached.
type LogStartEvent struct {
	baseEvent
}

func NewLogStartEvent(at units.Timestamp) *LogStartEvent {
	return &LogStartEvent{baseEvent{at}}
}

func (e *LogStartEvent) Type() EventType { return EventTypeLogStart }

func (e *LogStartEvent) appendPayload(buf []byte) []byte {
	return e.appendTimestamp(buf)
}

// --------------------------------------------------

// LogStopEvent is written by the log itself just before an output is
// detached.
type LogStopEvent struct {
	baseEvent
}

func NewLogStopEvent(at units.Timestamp) *LogStopEvent {
	return &LogStopEvent{baseEvent{at}}
}

func (e *LogStopEvent) Type() EventType { return EventTypeLogStop }

func (e *LogStopEvent) appendPayload(buf []byte) []byte {
	return e.appendTimestamp(buf)
}

// --------------------------------------------------

// TargetRateUpdateEvent records a congestion controller rate decision.
type TargetRateUpdateEvent struct {
	baseEvent
	TargetRate units.DataRate
}

func NewTargetRateUpdateEvent(at units.Timestamp, targetRate units.DataRate) *TargetRateUpdateEvent {
	return &TargetRateUpdateEvent{baseEvent{at}, targetRate}
}

func (e *TargetRateUpdateEvent) Type() EventType { return EventTypeTargetRateUpdate }

func (e *TargetRateUpdateEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	return appendVarintField(buf, 2, uint64(e.TargetRate.BitsPerSec()))
}

// --------------------------------------------------

// ProbeResultEvent records the outcome of a bandwidth probe cluster.
type ProbeResultEvent struct {
	baseEvent
	ProbeClusterID int
	Success        bool
	MeasuredRate   units.DataRate
}

func NewProbeResultSuccessEvent(at units.Timestamp, probeClusterID int, measuredRate units.DataRate) *ProbeResultEvent {
	return &ProbeResultEvent{baseEvent{at}, probeClusterID, true, measuredRate}
}

func NewProbeResultFailureEvent(at units.Timestamp, probeClusterID int) *ProbeResultEvent {
	return &ProbeResultEvent{baseEvent{at}, probeClusterID, false, units.DataRateZero}
}

func (e *ProbeResultEvent) Type() EventType { return EventTypeProbeResult }

func (e *ProbeResultEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	buf = appendVarintField(buf, 2, uint64(e.ProbeClusterID))
	if e.Success {
		buf = appendVarintField(buf, 3, 1)
		buf = appendVarintField(buf, 4, uint64(e.MeasuredRate.BitsPerSec()))
	} else {
		buf = appendVarintField(buf, 3, 0)
	}
	return buf
}

// --------------------------------------------------

// PacketSentEvent records one packet leaving the pacer.
type PacketSentEvent struct {
	baseEvent
	SequenceNumber int64
	Size           units.DataSize
	Padding        bool
}

func NewPacketSentEvent(at units.Timestamp, sequenceNumber int64, size units.DataSize, padding bool) *PacketSentEvent {
	return &PacketSentEvent{baseEvent{at}, sequenceNumber, size, padding}
}

func (e *PacketSentEvent) Type() EventType { return EventTypePacketSent }

func (e *PacketSentEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	buf = appendVarintField(buf, 2, uint64(e.SequenceNumber))
	buf = appendVarintField(buf, 3, uint64(e.Size.Bytes()))
	if e.Padding {
		buf = appendVarintField(buf, 4, 1)
	}
	return buf
}

// --------------------------------------------------

// FeedbackEvent summarizes one transport-wide feedback report.
type FeedbackEvent struct {
	baseEvent
	PacketCount   int
	ReceivedCount int
}

func NewFeedbackEvent(at units.Timestamp, packetCount int, receivedCount int) *FeedbackEvent {
	return &FeedbackEvent{baseEvent{at}, packetCount, receivedCount}
}

func (e *FeedbackEvent) Type() EventType { return EventTypeFeedback }

func (e *FeedbackEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	buf = appendVarintField(buf, 2, uint64(e.PacketCount))
	return appendVarintField(buf, 3, uint64(e.ReceivedCount))
}

// --------------------------------------------------

// NetworkEstimateEvent records the controller's view of the path.
type NetworkEstimateEvent struct {
	baseEvent
	Bandwidth     units.DataRate
	RoundTripTime units.TimeDelta
	LossRate      float64
}

func NewNetworkEstimateEvent(at units.Timestamp, bandwidth units.DataRate, roundTripTime units.TimeDelta, lossRate float64) *NetworkEstimateEvent {
	return &NetworkEstimateEvent{baseEvent{at}, bandwidth, roundTripTime, lossRate}
}

func (e *NetworkEstimateEvent) Type() EventType { return EventTypeNetworkEstimate }

func (e *NetworkEstimateEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	buf = appendVarintField(buf, 2, uint64(e.Bandwidth.BitsPerSec()))
	buf = appendVarintField(buf, 3, uint64(e.RoundTripTime.Micros()))
	return appendVarintField(buf, 4, uint64(e.LossRate*1e6))
}

// --------------------------------------------------

// LinkConfigEvent captures the emulated link parameters in effect. It is a
// config-class event, so it is replayed into every output regardless of when
// logging starts.
type LinkConfigEvent struct {
	baseEvent
	Capacity    units.DataRate
	Delay       units.TimeDelta
	LossRate    float64
	QueueLength int
}

func NewLinkConfigEvent(at units.Timestamp, capacity units.DataRate, delay units.TimeDelta, lossRate float64, queueLength int) *LinkConfigEvent {
	return &LinkConfigEvent{baseEvent{at}, capacity, delay, lossRate, queueLength}
}

func (e *LinkConfigEvent) Type() EventType { return EventTypeLinkConfig }

func (e *LinkConfigEvent) IsConfigEvent() bool { return true }

func (e *LinkConfigEvent) appendPayload(buf []byte) []byte {
	buf = e.appendTimestamp(buf)
	buf = appendVarintField(buf, 2, uint64(e.Capacity.BitsPerSec()))
	buf = appendVarintField(buf, 3, uint64(e.Delay.Micros()))
	buf = appendVarintField(buf, 4, uint64(e.LossRate*1e6))
	return appendVarintField(buf, 5, uint64(e.QueueLength))
}

// --------------------------------------------------

// RawEvent is one framed record recovered from an encoded stream.
type RawEvent struct {
	Type    EventType
	Payload []byte
}

// TimestampMicros decodes field 1 of the payload.
func (r RawEvent) TimestampMicros() (int64, bool) {
	buf := r.Payload
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, false
		}
		buf = buf[n:]
		if num == 1 && typ == protowire.VarintType {
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return 0, false
			}
			return int64(v), true
		}
		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return 0, false
		}
		buf = buf[n:]
	}
	return 0, false
}

// ReadEvents splits an encoded stream back into framed records. Used by
// analysis tooling and tests to inspect what a log wrote.
func ReadEvents(data []byte) ([]RawEvent, error) {
	var events []RawEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected wire type %d for event %s", typ, EventType(num))
		}
		payload, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		events = append(events, RawEvent{
			Type:    EventType(num),
			Payload: payload,
		})
	}
	return events, nil
}
