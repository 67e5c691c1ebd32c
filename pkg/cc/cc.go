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

// Package cc holds the send-side congestion control plumbing: the message
// types exchanged with a bandwidth controller, the feedback adapter that
// correlates sent packets with transport-wide feedback reports, and a
// windowed estimator for the acknowledged throughput.
package cc

import (
	"sort"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/netem/pkg/units"
)

// NotAProbe marks a packet sent outside any probe cluster.
const NotAProbe = -1

// PacedPacketInfo carries the pacer's probing context for one packet.
type PacedPacketInfo struct {
	ProbeClusterID        int
	ProbeClusterMinProbes int
	ProbeClusterMinBytes  units.DataSize
}

// SentPacket describes a feedback-tracked packet at the moment it left the
// socket.
type SentPacket struct {
	SendTime units.Timestamp
	Size     units.DataSize
	// PriorUnackedData is data sent before this packet without feedback
	// tracking of its own, attributed to this packet.
	PriorUnackedData units.DataSize
	PacingInfo       PacedPacketInfo
	// SequenceNumber is the unwrapped transport-wide sequence number.
	SequenceNumber int64
	// DataInFlight is the outstanding data on the route right after this
	// packet was sent.
	DataInFlight units.DataSize
}

// PacketResult is the fate of one sent packet as reported by transport
// feedback. ReceiveTime is TimestampPlusInfinity for a lost packet.
type PacketResult struct {
	SentPacket  SentPacket
	ReceiveTime units.Timestamp
}

func (p PacketResult) IsReceived() bool {
	return !p.ReceiveTime.IsPlusInfinity()
}

// TransportPacketsFeedback is one processed transport-wide feedback report
// mapped back onto the packets this side sent.
type TransportPacketsFeedback struct {
	FeedbackTime         units.Timestamp
	FirstUnackedSendTime units.Timestamp
	DataInFlight         units.DataSize
	PriorInFlight        units.DataSize
	PacketFeedbacks      []PacketResult
}

func (f *TransportPacketsFeedback) ReceivedWithSendInfo() []PacketResult {
	var received []PacketResult
	for _, fb := range f.PacketFeedbacks {
		if fb.IsReceived() {
			received = append(received, fb)
		}
	}
	return received
}

func (f *TransportPacketsFeedback) LostWithSendInfo() []PacketResult {
	var lost []PacketResult
	for _, fb := range f.PacketFeedbacks {
		if !fb.IsReceived() {
			lost = append(lost, fb)
		}
	}
	return lost
}

func (f *TransportPacketsFeedback) PacketsWithFeedback() []PacketResult {
	return f.PacketFeedbacks
}

func (f *TransportPacketsFeedback) SortedByReceiveTime() []PacketResult {
	received := f.ReceivedWithSendInfo()
	sort.SliceStable(received, func(i, j int) bool {
		return received[i].ReceiveTime.Before(received[j].ReceiveTime)
	})
	return received
}

// --------------------------------------------------

// NetworkEstimate is a controller's current view of the network path.
type NetworkEstimate struct {
	AtTime        units.Timestamp
	Bandwidth     units.DataRate
	RoundTripTime units.TimeDelta
	BwePeriod     units.TimeDelta
	LossRateRatio float64
}

// TargetTransferRate tells the media sources what rate to produce.
type TargetTransferRate struct {
	AtTime          units.Timestamp
	NetworkEstimate NetworkEstimate
	TargetRate      units.DataRate
}

func (t *TargetTransferRate) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if t == nil {
		return nil
	}

	e.AddString("atTime", t.AtTime.String())
	e.AddString("targetRate", t.TargetRate.String())
	e.AddString("bandwidth", t.NetworkEstimate.Bandwidth.String())
	e.AddString("rtt", t.NetworkEstimate.RoundTripTime.String())
	return nil
}

// PacerConfig expresses the pacing budget as data windows per time window.
type PacerConfig struct {
	AtTime     units.Timestamp
	DataWindow units.DataSize
	PadWindow  units.DataSize
	TimeWindow units.TimeDelta
}

func (c PacerConfig) DataRate() units.DataRate {
	return c.DataWindow.DivTime(c.TimeWindow)
}

func (c PacerConfig) PadRate() units.DataRate {
	return c.PadWindow.DivTime(c.TimeWindow)
}

// NetworkControlUpdate carries new control state out of a controller. A nil
// field means no change.
type NetworkControlUpdate struct {
	CongestionWindow *units.DataSize
	PacerConfig      *PacerConfig
	TargetRate       *TargetTransferRate
}

// --------------------------------------------------

// ProcessInterval asks a controller to run its periodic processing.
type ProcessInterval struct {
	AtTime units.Timestamp
}

// NetworkAvailability signals whether the transport can currently send.
type NetworkAvailability struct {
	AtTime           units.Timestamp
	NetworkAvailable bool
}

// TargetRateConstraints bounds the rates a controller may emit.
type TargetRateConstraints struct {
	AtTime       units.Timestamp
	MinDataRate  units.DataRate
	MaxDataRate  units.DataRate
	StartingRate units.DataRate
}

// NetworkController is a send-side bandwidth controller. It consumes
// transport events and answers each with updated control state.
type NetworkController interface {
	OnProcessInterval(msg ProcessInterval) NetworkControlUpdate
	OnNetworkAvailability(msg NetworkAvailability) NetworkControlUpdate
	OnSentPacket(msg SentPacket) NetworkControlUpdate
	OnTargetRateConstraints(msg TargetRateConstraints) NetworkControlUpdate
	OnTransportPacketsFeedback(msg TransportPacketsFeedback) NetworkControlUpdate
}

// NetworkControllerConfig seeds a controller at construction. A zero or
// infinite StartingRate means the controller's own default applies.
type NetworkControllerConfig struct {
	StartingRate units.DataRate
}

// --------------------------------------------------

// RtpPacketSendInfo registers a packetized RTP packet with the feedback
// adapter before it reaches the wire.
type RtpPacketSendInfo struct {
	SSRC                    uint32
	TransportSequenceNumber uint16
	RTPSequenceNumber       uint16
	Length                  units.DataSize
	PacingInfo              PacedPacketInfo
}

// SentPacketInfo reports a packet actually handed to the wire. PacketID is
// the transport-wide sequence number, -1 when the packet carries none.
type SentPacketInfo struct {
	PacketID             int64
	SendTime             units.Timestamp
	Size                 units.DataSize
	IncludedInFeedback   bool
	IncludedInAllocation bool
}
