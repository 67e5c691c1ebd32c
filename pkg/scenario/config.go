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

package scenario

import (
	"github.com/livekit/netem/pkg/netem"
	"github.com/livekit/netem/pkg/units"
)

// NetworkSimulationConfig describes one direction of an emulated path.
// Zero-value fields leave that aspect unconstrained.
type NetworkSimulationConfig struct {
	// link capacity, zero means unlimited
	Bandwidth units.DataRate
	// one-way propagation delay
	Delay units.TimeDelta
	// standard deviation of the added delay jitter
	DelayStdDev units.TimeDelta
	// fraction of packets lost, 0.0 to 1.0
	LossRate float64
	// bound on packets queued at the link, zero means unlimited
	QueueLengthPackets int
	// per-packet overhead accounted on the link
	PacketOverhead units.DataSize
	// whether delay jitter may reorder packets
	AllowReordering bool
}

func (c NetworkSimulationConfig) toLinkConfig() netem.Config {
	link := netem.DefaultConfig()
	if c.Bandwidth.IsFinite() {
		link.LinkCapacityKbps = c.Bandwidth.Kbps()
	}
	link.QueueDelayMs = c.Delay.Millis()
	link.DelayStdDevMs = c.DelayStdDev.Millis()
	link.LossPercent = c.LossRate * 100
	link.QueueLengthPackets = c.QueueLengthPackets
	link.AllowReordering = c.AllowReordering
	return link
}

// --------------------------------------------------

const (
	cDefaultStartRateKbps = 300
	cDefaultMinRateKbps   = 30

	cDefaultFeedbackIntervalMs = 50
)

// CallClientConfig tunes one endpoint of a call.
type CallClientConfig struct {
	// rate the congestion controller starts from
	StartRate units.DataRate
	// bounds on the emitted target rate, zero leaves the bound open
	MinRate units.DataRate
	MaxRate units.DataRate
	// cadence at which the receive side returns transport feedback
	FeedbackInterval units.TimeDelta
}

func (c *CallClientConfig) withDefaults() CallClientConfig {
	out := *c
	if out.StartRate.IsZero() {
		out.StartRate = units.DataRateKbps(cDefaultStartRateKbps)
	}
	if out.MinRate.IsZero() {
		out.MinRate = units.DataRateKbps(cDefaultMinRateKbps)
	}
	if out.MaxRate.IsZero() {
		out.MaxRate = units.DataRatePlusInfinity
	}
	if out.FeedbackInterval <= 0 {
		out.FeedbackInterval = units.TimeDeltaMillis(cDefaultFeedbackIntervalMs)
	}
	return out
}

// --------------------------------------------------

const (
	cDefaultFrameRate       = 30
	cDefaultMaxPacketSize   = 1200
	cDefaultAudioIntervalMs = 20
	cDefaultAudioPacketSize = 160
)

// VideoStreamConfig describes a rate-adaptive video source.
type VideoStreamConfig struct {
	// frames per second
	FrameRate int
	// largest RTP payload the packetizer produces
	MaxPacketSize units.DataSize
	// start producing frames when the scenario starts
	Autostart bool
}

func DefaultVideoStreamConfig() VideoStreamConfig {
	return VideoStreamConfig{
		FrameRate:     cDefaultFrameRate,
		MaxPacketSize: units.DataSizeBytes(cDefaultMaxPacketSize),
		Autostart:     true,
	}
}

// AudioStreamConfig describes a constant-rate audio source.
type AudioStreamConfig struct {
	PacketInterval units.TimeDelta
	PacketSize     units.DataSize
	Autostart      bool
}

func DefaultAudioStreamConfig() AudioStreamConfig {
	return AudioStreamConfig{
		PacketInterval: units.TimeDeltaMillis(cDefaultAudioIntervalMs),
		PacketSize:     units.DataSizeBytes(cDefaultAudioPacketSize),
		Autostart:      true,
	}
}
