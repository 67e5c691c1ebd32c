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
	"math"
	"math/rand"

	"github.com/livekit/netem/pkg/units"
)

// TrafficRoute addresses synthetic traffic at a node. The payload content is
// irrelevant, only its size loads the link.
type TrafficRoute struct {
	node       *NetworkNode
	receiverID uint64
}

func NewTrafficRoute(node *NetworkNode, receiverID uint64) *TrafficRoute {
	node.SetRoute(receiverID, NullReceiver{})
	return &TrafficRoute{
		node:       node,
		receiverID: receiverID,
	}
}

func (r *TrafficRoute) SendPacket(size units.DataSize, at units.Timestamp) {
	r.node.TryDeliverPacket(make([]byte, size.Bytes()), r.receiverID, at)
}

// --------------------------------------------------

type RandomWalkConfig struct {
	RandomSeed        int64           `yaml:"random_seed,omitempty"`
	PeakRateKbps      int64           `yaml:"peak_rate_kbps,omitempty"`
	MinPacketSize     units.DataSize  `yaml:"-"`
	MinPacketInterval units.TimeDelta `yaml:"-"`
	UpdateIntervalMs  int64           `yaml:"update_interval_ms,omitempty"`
	Variance          float64         `yaml:"variance,omitempty"`
	Bias              float64         `yaml:"bias,omitempty"`
}

func DefaultRandomWalkConfig() RandomWalkConfig {
	return RandomWalkConfig{
		RandomSeed:        1,
		PeakRateKbps:      100,
		MinPacketSize:     units.DataSizeBytes(200),
		MinPacketInterval: units.TimeDeltaMillis(1),
		UpdateIntervalMs:  200,
		Variance:          0.6,
		Bias:              -0.1,
	}
}

// RandomWalkCrossTraffic loads a link with traffic whose intensity performs a
// clamped random walk in [0, 1] of the configured peak rate.
type RandomWalkCrossTraffic struct {
	config RandomWalkConfig
	route  *TrafficRoute
	rand   *rand.Rand

	intensity       float64
	pendingSize     units.DataSize
	lastUpdateTime  units.Timestamp
	lastProcessTime units.Timestamp
	lastSendTime    units.Timestamp
	started         bool
}

func NewRandomWalkCrossTraffic(config RandomWalkConfig, route *TrafficRoute) *RandomWalkCrossTraffic {
	return &RandomWalkCrossTraffic{
		config: config,
		route:  route,
		rand:   rand.New(rand.NewSource(config.RandomSeed)),
	}
}

func (c *RandomWalkCrossTraffic) Process(at units.Timestamp) {
	if !c.started {
		c.started = true
		c.lastUpdateTime = at
		c.lastProcessTime = at
		c.lastSendTime = at
	}

	updateInterval := units.TimeDeltaMillis(c.config.UpdateIntervalMs)
	if at.Sub(c.lastUpdateTime) >= updateInterval {
		elapsed := at.Sub(c.lastUpdateTime).SecondsFloat()
		c.intensity += (c.rand.NormFloat64()*c.config.Variance + c.config.Bias) * math.Sqrt(elapsed)
		c.intensity = math.Max(0, math.Min(1, c.intensity))
		c.lastUpdateTime = at
	}

	c.pendingSize = c.pendingSize.Add(c.TrafficRate().MulTime(at.Sub(c.lastProcessTime)))
	c.lastProcessTime = at

	if c.pendingSize >= c.config.MinPacketSize &&
		at.Sub(c.lastSendTime) >= c.config.MinPacketInterval {
		c.route.SendPacket(c.pendingSize, at)
		c.pendingSize = 0
		c.lastSendTime = at
	}
}

func (c *RandomWalkCrossTraffic) TrafficRate() units.DataRate {
	return units.DataRateKbps(c.config.PeakRateKbps).Mul(c.intensity)
}

func (c *RandomWalkCrossTraffic) ProcessInterval() units.TimeDelta {
	return c.config.MinPacketInterval
}

// --------------------------------------------------

type PulsedPeaksConfig struct {
	PeakRateKbps      int64           `yaml:"peak_rate_kbps,omitempty"`
	PacketSize        units.DataSize  `yaml:"-"`
	MinPacketInterval units.TimeDelta `yaml:"-"`
	SendDurationMs    int64           `yaml:"send_duration_ms,omitempty"`
	HoldDurationMs    int64           `yaml:"hold_duration_ms,omitempty"`
}

func DefaultPulsedPeaksConfig() PulsedPeaksConfig {
	return PulsedPeaksConfig{
		PeakRateKbps:      2000,
		PacketSize:        units.DataSizeBytes(1200),
		MinPacketInterval: units.TimeDeltaMillis(1),
		SendDurationMs:    100,
		HoldDurationMs:    2000,
	}
}

// PulsedPeaksCrossTraffic alternates between sending at peak rate and
// holding silent, producing square-wave load.
type PulsedPeaksCrossTraffic struct {
	config PulsedPeaksConfig
	route  *TrafficRoute

	sending      bool
	lastToggle   units.Timestamp
	lastSendTime units.Timestamp
	started      bool
}

func NewPulsedPeaksCrossTraffic(config PulsedPeaksConfig, route *TrafficRoute) *PulsedPeaksCrossTraffic {
	return &PulsedPeaksCrossTraffic{
		config: config,
		route:  route,
	}
}

func (c *PulsedPeaksCrossTraffic) Process(at units.Timestamp) {
	if !c.started {
		c.started = true
		c.sending = true
		c.lastToggle = at
		c.lastSendTime = at
	}

	interval := units.TimeDeltaMillis(c.config.HoldDurationMs)
	if c.sending {
		interval = units.TimeDeltaMillis(c.config.SendDurationMs)
	}
	if at.Sub(c.lastToggle) >= interval {
		c.sending = !c.sending
		c.lastToggle = at
	}
	if !c.sending {
		return
	}

	// space packets so the burst averages the peak rate
	spacing := c.config.PacketSize.DivRate(units.DataRateKbps(c.config.PeakRateKbps))
	if spacing < c.config.MinPacketInterval {
		spacing = c.config.MinPacketInterval
	}
	if at.Sub(c.lastSendTime) >= spacing {
		c.route.SendPacket(c.config.PacketSize, at)
		c.lastSendTime = at
	}
}

func (c *PulsedPeaksCrossTraffic) TrafficRate() units.DataRate {
	if !c.sending {
		return units.DataRateZero
	}
	return units.DataRateKbps(c.config.PeakRateKbps)
}

func (c *PulsedPeaksCrossTraffic) ProcessInterval() units.TimeDelta {
	return c.config.MinPacketInterval
}
