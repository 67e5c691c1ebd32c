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

// Package scenario is a deterministic harness for running congestion
// controlled media flows over emulated networks. A Scenario owns a virtual
// clock and advances it from deadline to deadline, so a thirty second call
// runs in milliseconds and produces the same result every time.
package scenario

import (
	"fmt"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/eventlog"
	"github.com/livekit/netem/pkg/netem"
	"github.com/livekit/netem/pkg/units"
)

const (
	// clock origin, offset from zero so uninitialized timestamps stand out
	cSimulationStartSec = 100000

	// bound on same-instant delivery cascades across chained hops
	cMaxSameInstantPasses = 4
)

// --------------------------------------------------

// RepeatedActivity calls its function whenever at least interval has elapsed
// since the previous call.
type RepeatedActivity struct {
	interval   units.TimeDelta
	fn         func(units.TimeDelta)
	lastUpdate units.Timestamp
}

// Stop prevents any further invocations.
func (a *RepeatedActivity) Stop() {
	a.interval = units.TimeDeltaPlusInfinity
}

func (a *RepeatedActivity) SetStartTime(at units.Timestamp) {
	a.lastUpdate = at
}

func (a *RepeatedActivity) Poll(at units.Timestamp) {
	if !at.Before(a.lastUpdate.Add(a.interval)) {
		a.fn(at.Sub(a.lastUpdate))
		a.lastUpdate = at
	}
}

// NextTime is the earliest instant Poll would fire again.
func (a *RepeatedActivity) NextTime() units.Timestamp {
	return a.lastUpdate.Add(a.interval)
}

type pendingActivity struct {
	after units.TimeDelta
	fn    func()
}

// --------------------------------------------------

type ScenarioParams struct {
	// EventLog receives control-loop events from every client, nil disables
	// event logging.
	EventLog *eventlog.EventLog
	Logger   logger.Logger
}

// Scenario wires clients, emulated network nodes and media streams together
// and drives them on a virtual clock. Not safe for concurrent use; build the
// topology, then call RunFor from a single goroutine.
type Scenario struct {
	params ScenarioParams

	now       units.Timestamp
	startTime units.Timestamp

	activities []*RepeatedActivity
	pending    []*pendingActivity

	nodes   []*SimulationNode
	clients []*CallClient

	nextReceiverID uint64
	nextSSRC       uint32
}

func NewScenario(params ScenarioParams) *Scenario {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Scenario{
		params:         params,
		now:            units.TimestampSeconds(cSimulationStartSec),
		nextReceiverID: 1,
		nextSSRC:       0x10000001,
	}
}

// Now is the current virtual time.
func (s *Scenario) Now() units.Timestamp {
	return s.now
}

// Duration is the virtual time elapsed since the last RunFor/RunUntil began.
func (s *Scenario) Duration() units.TimeDelta {
	return s.now.Sub(s.startTime)
}

func (s *Scenario) allocReceiverID() uint64 {
	id := s.nextReceiverID
	s.nextReceiverID++
	return id
}

func (s *Scenario) allocSSRC() uint32 {
	ssrc := s.nextSSRC
	s.nextSSRC++
	return ssrc
}

// --------------------------------------------------

// Every registers fn to run each interval of virtual time. The returned
// activity can be stopped.
func (s *Scenario) Every(interval units.TimeDelta, fn func()) *RepeatedActivity {
	return s.EveryWithDelta(interval, func(units.TimeDelta) { fn() })
}

// EveryWithDelta is Every with the elapsed time since the previous
// invocation passed to fn.
func (s *Scenario) EveryWithDelta(interval units.TimeDelta, fn func(units.TimeDelta)) *RepeatedActivity {
	activity := &RepeatedActivity{
		interval: interval,
		fn:       fn,
		// registration between runs still needs a sane phase
		lastUpdate: s.now,
	}
	s.activities = append(s.activities, activity)
	return activity
}

// At registers fn to run once the scenario has been running for offset.
func (s *Scenario) At(offset units.TimeDelta, fn func()) {
	s.pending = append(s.pending, &pendingActivity{after: offset, fn: fn})
}

// RunFor advances virtual time by duration, firing every activity and
// delivering every packet that falls due.
func (s *Scenario) RunFor(duration units.TimeDelta) {
	s.RunUntil(duration, units.TimeDeltaPlusInfinity, func() bool { return false })
}

// RunUntil advances virtual time until maxDuration has elapsed or done
// returns true. done is evaluated at least every pollInterval of virtual
// time. The clock never sleeps and never busy-polls; it jumps straight to
// the next activity or packet-delivery deadline.
func (s *Scenario) RunUntil(maxDuration units.TimeDelta, pollInterval units.TimeDelta, done func() bool) {
	s.startTime = s.now
	for _, activity := range s.activities {
		activity.SetStartTime(s.startTime)
	}
	for _, client := range s.clients {
		client.start()
	}

	limit := s.startTime.Add(maxDuration)
	for !done() && s.Duration() < maxDuration {
		s.processNodes()

		for _, activity := range s.activities {
			activity.Poll(s.now)
		}
		s.runPending()

		wake := limit
		if pollInterval.IsFinite() {
			wake = minTimestamp(wake, s.now.Add(pollInterval))
		}
		for _, activity := range s.activities {
			wake = minTimestamp(wake, activity.NextTime())
		}
		for _, pending := range s.pending {
			wake = minTimestamp(wake, s.startTime.Add(pending.after))
		}
		for _, node := range s.nodes {
			if t := node.node.NextProcessTime(); t.IsFinite() && t.After(s.now) {
				wake = minTimestamp(wake, t)
			}
		}
		if !wake.After(s.now) {
			// everything due has run, only the duration limit remains
			wake = limit
		}
		s.now = wake
	}
}

// processNodes delivers everything due at the current instant. A delivery
// can enqueue follow-up traffic due at the same instant on a later hop, so
// the pass repeats until the nodes go quiet.
func (s *Scenario) processNodes() {
	for pass := 0; pass < cMaxSameInstantPasses; pass++ {
		for _, node := range s.nodes {
			node.node.Process(s.now)
		}

		due := false
		for _, node := range s.nodes {
			if t := node.node.NextProcessTime(); t.IsFinite() && !t.After(s.now) {
				due = true
				break
			}
		}
		if !due {
			return
		}
	}
}

func (s *Scenario) runPending() {
	elapsed := s.Duration()
	remaining := s.pending[:0]
	for _, pending := range s.pending {
		if elapsed >= pending.after {
			pending.fn()
		} else {
			remaining = append(remaining, pending)
		}
	}
	s.pending = remaining
}

func minTimestamp(a, b units.Timestamp) units.Timestamp {
	if b.Before(a) {
		return b
	}
	return a
}

// --------------------------------------------------

// SimulationNode is an emulated link hop owned by a scenario. Config updates
// take effect for packets admitted after the call.
type SimulationNode struct {
	scenario *Scenario
	name     string
	config   NetworkSimulationConfig
	network  *netem.SimulatedNetwork
	node     *netem.NetworkNode
}

// CreateSimulationNode builds a network hop from config and registers it
// with the scenario clock.
func (s *Scenario) CreateSimulationNode(config NetworkSimulationConfig) *SimulationNode {
	name := fmt.Sprintf("node-%d", len(s.nodes)+1)
	network := netem.NewSimulatedNetwork(netem.SimulatedNetworkParams{
		Config: config.toLinkConfig(),
		Logger: s.params.Logger.WithValues("node", name),
	})
	node := netem.NewNetworkNode(netem.NetworkNodeParams{
		Behavior:       network,
		PacketOverhead: config.PacketOverhead,
		Logger:         s.params.Logger.WithValues("node", name),
	})
	sim := &SimulationNode{
		scenario: s,
		name:     name,
		config:   config,
		network:  network,
		node:     node,
	}
	s.nodes = append(s.nodes, sim)
	s.logLinkConfig(config)
	return sim
}

// UpdateConfig applies modifier to the node's config and swaps the link over
// to it.
func (n *SimulationNode) UpdateConfig(modifier func(*NetworkSimulationConfig)) {
	modifier(&n.config)
	n.network.SetConfig(n.config.toLinkConfig())
	n.scenario.logLinkConfig(n.config)
}

func (n *SimulationNode) Name() string {
	return n.name
}

func (n *SimulationNode) Node() *netem.NetworkNode {
	return n.node
}

func (n *SimulationNode) Stats() netem.LinkStats {
	return n.node.Stats()
}

func (s *Scenario) logLinkConfig(config NetworkSimulationConfig) {
	if s.params.EventLog == nil {
		return
	}
	s.params.EventLog.Log(eventlog.NewLinkConfigEvent(
		s.now, config.Bandwidth, config.Delay, config.LossRate, config.QueueLengthPackets))
}

// --------------------------------------------------

// CreateRoutes connects two clients over the given node chains, one per
// direction. Media flows over sendLink, feedback returns over returnLink.
func (s *Scenario) CreateRoutes(first *CallClient, sendLink []*SimulationNode, second *CallClient, returnLink []*SimulationNode) {
	s.createRoute(first, sendLink, second)
	s.createRoute(second, returnLink, first)
}

func (s *Scenario) createRoute(from *CallClient, link []*SimulationNode, to *CallClient) {
	receiverID := s.allocReceiverID()
	nodes := make([]*netem.NetworkNode, 0, len(link))
	for _, hop := range link {
		nodes = append(nodes, hop.node)
	}
	netem.Route(receiverID, nodes, to)
	from.setSendRoute(nodes[0], receiverID)
}

// --------------------------------------------------

// CreateRandomWalkCrossTraffic competes with media traffic on node using a
// random-walk intensity source.
func (s *Scenario) CreateRandomWalkCrossTraffic(node *SimulationNode, config netem.RandomWalkConfig) *netem.RandomWalkCrossTraffic {
	route := netem.NewTrafficRoute(node.node, s.allocReceiverID())
	traffic := netem.NewRandomWalkCrossTraffic(config, route)
	s.Every(traffic.ProcessInterval(), func() {
		traffic.Process(s.now)
	})
	return traffic
}

// CreatePulsedPeaksCrossTraffic competes with media traffic on node using an
// on/off peak-rate source.
func (s *Scenario) CreatePulsedPeaksCrossTraffic(node *SimulationNode, config netem.PulsedPeaksConfig) *netem.PulsedPeaksCrossTraffic {
	route := netem.NewTrafficRoute(node.node, s.allocReceiverID())
	traffic := netem.NewPulsedPeaksCrossTraffic(config, route)
	s.Every(traffic.ProcessInterval(), func() {
		traffic.Process(s.now)
	})
	return traffic
}

// TriggerBufferBloat stuffs count packets of size onto node at the current
// instant, filling its queues ahead of any media.
func (s *Scenario) TriggerBufferBloat(node *SimulationNode, count int, size units.DataSize) {
	route := netem.NewTrafficRoute(node.node, s.allocReceiverID())
	for i := 0; i < count; i++ {
		route.SendPacket(size, s.now)
	}
}
