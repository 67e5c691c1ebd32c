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

package main

import (
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/config"
	"github.com/livekit/netem/pkg/eventlog"
	"github.com/livekit/netem/pkg/scenario"
	"github.com/livekit/netem/pkg/units"
)

// scenarioRunner wires a config into a runnable two-client scenario: media
// flows from the sender over the send link, feedback returns over the return
// link.
type scenarioRunner struct {
	conf *config.Config

	scenario   *scenario.Scenario
	sender     *scenario.CallClient
	receiver   *scenario.CallClient
	sendNode   *scenario.SimulationNode
	returnNode *scenario.SimulationNode

	eventLog  *eventlog.EventLog
	logOutput *eventlog.FileOutput
}

func newScenarioRunner(conf *config.Config) (*scenarioRunner, error) {
	r := &scenarioRunner{conf: conf}

	if conf.EventLog.OutputFile != "" {
		output, err := eventlog.NewFileOutput(conf.EventLog.OutputFile, eventlog.UnlimitedFileSize)
		if err != nil {
			return nil, err
		}
		r.logOutput = output
		r.eventLog = eventlog.NewEventLog(eventlog.EventLogParams{})
	}

	s := scenario.NewScenario(scenario.ScenarioParams{
		EventLog: r.eventLog,
	})
	r.scenario = s

	// logging starts before the topology is built so the initial link
	// configs land in the log
	if r.eventLog != nil && !r.eventLog.StartLogging(s.Now(), r.logOutput, conf.EventLog.OutputPeriod()) {
		return nil, errors.New("could not start event logging")
	}

	sc := conf.Scenario
	r.sender = s.CreateClient("send", sc.Call.ToClientConfig())
	r.receiver = s.CreateClient("return", scenario.CallClientConfig{})
	r.sendNode = s.CreateSimulationNode(sc.SendLink.ToSimulationConfig())
	r.returnNode = s.CreateSimulationNode(sc.ReturnLink.ToSimulationConfig())
	s.CreateRoutes(
		r.sender, []*scenario.SimulationNode{r.sendNode},
		r.receiver, []*scenario.SimulationNode{r.returnNode},
	)

	for _, video := range sc.Video {
		s.CreateVideoStream(r.sender, video.ToStreamConfig())
	}
	for _, audio := range sc.Audio {
		s.CreateAudioStream(r.sender, audio.ToStreamConfig())
	}

	if walk := sc.RandomWalk(); walk != nil {
		s.CreateRandomWalkCrossTraffic(r.sendNode, *walk)
	}
	if pulsed := sc.PulsedPeaks(); pulsed != nil {
		s.CreatePulsedPeaksCrossTraffic(r.sendNode, *pulsed)
	}

	for _, update := range sc.SendLinkUpdates {
		link := update.Link
		s.At(units.TimeDeltaMillis(update.AtMs), func() {
			r.sendNode.UpdateConfig(func(c *scenario.NetworkSimulationConfig) {
				*c = link.ToSimulationConfig()
			})
		})
	}

	if bloat := sc.BufferBloat; bloat != nil {
		s.At(units.TimeDeltaMillis(bloat.AtMs), func() {
			s.TriggerBufferBloat(r.sendNode, bloat.PacketCount, units.DataSizeBytes(bloat.PacketSizeBytes))
		})
	}

	return r, nil
}

func (r *scenarioRunner) Run() {
	duration := r.conf.Scenario.Duration()
	logger.Infow("running scenario", "duration", duration)

	r.scenario.RunFor(duration)

	if r.eventLog != nil {
		r.eventLog.StopLogging(r.scenario.Now())
	}

	ackedBitrate, _ := r.sender.AckedBitrate()
	logger.Infow("scenario complete",
		"sendBandwidth", r.sender.SendBandwidth(),
		"ackedBitrate", ackedBitrate,
	)
}

func (r *scenarioRunner) Close() {
	if r.eventLog != nil {
		r.eventLog.Close()
	}
	if r.logOutput != nil {
		_ = r.logOutput.Close()
	}
}
