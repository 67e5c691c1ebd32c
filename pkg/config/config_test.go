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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/netem/pkg/config/configtest"
	"github.com/livekit/netem/pkg/units"
)

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `scenario:
  duration_ms: 10000`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10000), conf.Scenario.DurationMs)
	require.Equal(t, int64(300), conf.Scenario.Call.StartRateKbps)
	require.Equal(t, int64(1000), conf.Scenario.SendLink.BandwidthKbps)
	require.Len(t, conf.Scenario.Video, 1)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
scenario:
  duration_ms: 10000`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	// lenient mode tolerates unknown keys
	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10000), conf.Scenario.DurationMs)
}

func TestConfig_Validation(t *testing.T) {
	_, err := NewConfig("scenario:\n  duration_ms: -5", true, nil, nil)
	require.ErrorIs(t, err, ErrDurationInvalid)

	_, err = NewConfig("scenario:\n  send_link:\n    loss_rate: 1.5", true, nil, nil)
	require.ErrorIs(t, err, ErrLossRateInvalid)

	_, err = NewConfig("scenario:\n  call:\n    min_rate_kbps: 500\n    max_rate_kbps: 100", true, nil, nil)
	require.ErrorIs(t, err, ErrCallRatesInvalid)
}

func TestConfig_DefaultsRoundTrip(t *testing.T) {
	marshalled, err := yaml.Marshal(&DefaultConfig)
	require.NoError(t, err)

	conf, err := NewConfig(string(marshalled), true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.Scenario.DurationMs, conf.Scenario.DurationMs)
	require.Equal(t, DefaultConfig.Scenario.SendLink, conf.Scenario.SendLink)
}

func TestConfig_CrossTrafficDefaults(t *testing.T) {
	const content = `scenario:
  pulsed_peaks_cross_traffic:
    peak_rate_kbps: 800`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	pulsed := conf.Scenario.PulsedPeaks()
	require.NotNil(t, pulsed)
	require.Equal(t, int64(800), pulsed.PeakRateKbps)
	// fields the yaml cannot express keep their defaults
	require.Equal(t, units.DataSizeBytes(1200), pulsed.PacketSize)
	require.Nil(t, conf.Scenario.RandomWalk())
}

func TestConfig_ToSimulationConfig(t *testing.T) {
	link := LinkConfig{
		BandwidthKbps:      2000,
		DelayMs:            40,
		DelayStdDevMs:      5,
		LossRate:           0.02,
		QueueLengthPackets: 32,
	}
	conf := link.ToSimulationConfig()
	require.Equal(t, units.DataRateKbps(2000), conf.Bandwidth)
	require.Equal(t, units.TimeDeltaMillis(40), conf.Delay)
	require.Equal(t, units.TimeDeltaMillis(5), conf.DelayStdDev)
	require.Equal(t, 0.02, conf.LossRate)
	require.Equal(t, 32, conf.QueueLengthPackets)

	// zero bandwidth leaves the link unconstrained
	require.True(t, LinkConfig{}.ToSimulationConfig().Bandwidth.IsZero())
}

func TestConfig_EventLogPathExpansion(t *testing.T) {
	t.Setenv("NETEM_TEST_DIR", "/tmp/netem")
	conf, err := NewConfig("event_log:\n  output_file: $NETEM_TEST_DIR/log.bin", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/netem/log.bin", conf.EventLog.OutputFile)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	var conf *Config
	app := &cli.App{
		Name:  "netem",
		Flags: generatedFlags,
		Action: func(c *cli.Context) error {
			var err error
			conf, err = NewConfig("", true, c, nil)
			return err
		},
	}
	require.NoError(t, app.Run([]string{
		"netem",
		"--prometheus_port", "9999",
		"--scenario.duration_ms", "5000",
		"--scenario.send_link.bandwidth_kbps", "750",
		"--scenario.send_link.loss_rate", "0.1",
	}))

	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, int64(5000), conf.Scenario.DurationMs)
	require.Equal(t, int64(750), conf.Scenario.SendLink.BandwidthKbps)
	require.InDelta(t, 0.1, conf.Scenario.SendLink.LossRate, 1e-9)
}

func TestConfig_YAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
