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
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/netem"
	"github.com/livekit/netem/pkg/scenario"
	"github.com/livekit/netem/pkg/units"
)

const (
	generatedCLIFlagUsage = "generated"
)

var (
	ErrDurationInvalid  = errors.New("scenario duration must be positive")
	ErrLossRateInvalid  = errors.New("link loss rate must be within [0, 1]")
	ErrBandwidthInvalid = errors.New("link bandwidth cannot be negative")
	ErrCallRatesInvalid = errors.New("call min rate cannot exceed max rate")
)

type Config struct {
	PrometheusPort uint32         `yaml:"prometheus_port,omitempty"`
	Scenario       ScenarioConfig `yaml:"scenario,omitempty"`
	EventLog       EventLogConfig `yaml:"event_log,omitempty"`
	Logging        LoggingConfig  `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline" config:"allowempty"`
}

// ScenarioConfig describes one runnable simulation: a sending and a returning
// client joined by one emulated link per direction, plus the media and cross
// traffic riding on them.
type ScenarioConfig struct {
	DurationMs int64 `yaml:"duration_ms,omitempty"`

	Call       CallConfig `yaml:"call,omitempty"`
	SendLink   LinkConfig `yaml:"send_link,omitempty"`
	ReturnLink LinkConfig `yaml:"return_link,omitempty"`

	// changes applied to the send link while the scenario runs
	SendLinkUpdates []LinkUpdateConfig `yaml:"send_link_updates,omitempty"`

	Video []VideoConfig `yaml:"video,omitempty"`
	Audio []AudioConfig `yaml:"audio,omitempty"`

	RandomWalkCrossTraffic  *netem.RandomWalkConfig  `yaml:"random_walk_cross_traffic,omitempty"`
	PulsedPeaksCrossTraffic *netem.PulsedPeaksConfig `yaml:"pulsed_peaks_cross_traffic,omitempty"`

	BufferBloat *BufferBloatConfig `yaml:"buffer_bloat,omitempty"`
}

type CallConfig struct {
	StartRateKbps      int64 `yaml:"start_rate_kbps,omitempty"`
	MinRateKbps        int64 `yaml:"min_rate_kbps,omitempty"`
	MaxRateKbps        int64 `yaml:"max_rate_kbps,omitempty"`
	FeedbackIntervalMs int64 `yaml:"feedback_interval_ms,omitempty"`
}

type LinkConfig struct {
	// zero means unlimited
	BandwidthKbps int64 `yaml:"bandwidth_kbps,omitempty"`
	DelayMs       int64 `yaml:"delay_ms,omitempty"`
	DelayStdDevMs int64 `yaml:"delay_std_dev_ms,omitempty"`
	// fraction of packets lost, 0.0 to 1.0
	LossRate float64 `yaml:"loss_rate,omitempty"`
	// zero means unlimited
	QueueLengthPackets  int   `yaml:"queue_length_packets,omitempty"`
	PacketOverheadBytes int64 `yaml:"packet_overhead_bytes,omitempty"`
	AllowReordering     bool  `yaml:"allow_reordering,omitempty"`
}

// LinkUpdateConfig swaps the send link over to a new shape once the scenario
// has been running for AtMs.
type LinkUpdateConfig struct {
	AtMs int64      `yaml:"at_ms,omitempty"`
	Link LinkConfig `yaml:"link,omitempty"`
}

type VideoConfig struct {
	FrameRate          int   `yaml:"frame_rate,omitempty"`
	MaxPacketSizeBytes int64 `yaml:"max_packet_size_bytes,omitempty"`
}

type AudioConfig struct {
	PacketIntervalMs int64 `yaml:"packet_interval_ms,omitempty"`
	PacketSizeBytes  int64 `yaml:"packet_size_bytes,omitempty"`
}

// BufferBloatConfig injects a burst of filler packets into the send link
// queue once the scenario has been running for AtMs.
type BufferBloatConfig struct {
	AtMs            int64 `yaml:"at_ms,omitempty"`
	PacketCount     int   `yaml:"packet_count,omitempty"`
	PacketSizeBytes int64 `yaml:"packet_size_bytes,omitempty"`
}

type EventLogConfig struct {
	// path of the binary event log, empty disables logging
	OutputFile string `yaml:"output_file,omitempty"`
	// flush cadence, zero writes every event immediately
	OutputPeriodMs int64 `yaml:"output_period_ms,omitempty"`
}

// --------------------------------------------------

var DefaultConfig = Config{
	Scenario: ScenarioConfig{
		DurationMs: 30_000,
		Call: CallConfig{
			StartRateKbps: 300,
		},
		SendLink: LinkConfig{
			BandwidthKbps: 1000,
			DelayMs:       50,
		},
		ReturnLink: LinkConfig{
			BandwidthKbps: 1000,
			DelayMs:       50,
		},
		Video: []VideoConfig{{}},
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	// expand env vars in the event log path
	file, err := homedir.Expand(os.ExpandEnv(conf.EventLog.OutputFile))
	if err != nil {
		return nil, err
	}
	conf.EventLog.OutputFile = file

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) validate() error {
	if conf.Scenario.DurationMs <= 0 {
		return ErrDurationInvalid
	}
	if err := conf.Scenario.Call.validate(); err != nil {
		return err
	}
	if err := conf.Scenario.SendLink.validate(); err != nil {
		return err
	}
	if err := conf.Scenario.ReturnLink.validate(); err != nil {
		return err
	}
	for _, update := range conf.Scenario.SendLinkUpdates {
		if err := update.Link.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c CallConfig) validate() error {
	if c.MinRateKbps > 0 && c.MaxRateKbps > 0 && c.MinRateKbps > c.MaxRateKbps {
		return ErrCallRatesInvalid
	}
	return nil
}

func (c LinkConfig) validate() error {
	if c.BandwidthKbps < 0 {
		return ErrBandwidthInvalid
	}
	if c.LossRate < 0 || c.LossRate > 1 {
		return ErrLossRateInvalid
	}
	return nil
}

// --------------------------------------------------

func (c ScenarioConfig) Duration() units.TimeDelta {
	return units.TimeDeltaMillis(c.DurationMs)
}

// RandomWalk returns the effective random walk cross traffic config, nil when
// none is configured. Fields the yaml cannot express keep their defaults.
func (c ScenarioConfig) RandomWalk() *netem.RandomWalkConfig {
	if c.RandomWalkCrossTraffic == nil {
		return nil
	}
	conf := netem.DefaultRandomWalkConfig()
	if v := c.RandomWalkCrossTraffic.RandomSeed; v != 0 {
		conf.RandomSeed = v
	}
	if v := c.RandomWalkCrossTraffic.PeakRateKbps; v != 0 {
		conf.PeakRateKbps = v
	}
	if v := c.RandomWalkCrossTraffic.UpdateIntervalMs; v != 0 {
		conf.UpdateIntervalMs = v
	}
	if v := c.RandomWalkCrossTraffic.Variance; v != 0 {
		conf.Variance = v
	}
	if v := c.RandomWalkCrossTraffic.Bias; v != 0 {
		conf.Bias = v
	}
	return &conf
}

// PulsedPeaks returns the effective pulsed peaks cross traffic config, nil
// when none is configured.
func (c ScenarioConfig) PulsedPeaks() *netem.PulsedPeaksConfig {
	if c.PulsedPeaksCrossTraffic == nil {
		return nil
	}
	conf := netem.DefaultPulsedPeaksConfig()
	if v := c.PulsedPeaksCrossTraffic.PeakRateKbps; v != 0 {
		conf.PeakRateKbps = v
	}
	if v := c.PulsedPeaksCrossTraffic.SendDurationMs; v != 0 {
		conf.SendDurationMs = v
	}
	if v := c.PulsedPeaksCrossTraffic.HoldDurationMs; v != 0 {
		conf.HoldDurationMs = v
	}
	return &conf
}

func (c CallConfig) ToClientConfig() scenario.CallClientConfig {
	conf := scenario.CallClientConfig{}
	if c.StartRateKbps > 0 {
		conf.StartRate = units.DataRateKbps(c.StartRateKbps)
	}
	if c.MinRateKbps > 0 {
		conf.MinRate = units.DataRateKbps(c.MinRateKbps)
	}
	if c.MaxRateKbps > 0 {
		conf.MaxRate = units.DataRateKbps(c.MaxRateKbps)
	}
	if c.FeedbackIntervalMs > 0 {
		conf.FeedbackInterval = units.TimeDeltaMillis(c.FeedbackIntervalMs)
	}
	return conf
}

func (c LinkConfig) ToSimulationConfig() scenario.NetworkSimulationConfig {
	conf := scenario.NetworkSimulationConfig{
		Delay:              units.TimeDeltaMillis(c.DelayMs),
		DelayStdDev:        units.TimeDeltaMillis(c.DelayStdDevMs),
		LossRate:           c.LossRate,
		QueueLengthPackets: c.QueueLengthPackets,
		PacketOverhead:     units.DataSizeBytes(c.PacketOverheadBytes),
		AllowReordering:    c.AllowReordering,
	}
	if c.BandwidthKbps > 0 {
		conf.Bandwidth = units.DataRateKbps(c.BandwidthKbps)
	}
	return conf
}

func (c VideoConfig) ToStreamConfig() scenario.VideoStreamConfig {
	conf := scenario.DefaultVideoStreamConfig()
	if c.FrameRate > 0 {
		conf.FrameRate = c.FrameRate
	}
	if c.MaxPacketSizeBytes > 0 {
		conf.MaxPacketSize = units.DataSizeBytes(c.MaxPacketSizeBytes)
	}
	return conf
}

func (c AudioConfig) ToStreamConfig() scenario.AudioStreamConfig {
	conf := scenario.DefaultAudioStreamConfig()
	if c.PacketIntervalMs > 0 {
		conf.PacketInterval = units.TimeDeltaMillis(c.PacketIntervalMs)
	}
	if c.PacketSizeBytes > 0 {
		conf.PacketSize = units.DataSizeBytes(c.PacketSizeBytes)
	}
	return conf
}

func (c EventLogConfig) OutputPeriod() time.Duration {
	return time.Duration(c.OutputPeriodMs) * time.Millisecond
}

// --------------------------------------------------

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("NETEM_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct:
			// only scalar leaves become flags
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("event-log") {
		conf.EventLog.OutputFile = c.String("event-log")
	}
	return nil
}

// --------------------------------------------------

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "netem")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "netem")
}
