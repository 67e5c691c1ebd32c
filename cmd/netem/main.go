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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/netem/pkg/config"
	"github.com/livekit/netem/pkg/telemetry/prometheus"
	"github.com/livekit/netem/version"
)

const cNodeIDPrefix = "NE_"

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to netem config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "netem config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"NETEM_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "event-log",
		Usage: "write the binary event log to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug, console formatter. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "netem",
		Usage:       "Congestion controlled media transport over an emulated network",
		Description: "run without subcommands to run the configured scenario",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      runScenario,
		Commands: []*cli.Command{
			{
				Name:   "defaults",
				Usage:  "prints the default config as YAML",
				Action: printDefaults,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func runScenario(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init(utils.NewGuid(cNodeIDPrefix))

	runner, err := newScenarioRunner(conf)
	if err != nil {
		prometheus.ServiceOperationCounter.WithLabelValues("run_scenario", "error", "setup").Add(1)
		return err
	}
	defer runner.Close()

	group, _ := errgroup.WithContext(context.Background())

	var metricsServer *http.Server
	if conf.PrometheusPort != 0 {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
		group.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	runner.Run()
	prometheus.ServiceOperationCounter.WithLabelValues("run_scenario", "success", "").Add(1)
	printSummary(os.Stdout, runner)

	if metricsServer != nil {
		// leave the final counters scrapeable
		logger.Infow("scenario complete, serving metrics until interrupted", "port", conf.PrometheusPort)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		<-sigChan
		_ = metricsServer.Close()
	}

	return group.Wait()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
