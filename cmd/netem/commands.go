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
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/netem/pkg/config"
	"github.com/livekit/netem/pkg/scenario"
	"github.com/livekit/netem/pkg/units"
)

func printDefaults(_ *cli.Context) error {
	out, err := yaml.Marshal(&config.DefaultConfig)
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func printSummary(w io.Writer, r *scenarioRunner) {
	linkTable := tablewriter.NewWriter(w)
	linkTable.SetRowLine(true)
	linkTable.SetAutoWrapText(false)
	linkTable.SetHeader([]string{
		"Link",
		"Sent\nBytes", "Dropped\nBytes", "Delivered\nBytes",
		"Delivery Rate",
	})
	linkTable.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	for _, node := range []*scenario.SimulationNode{r.sendNode, r.returnNode} {
		stats := node.Stats()

		sent := fmt.Sprintf("%s\n%s", humanize.Comma(int64(stats.PacketsSent)), humanize.Bytes(uint64(stats.BytesSent.Bytes())))
		dropped := fmt.Sprintf("%s\n%s", humanize.Comma(int64(stats.PacketsDropped)), humanize.Bytes(uint64(stats.BytesDropped.Bytes())))
		delivered := fmt.Sprintf("%s\n%s", humanize.Comma(int64(stats.PacketsDelivered)), humanize.Bytes(uint64(stats.BytesDelivered.Bytes())))

		linkTable.Append([]string{
			node.Name(),
			sent, dropped, delivered,
			formatRate(stats.AverageDeliveryRate()),
		})
	}
	linkTable.Render()

	clientTable := tablewriter.NewWriter(w)
	clientTable.SetRowLine(true)
	clientTable.SetAutoWrapText(false)
	clientTable.SetHeader([]string{
		"Client",
		"Send Bandwidth", "Acked Bitrate",
		"Sent\nBytes / Padding", "Received\nBytes",
		"Feedback",
	})
	clientTable.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	for _, client := range []*scenario.CallClient{r.sender, r.receiver} {
		stats := client.Stats()

		sent := fmt.Sprintf("%s\n%s / %s", humanize.Comma(int64(stats.PacketsSent)),
			humanize.Bytes(uint64(stats.BytesSent.Bytes())), humanize.Bytes(uint64(stats.PaddingSent.Bytes())))
		received := fmt.Sprintf("%s\n%s", humanize.Comma(int64(stats.PacketsReceived)), humanize.Bytes(uint64(stats.BytesReceived.Bytes())))

		acked := "-"
		if rate, ok := client.AckedBitrate(); ok {
			acked = formatRate(rate)
		}

		clientTable.Append([]string{
			client.Name(),
			formatRate(client.SendBandwidth()), acked,
			sent, received,
			humanize.Comma(int64(stats.FeedbackReports)),
		})
	}
	clientTable.Render()
}

func formatRate(rate units.DataRate) string {
	if !rate.IsFinite() {
		return "-"
	}
	return strings.TrimSpace(humanize.SIWithDigits(rate.BitsPerSecFloat(), 2, "bps"))
}
