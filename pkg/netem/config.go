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
	"fmt"
	"math"

	"go.uber.org/zap/zapcore"
)

// Config describes one direction of an emulated link. A zero value leaves the
// link unconstrained except for loss defaults; AvgBurstLossLength of -1
// selects independent (non-bursty) loss.
type Config struct {
	// maximum number of packets queued on the link, 0 means unlimited
	QueueLengthPackets int `yaml:"queue_length_packets,omitempty"`
	// extra one-way delay added on top of the capacity-induced delay
	QueueDelayMs int64 `yaml:"queue_delay_ms,omitempty"`
	// standard deviation of the extra delay
	DelayStdDevMs int64 `yaml:"delay_std_dev_ms,omitempty"`
	// link capacity, 0 means infinite
	LinkCapacityKbps int64 `yaml:"link_capacity_kbps,omitempty"`
	// fraction of packets lost, in percent
	LossPercent float64 `yaml:"loss_percent,omitempty"`
	// whether jitter may reorder packets relative to send order
	AllowReordering bool `yaml:"allow_reordering,omitempty"`
	// average length of a loss burst, -1 for independent loss
	AvgBurstLossLength int `yaml:"avg_burst_loss_length,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		AvgBurstLossLength: -1,
	}
}

func (c Config) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt("queueLengthPackets", c.QueueLengthPackets)
	e.AddInt64("queueDelayMs", c.QueueDelayMs)
	e.AddInt64("delayStdDevMs", c.DelayStdDevMs)
	e.AddInt64("linkCapacityKbps", c.LinkCapacityKbps)
	e.AddFloat64("lossPercent", c.LossPercent)
	e.AddBool("allowReordering", c.AllowReordering)
	e.AddInt("avgBurstLossLength", c.AvgBurstLossLength)
	return nil
}

// validate panics on configurations the link model cannot represent. Invalid
// configs are programming errors, not runtime conditions.
func (c Config) validate() {
	if c.LossPercent < 0 || c.LossPercent > 100 {
		panic(fmt.Sprintf("netem: loss percent out of range: %v", c.LossPercent))
	}
	if c.LinkCapacityKbps != 0 && c.LinkCapacityKbps < 8 {
		panic(fmt.Sprintf("netem: link capacity below 8 kbps is not representable: %d", c.LinkCapacityKbps))
	}
	if c.AvgBurstLossLength != -1 && c.LossPercent > 0 {
		// bursts shorter than the minimum would need a start probability > 1
		probLoss := c.LossPercent / 100.0
		minBurstLength := int(math.Ceil(probLoss / (1 - probLoss)))
		if c.AvgBurstLossLength <= minBurstLength {
			panic(fmt.Sprintf(
				"netem: avg burst loss length %d too short for %v%% loss, minimum is %d",
				c.AvgBurstLossLength, c.LossPercent, minBurstLength+1,
			))
		}
	}
}
