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

package pcc

import "math"

// utilityFunction scores the outcome of one monitor interval, higher is
// better.
type utilityFunction interface {
	Compute(monitorInterval *monitorInterval) float64
}

// --------------------------------------------------

// vivaceUtilityFunction rewards throughput and penalizes rising delay
// and loss. The delay gradient is clamped from below so that draining
// queues cannot produce unbounded reward.
type vivaceUtilityFunction struct {
	delayGradientCoefficient   float64
	lossCoefficient            float64
	throughputCoefficient      float64
	throughputPower            float64
	delayGradientThreshold     float64
	delayGradientNegativeBound float64
}

func newVivaceUtilityFunction(
	delayGradientCoefficient float64,
	lossCoefficient float64,
	throughputCoefficient float64,
	throughputPower float64,
	delayGradientThreshold float64,
	delayGradientNegativeBound float64,
) *vivaceUtilityFunction {
	return &vivaceUtilityFunction{
		delayGradientCoefficient:   delayGradientCoefficient,
		lossCoefficient:            lossCoefficient,
		throughputCoefficient:      throughputCoefficient,
		throughputPower:            throughputPower,
		delayGradientThreshold:     delayGradientThreshold,
		delayGradientNegativeBound: delayGradientNegativeBound,
	}
}

func (v *vivaceUtilityFunction) Compute(monitorInterval *monitorInterval) float64 {
	bitrate := float64(monitorInterval.GetTargetSendingRate().BitsPerSec())
	lossRate := monitorInterval.GetLossRate()
	delayGradient := monitorInterval.ComputeDelayGradient(v.delayGradientThreshold)
	delayGradient = math.Max(delayGradient, -v.delayGradientNegativeBound)
	return v.throughputCoefficient*math.Pow(bitrate, v.throughputPower) -
		v.delayGradientCoefficient*bitrate*delayGradient -
		v.lossCoefficient*bitrate*lossRate
}
