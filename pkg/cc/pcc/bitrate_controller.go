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

import (
	"math"

	"github.com/livekit/netem/pkg/units"
)

// bitrateController turns the utility measured over monitor intervals
// into the next sending rate, walking along the utility gradient with an
// adaptive step size.
type bitrateController struct {
	initialConversionFactor  float64
	initialDynamicBoundary   float64
	dynamicBoundaryIncrement float64
	utilityFunction          utilityFunction

	stepSizeAdjustmentsNumber            int64
	consecutiveBoundaryAdjustmentsNumber int64
	previousFunctionValue                float64
	hasPreviousFunctionValue             bool
}

func newBitrateController(
	initialConversionFactor float64,
	initialDynamicBoundary float64,
	dynamicBoundaryIncrement float64,
	utilityFunction utilityFunction,
) *bitrateController {
	return &bitrateController{
		initialConversionFactor:  initialConversionFactor,
		initialDynamicBoundary:   initialDynamicBoundary,
		dynamicBoundaryIncrement: dynamicBoundaryIncrement,
		utilityFunction:          utilityFunction,
	}
}

// ComputeRateUpdateForSlowStartMode doubles the rate for as long as each
// probe improves on the best utility seen so far. Returning the estimate
// unchanged signals the caller to leave slow start.
func (b *bitrateController) ComputeRateUpdateForSlowStartMode(
	monitorInterval *monitorInterval,
	bandwidthEstimate units.DataRate,
) units.DataRate {
	utilityValue := b.utilityFunction.Compute(monitorInterval)
	if b.hasPreviousFunctionValue && utilityValue <= b.previousFunctionValue {
		return bandwidthEstimate
	}
	b.previousFunctionValue = utilityValue
	b.hasPreviousFunctionValue = true
	return bandwidthEstimate.Mul(cSlowStartModeIncrease)
}

// ComputeRateUpdateForOnlineLearningMode moves the rate along the
// utility gradient observed across the two perturbed intervals.
func (b *bitrateController) ComputeRateUpdateForOnlineLearningMode(
	block []monitorInterval,
	bandwidthEstimate units.DataRate,
) units.DataRate {
	firstUtility := b.utilityFunction.Compute(&block[0])
	secondUtility := b.utilityFunction.Compute(&block[1])
	firstBitrateKbps := float64(block[0].GetTargetSendingRate().Kbps())
	secondBitrateKbps := float64(block[1].GetTargetSendingRate().Kbps())
	gradient := (firstUtility - secondUtility) / (firstBitrateKbps - secondBitrateKbps)

	rateChangeKbps := gradient * b.computeStepSize(gradient)
	rateChangeKbps = b.applyDynamicBoundary(rateChangeKbps, float64(bandwidthEstimate.Kbps()))
	return units.DataRateBitsPerSec(int64(math.Round(
		math.Max(0, float64(bandwidthEstimate.Kbps())+rateChangeKbps) * 1000)))
}

// computeStepSize amplifies the step after consecutive moves in the same
// direction, linearly for the first three and twice as fast after that.
func (b *bitrateController) computeStepSize(utilityGradient float64) float64 {
	if utilityGradient > 0 {
		b.stepSizeAdjustmentsNumber = max(b.stepSizeAdjustmentsNumber+1, 1)
	} else if utilityGradient < 0 {
		b.stepSizeAdjustmentsNumber = min(b.stepSizeAdjustmentsNumber-1, -1)
	} else {
		b.stepSizeAdjustmentsNumber = 0
	}

	adjustments := math.Abs(float64(b.stepSizeAdjustmentsNumber))
	amplifier := math.Max(adjustments, 1)
	if adjustments > 3 {
		amplifier = 2*adjustments - 3
	}
	return amplifier * b.initialConversionFactor
}

// applyDynamicBoundary clamps the rate change to a boundary that widens
// with consecutive clamped moves in the same direction and narrows back
// once changes fit inside it again.
func (b *bitrateController) applyDynamicBoundary(rateChange, bitrateKbps float64) float64 {
	rateChangeAbs := math.Abs(rateChange)
	rateChangeSign := int64(1)
	if rateChange <= 0 {
		rateChangeSign = -1
	}
	if b.consecutiveBoundaryAdjustmentsNumber*rateChangeSign < 0 {
		b.consecutiveBoundaryAdjustmentsNumber = 0
	}

	boundary := bitrateKbps * (b.initialDynamicBoundary +
		math.Abs(float64(b.consecutiveBoundaryAdjustmentsNumber))*b.dynamicBoundaryIncrement)
	if rateChangeAbs > boundary {
		b.consecutiveBoundaryAdjustmentsNumber += rateChangeSign
		return boundary * float64(rateChangeSign)
	}

	// shrink the boundary to the smallest one that still admits the
	// change
	for rateChangeAbs <= boundary && b.consecutiveBoundaryAdjustmentsNumber*rateChangeSign > 0 {
		b.consecutiveBoundaryAdjustmentsNumber -= rateChangeSign
		boundary = bitrateKbps * (b.initialDynamicBoundary +
			math.Abs(float64(b.consecutiveBoundaryAdjustmentsNumber))*b.dynamicBoundaryIncrement)
	}
	b.consecutiveBoundaryAdjustmentsNumber += rateChangeSign
	return rateChange
}
