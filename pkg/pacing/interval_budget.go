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

package pacing

// --------------------------------------------------

// Budget over/underuse is capped to this window.
const cBudgetWindowMs = 500

// intervalBudget tracks how many bytes fit in an elapsed slice of time
// at a target rate. Overuse becomes debt to be paid off in following
// intervals, underuse is forfeited unless canBuildUpUnderuse is set.
type intervalBudget struct {
	targetRateKbps     int64
	maxBytesInBudget   int64
	bytesRemaining     int64
	canBuildUpUnderuse bool
}

func newIntervalBudget(initialTargetRateKbps int64, canBuildUpUnderuse bool) intervalBudget {
	b := intervalBudget{
		canBuildUpUnderuse: canBuildUpUnderuse,
	}
	b.setTargetRateKbps(initialTargetRateKbps)
	return b
}

func (b *intervalBudget) setTargetRateKbps(targetRateKbps int64) {
	b.targetRateKbps = targetRateKbps
	b.maxBytesInBudget = cBudgetWindowMs * targetRateKbps / 8
	b.bytesRemaining = min(max(-b.maxBytesInBudget, b.bytesRemaining), b.maxBytesInBudget)
}

func (b *intervalBudget) increaseBudget(deltaTimeMs int64) {
	bytes := b.targetRateKbps * deltaTimeMs / 8
	if b.bytesRemaining < 0 || b.canBuildUpUnderuse {
		// Overused last interval, compensate this interval.
		b.bytesRemaining = min(b.bytesRemaining+bytes, b.maxBytesInBudget)
	} else {
		// Underuse from last interval can not be used this interval.
		b.bytesRemaining = min(bytes, b.maxBytesInBudget)
	}
}

func (b *intervalBudget) useBudget(bytes int64) {
	b.bytesRemaining = max(b.bytesRemaining-bytes, -b.maxBytesInBudget)
}

func (b *intervalBudget) remainingBytes() int64 {
	return max(0, b.bytesRemaining)
}

// --------------------------------------------------
