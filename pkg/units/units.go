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

// Package units provides fixed-point value types for time instants, durations,
// bit rates and byte counts, with explicit plus/minus infinity sentinels used
// as "unset" markers. All arithmetic goes through the methods, which saturate
// at the sentinels instead of wrapping. Mixing the two infinities in one
// operation, or dividing by a zero rate/duration, is a contract violation and
// panics.
package units

import "math"

const (
	plusInfinityVal  = math.MaxInt64
	minusInfinityVal = math.MinInt64
)

func addSat(a, b int64) int64 {
	switch {
	case a == plusInfinityVal:
		if b == minusInfinityVal {
			panic("units: +inf + -inf")
		}
		return plusInfinityVal
	case a == minusInfinityVal:
		if b == plusInfinityVal {
			panic("units: -inf + +inf")
		}
		return minusInfinityVal
	case b == plusInfinityVal:
		return plusInfinityVal
	case b == minusInfinityVal:
		return minusInfinityVal
	}
	sum := a + b
	if b > 0 && sum < a {
		return plusInfinityVal
	}
	if b < 0 && sum > a {
		return minusInfinityVal
	}
	return sum
}

func negSat(v int64) int64 {
	switch v {
	case plusInfinityVal:
		return minusInfinityVal
	case minusInfinityVal:
		return plusInfinityVal
	}
	return -v
}

func subSat(a, b int64) int64 {
	return addSat(a, negSat(b))
}

func mulScalarSat(v int64, f float64) int64 {
	switch v {
	case plusInfinityVal, minusInfinityVal:
		if f < 0 {
			return negSat(v)
		}
		return v
	}
	p := float64(v) * f
	if p >= float64(plusInfinityVal) {
		return plusInfinityVal
	}
	if p <= float64(minusInfinityVal) {
		return minusInfinityVal
	}
	return int64(math.Round(p))
}

// divRoundToNearest divides n by a positive d, rounding half away from zero.
func divRoundToNearest(n, d int64) int64 {
	if n >= 0 {
		return (n + d/2) / d
	}
	return -((-n + d/2) / d)
}

// mulUnitSat multiplies a finite non-negative magnitude by a positive unit
// factor, saturating on overflow.
func mulUnitSat(v, unit int64) int64 {
	switch v {
	case plusInfinityVal, minusInfinityVal:
		return v
	}
	if v > 0 && v > (plusInfinityVal-1)/unit {
		return plusInfinityVal
	}
	if v < 0 && v < (minusInfinityVal+1)/unit {
		return minusInfinityVal
	}
	return v * unit
}
