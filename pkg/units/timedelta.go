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

package units

import (
	"fmt"
	"time"
)

// TimeDelta is a signed duration in microseconds.
type TimeDelta int64

const (
	TimeDeltaZero          TimeDelta = 0
	TimeDeltaPlusInfinity  TimeDelta = plusInfinityVal
	TimeDeltaMinusInfinity TimeDelta = minusInfinityVal
)

func TimeDeltaMicros(us int64) TimeDelta {
	return TimeDelta(us)
}

func TimeDeltaMillis(ms int64) TimeDelta {
	return TimeDelta(mulUnitSat(ms, 1000))
}

func TimeDeltaSeconds(s int64) TimeDelta {
	return TimeDelta(mulUnitSat(s, 1000000))
}

func TimeDeltaFromDuration(d time.Duration) TimeDelta {
	return TimeDelta(d.Microseconds())
}

func (d TimeDelta) Micros() int64 {
	return int64(d)
}

func (d TimeDelta) Millis() int64 {
	if d.IsInfinite() {
		return int64(d)
	}
	return divRoundToNearest(int64(d), 1000)
}

func (d TimeDelta) Seconds() int64 {
	if d.IsInfinite() {
		return int64(d)
	}
	return divRoundToNearest(int64(d), 1000000)
}

func (d TimeDelta) SecondsFloat() float64 {
	return float64(d) * 1e-6
}

func (d TimeDelta) MillisFloat() float64 {
	return float64(d) * 1e-3
}

// Duration converts to a time.Duration, saturating at the representable range.
func (d TimeDelta) Duration() time.Duration {
	return time.Duration(mulUnitSat(int64(d), 1000))
}

func (d TimeDelta) IsFinite() bool {
	return !d.IsInfinite()
}

func (d TimeDelta) IsInfinite() bool {
	return d == TimeDeltaPlusInfinity || d == TimeDeltaMinusInfinity
}

func (d TimeDelta) IsPlusInfinity() bool {
	return d == TimeDeltaPlusInfinity
}

func (d TimeDelta) IsMinusInfinity() bool {
	return d == TimeDeltaMinusInfinity
}

func (d TimeDelta) Add(o TimeDelta) TimeDelta {
	return TimeDelta(addSat(int64(d), int64(o)))
}

func (d TimeDelta) Sub(o TimeDelta) TimeDelta {
	return TimeDelta(subSat(int64(d), int64(o)))
}

func (d TimeDelta) Neg() TimeDelta {
	return TimeDelta(negSat(int64(d)))
}

func (d TimeDelta) Mul(f float64) TimeDelta {
	return TimeDelta(mulScalarSat(int64(d), f))
}

// Div returns the ratio d / o. Dividing by a zero duration panics.
func (d TimeDelta) Div(o TimeDelta) float64 {
	if o == TimeDeltaZero {
		panic("units: division by zero TimeDelta")
	}
	return float64(d) / float64(o)
}

func (d TimeDelta) String() string {
	switch d {
	case TimeDeltaPlusInfinity:
		return "+inf"
	case TimeDeltaMinusInfinity:
		return "-inf"
	}
	if d%1000 == 0 {
		return fmt.Sprintf("%d ms", int64(d)/1000)
	}
	return fmt.Sprintf("%d us", int64(d))
}
