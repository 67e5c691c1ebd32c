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

import "fmt"

// Timestamp is a point in time, in microseconds since an arbitrary per-source
// epoch. Timestamps from independently clocked sources are not comparable.
type Timestamp int64

const (
	TimestampPlusInfinity  Timestamp = plusInfinityVal
	TimestampMinusInfinity Timestamp = minusInfinityVal
)

func TimestampMicros(us int64) Timestamp {
	return Timestamp(us)
}

func TimestampMillis(ms int64) Timestamp {
	return Timestamp(mulUnitSat(ms, 1000))
}

func TimestampSeconds(s int64) Timestamp {
	return Timestamp(mulUnitSat(s, 1000000))
}

func (t Timestamp) Micros() int64 {
	return int64(t)
}

func (t Timestamp) Millis() int64 {
	if t.IsInfinite() {
		return int64(t)
	}
	return divRoundToNearest(int64(t), 1000)
}

func (t Timestamp) Seconds() int64 {
	if t.IsInfinite() {
		return int64(t)
	}
	return divRoundToNearest(int64(t), 1000000)
}

func (t Timestamp) SecondsFloat() float64 {
	return float64(t) * 1e-6
}

func (t Timestamp) IsFinite() bool {
	return !t.IsInfinite()
}

func (t Timestamp) IsInfinite() bool {
	return t == TimestampPlusInfinity || t == TimestampMinusInfinity
}

func (t Timestamp) IsPlusInfinity() bool {
	return t == TimestampPlusInfinity
}

func (t Timestamp) IsMinusInfinity() bool {
	return t == TimestampMinusInfinity
}

func (t Timestamp) Add(d TimeDelta) Timestamp {
	return Timestamp(addSat(int64(t), int64(d)))
}

// Sub returns the duration t - o.
func (t Timestamp) Sub(o Timestamp) TimeDelta {
	return TimeDelta(subSat(int64(t), int64(o)))
}

func (t Timestamp) After(o Timestamp) bool {
	return t > o
}

func (t Timestamp) Before(o Timestamp) bool {
	return t < o
}

func (t Timestamp) String() string {
	switch t {
	case TimestampPlusInfinity:
		return "+inf"
	case TimestampMinusInfinity:
		return "-inf"
	}
	if t%1000 == 0 {
		return fmt.Sprintf("%d ms", int64(t)/1000)
	}
	return fmt.Sprintf("%d us", int64(t))
}
