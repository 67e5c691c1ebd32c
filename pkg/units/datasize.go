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
	"math"
)

// DataSize is an amount of data in bytes.
type DataSize int64

const (
	DataSizeZero         DataSize = 0
	DataSizePlusInfinity DataSize = plusInfinityVal
)

func DataSizeBytes(bytes int64) DataSize {
	return DataSize(bytes)
}

func (s DataSize) Bytes() int64 {
	return int64(s)
}

func (s DataSize) Bits() int64 {
	return mulUnitSat(int64(s), 8)
}

func (s DataSize) BytesFloat() float64 {
	return float64(s)
}

func (s DataSize) IsFinite() bool {
	return !s.IsInfinite()
}

func (s DataSize) IsInfinite() bool {
	return s == DataSizePlusInfinity || s == DataSize(minusInfinityVal)
}

func (s DataSize) IsZero() bool {
	return s == DataSizeZero
}

func (s DataSize) Add(o DataSize) DataSize {
	return DataSize(addSat(int64(s), int64(o)))
}

func (s DataSize) Sub(o DataSize) DataSize {
	return DataSize(subSat(int64(s), int64(o)))
}

func (s DataSize) Mul(f float64) DataSize {
	return DataSize(mulScalarSat(int64(s), f))
}

// DivTime returns the rate at which s is transferred over duration d.
// Dividing by a zero duration panics.
func (s DataSize) DivTime(d TimeDelta) DataRate {
	if d == TimeDeltaZero {
		panic("units: DataSize divided by zero TimeDelta")
	}
	if d.IsInfinite() {
		return DataRateZero
	}
	if s.IsInfinite() {
		return DataRatePlusInfinity
	}
	bps := float64(s) * 8e6 / float64(d)
	if bps >= float64(plusInfinityVal) {
		return DataRatePlusInfinity
	}
	return DataRate(math.Round(bps))
}

// DivRate returns how long transferring s takes at rate r. Dividing by a zero
// rate panics.
func (s DataSize) DivRate(r DataRate) TimeDelta {
	if r == DataRateZero {
		panic("units: DataSize divided by zero DataRate")
	}
	if r.IsInfinite() {
		return TimeDeltaZero
	}
	if s.IsInfinite() {
		return TimeDeltaPlusInfinity
	}
	us := float64(s) * 8e6 / float64(r)
	if us >= float64(plusInfinityVal) {
		return TimeDeltaPlusInfinity
	}
	return TimeDelta(math.Round(us))
}

func (s DataSize) String() string {
	if s == DataSizePlusInfinity {
		return "+inf"
	}
	if s == DataSize(minusInfinityVal) {
		return "-inf"
	}
	return fmt.Sprintf("%d bytes", int64(s))
}
