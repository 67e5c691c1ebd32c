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

// DataRate is a bit rate in bits per second.
type DataRate int64

const (
	DataRateZero         DataRate = 0
	DataRatePlusInfinity DataRate = plusInfinityVal
)

func DataRateBitsPerSec(bps int64) DataRate {
	return DataRate(bps)
}

func DataRateKbps(kbps int64) DataRate {
	return DataRate(mulUnitSat(kbps, 1000))
}

func DataRateBytesPerSec(bytesPerSec int64) DataRate {
	return DataRate(mulUnitSat(bytesPerSec, 8))
}

func (r DataRate) BitsPerSec() int64 {
	return int64(r)
}

func (r DataRate) Kbps() int64 {
	if r.IsInfinite() {
		return int64(r)
	}
	return divRoundToNearest(int64(r), 1000)
}

func (r DataRate) KbpsFloat() float64 {
	return float64(r) * 1e-3
}

func (r DataRate) BitsPerSecFloat() float64 {
	return float64(r)
}

func (r DataRate) BytesPerSecFloat() float64 {
	return float64(r) / 8
}

func (r DataRate) IsFinite() bool {
	return !r.IsInfinite()
}

func (r DataRate) IsInfinite() bool {
	return r == DataRatePlusInfinity || r == DataRate(minusInfinityVal)
}

func (r DataRate) IsZero() bool {
	return r == DataRateZero
}

func (r DataRate) Add(o DataRate) DataRate {
	return DataRate(addSat(int64(r), int64(o)))
}

func (r DataRate) Sub(o DataRate) DataRate {
	return DataRate(subSat(int64(r), int64(o)))
}

func (r DataRate) Mul(f float64) DataRate {
	return DataRate(mulScalarSat(int64(r), f))
}

// MulTime returns the amount of data transferred at rate r over duration d.
func (r DataRate) MulTime(d TimeDelta) DataSize {
	if r.IsInfinite() || d.IsInfinite() {
		return DataSizePlusInfinity
	}
	bytes := float64(r) * float64(d) / 8e6
	if bytes >= float64(plusInfinityVal) {
		return DataSizePlusInfinity
	}
	return DataSize(math.Round(bytes))
}

func (r DataRate) String() string {
	if r == DataRatePlusInfinity {
		return "+inf"
	}
	if r == DataRate(minusInfinityVal) {
		return "-inf"
	}
	if r%1000 == 0 {
		return fmt.Sprintf("%d kbps", int64(r)/1000)
	}
	return fmt.Sprintf("%d bps", int64(r))
}
