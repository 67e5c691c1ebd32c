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

package utils

import (
	"unsafe"
)

type wrappingNumber interface {
	uint16 | uint32
}

// SequenceNumberUnwrapper extends a wrapping sequence number into a
// monotonically comparable int64. Each value unwraps to the representation
// nearest the last seen one, so a late out-of-order value resolves to the
// extended number it was originally sent with. The extended sequence never
// goes below zero, which keeps early reordered values usable as map keys.
type SequenceNumberUnwrapper[T wrappingNumber] struct {
	fullRange   int64
	initialized bool
	last        int64
}

func NewSequenceNumberUnwrapper[T wrappingNumber]() *SequenceNumberUnwrapper[T] {
	var t T
	return &SequenceNumberUnwrapper[T]{
		fullRange: 1 << (unsafe.Sizeof(t) * 8),
	}
}

// UnwrapWithoutUpdate returns the extended value without advancing state.
func (u *SequenceNumberUnwrapper[T]) UnwrapWithoutUpdate(val T) int64 {
	if !u.initialized {
		return int64(val)
	}

	croppedLast := T(u.last)
	delta := int64(val) - int64(croppedLast)
	if u.isNewer(val, croppedLast) {
		if delta < 0 {
			// wrap forwards
			delta += u.fullRange
		}
	} else if delta > 0 && u.last+delta-u.fullRange >= 0 {
		// val is older but the cropped difference is positive, so this is a
		// backwards wrap around. Never unwrap to a negative extended value.
		delta -= u.fullRange
	}
	return u.last + delta
}

// UpdateLast sets the reference point for subsequent unwraps.
func (u *SequenceNumberUnwrapper[T]) UpdateLast(last int64) {
	u.last = last
	u.initialized = true
}

// Unwrap returns the extended value and advances the unwrapper to it.
func (u *SequenceNumberUnwrapper[T]) Unwrap(val T) int64 {
	extended := u.UnwrapWithoutUpdate(val)
	u.UpdateLast(extended)
	return extended
}

func (u *SequenceNumberUnwrapper[T]) isNewer(val, prev T) bool {
	half := T(u.fullRange >> 1)
	if val-prev == half {
		// exactly half the range apart, break the tie on the raw values
		return val > prev
	}
	return val != prev && val-prev < half
}
