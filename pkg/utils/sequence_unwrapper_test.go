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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceNumberUnwrapperInOrder(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	require.Equal(t, int64(10), u.Unwrap(10))
	require.Equal(t, int64(11), u.Unwrap(11))
	require.Equal(t, int64(12), u.Unwrap(12))
	// duplicate resolves to the same extended value
	require.Equal(t, int64(12), u.Unwrap(12))
}

func TestSequenceNumberUnwrapperForwardWrap(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	require.Equal(t, int64(65530), u.Unwrap(65530))
	require.Equal(t, int64(65535), u.Unwrap(65535))
	require.Equal(t, int64(65536), u.Unwrap(0))
	require.Equal(t, int64(65538), u.Unwrap(2))

	// second cycle
	for seq := int64(3); seq < 70000-65536; seq++ {
		require.Equal(t, 65536+seq, u.Unwrap(uint16(seq)))
	}
}

func TestSequenceNumberUnwrapperLateValues(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	u.Unwrap(65530)
	require.Equal(t, int64(65538), u.Unwrap(2))
	// a late value from before the wrap resolves to its original extension
	require.Equal(t, int64(65531), u.Unwrap(65531))
	// and forward progress continues from there
	require.Equal(t, int64(65539), u.Unwrap(3))
}

func TestSequenceNumberUnwrapperNeverNegative(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	require.Equal(t, int64(0), u.Unwrap(0))
	// older than the first value, but a negative extension is not allowed
	require.Equal(t, int64(65535), u.Unwrap(65535))
}

func TestSequenceNumberUnwrapperBackwardReorder(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	require.Equal(t, int64(10), u.Unwrap(10))
	require.Equal(t, int64(5), u.Unwrap(5))
	require.Equal(t, int64(11), u.Unwrap(11))
}

func TestSequenceNumberUnwrapperHalfRangeTieBreak(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	require.Equal(t, int64(0), u.Unwrap(0))
	// exactly half the range ahead counts as newer
	require.Equal(t, int64(0x8000), u.Unwrap(0x8000))
	// exactly half the range behind counts as older
	require.Equal(t, int64(0), u.Unwrap(0))
}

func TestSequenceNumberUnwrapperWithoutUpdate(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint16]()

	u.Unwrap(65534)
	require.Equal(t, int64(65536), u.UnwrapWithoutUpdate(0))
	// state did not advance
	require.Equal(t, int64(65535), u.Unwrap(65535))
	require.Equal(t, int64(65536), u.Unwrap(0))
}

func TestSequenceNumberUnwrapperUint32(t *testing.T) {
	u := NewSequenceNumberUnwrapper[uint32]()

	require.Equal(t, int64(0xffffffff), u.Unwrap(0xffffffff))
	require.Equal(t, int64(0x100000001), u.Unwrap(1))
	require.Equal(t, int64(0x100000000), u.Unwrap(0))
}
