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

import (
	"github.com/pion/rtp"

	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeRetransmission
	MediaTypeVideo
	MediaTypeForwardErrorCorrection
	MediaTypePadding

	NumMediaTypes = int(MediaTypePadding) + 1
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "AUDIO"
	case MediaTypeRetransmission:
		return "RETRANSMISSION"
	case MediaTypeVideo:
		return "VIDEO"
	case MediaTypeForwardErrorCorrection:
		return "FEC"
	case MediaTypePadding:
		return "PADDING"
	}
	return "UNKNOWN"
}

// priorityLevel maps a media type to its send priority,
// lower level is served first.
func (m MediaType) priorityLevel() int {
	switch m {
	case MediaTypeAudio:
		// Audio is always prioritized over other packet types.
		return 0
	case MediaTypeRetransmission:
		// Send retransmissions before new media.
		return 1
	case MediaTypeVideo, MediaTypeForwardErrorCorrection:
		// Send redundancy concurrently to video. If it is delayed
		// it might have a lower chance of being useful.
		return 2
	case MediaTypePadding:
		// Packets that are in themselves likely useless, only sent
		// to keep the bandwidth estimate alive.
		return 3
	}
	return 3
}

// --------------------------------------------------

type Packet struct {
	Header      *rtp.Header
	Payload     []byte
	PaddingSize int
	MediaType   MediaType
	Keyframe    bool
	Metadata    interface{}
}

func (p *Packet) Ssrc() uint32 {
	return p.Header.SSRC
}

func (p *Packet) SequenceNumber() uint16 {
	return p.Header.SequenceNumber
}

// Size is the payload plus padding, header overhead is not included.
func (p *Packet) Size() units.DataSize {
	return units.DataSizeBytes(int64(len(p.Payload) + p.PaddingSize))
}

// --------------------------------------------------
