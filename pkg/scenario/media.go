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

package scenario

import (
	"github.com/pion/rtp"

	"github.com/livekit/netem/pkg/pacing"
	"github.com/livekit/netem/pkg/units"
)

const (
	cVideoPayloadType = 96
	cAudioPayloadType = 111

	cVideoClockRate = 90000
	cAudioClockRate = 48000

	// the emulated encoder will not produce below this, whatever the target
	cMinVideoRateKbps = 30

	cRtpPaddingMaxSize = 255
)

// --------------------------------------------------

// SendVideoStream produces frames at the configured frame rate, sized so
// the stream tracks the owning client's target rate, and split into packets
// no larger than the configured maximum.
type SendVideoStream struct {
	client *CallClient
	config VideoStreamConfig
	ssrc   uint32

	started      bool
	rtpSeq       uint16
	rtpTimestamp uint32
	framesSent   uint64
}

// CreateVideoStream attaches a video source to client. With Autostart set
// the stream begins producing when the scenario runs, otherwise call Start.
func (s *Scenario) CreateVideoStream(client *CallClient, config VideoStreamConfig) *SendVideoStream {
	if config.FrameRate <= 0 {
		config.FrameRate = cDefaultFrameRate
	}
	if config.MaxPacketSize.IsZero() {
		config.MaxPacketSize = units.DataSizeBytes(cDefaultMaxPacketSize)
	}

	stream := &SendVideoStream{
		client: client,
		config: config,
		ssrc:   s.allocSSRC(),
		rtpSeq: 1,
	}
	client.videoStreams = append(client.videoStreams, stream)
	if config.Autostart && client.started {
		stream.Start()
	}

	frameInterval := units.TimeDeltaMicros(1_000_000 / int64(config.FrameRate))
	s.EveryWithDelta(frameInterval, func(elapsed units.TimeDelta) {
		stream.onFrame(s.now, elapsed)
	})
	return stream
}

func (v *SendVideoStream) Start() {
	v.started = true
}

func (v *SendVideoStream) Stop() {
	v.started = false
}

func (v *SendVideoStream) Ssrc() uint32 {
	return v.ssrc
}

func (v *SendVideoStream) FramesSent() uint64 {
	return v.framesSent
}

func (v *SendVideoStream) onFrame(now units.Timestamp, elapsed units.TimeDelta) {
	if !v.started {
		return
	}
	frameSize := v.client.videoAllocation().MulTime(elapsed)
	if frameSize.IsZero() {
		return
	}
	v.sendFrame(now, frameSize)
}

func (v *SendVideoStream) sendFrame(now units.Timestamp, frameSize units.DataSize) {
	maxPacket := v.config.MaxPacketSize.Bytes()
	remaining := frameSize.Bytes()
	numPackets := (remaining + maxPacket - 1) / maxPacket
	v.rtpTimestamp += uint32(cVideoClockRate / v.config.FrameRate)

	for i := int64(0); i < numPackets; i++ {
		payloadSize := min(remaining, maxPacket)
		remaining -= payloadSize

		packet := &pacing.Packet{
			Header: &rtp.Header{
				Version:        2,
				Marker:         i == numPackets-1,
				PayloadType:    cVideoPayloadType,
				SequenceNumber: v.rtpSeq,
				Timestamp:      v.rtpTimestamp,
				SSRC:           v.ssrc,
			},
			Payload:   make([]byte, payloadSize),
			MediaType: pacing.MediaTypeVideo,
			Keyframe:  v.framesSent == 0,
		}
		v.rtpSeq++
		if !v.client.pacer.EnqueuePacket(now, packet) {
			break
		}
	}
	v.framesSent++
}

// generatePadding builds padding-only packets on this stream's SSRC adding
// up to roughly size. Padding shares the sequence number space with media
// but does not advance the media timestamp.
func (v *SendVideoStream) generatePadding(size units.DataSize) []*pacing.Packet {
	var packets []*pacing.Packet
	remaining := size.Bytes()
	for remaining > 0 {
		padding := min(remaining, int64(cRtpPaddingMaxSize))
		remaining -= padding

		packets = append(packets, &pacing.Packet{
			Header: &rtp.Header{
				Version:        2,
				PayloadType:    cVideoPayloadType,
				SequenceNumber: v.rtpSeq,
				Timestamp:      v.rtpTimestamp,
				SSRC:           v.ssrc,
			},
			PaddingSize: int(padding),
			MediaType:   pacing.MediaTypePadding,
		})
		v.rtpSeq++
	}
	return packets
}

// videoAllocation is the rate left for each running video stream after the
// audio streams take their share.
func (c *CallClient) videoAllocation() units.DataRate {
	running := 0
	for _, stream := range c.videoStreams {
		if stream.started {
			running++
		}
	}
	if running == 0 {
		return units.DataRateZero
	}

	rate := c.targetRate
	for _, stream := range c.audioStreams {
		if stream.started {
			rate = rate.Sub(stream.rate())
		}
	}
	return max(rate.Mul(1/float64(running)), units.DataRateKbps(cMinVideoRateKbps))
}

// --------------------------------------------------

// SendAudioStream produces fixed-size packets at a fixed interval,
// regardless of the client's target rate.
type SendAudioStream struct {
	client *CallClient
	config AudioStreamConfig
	ssrc   uint32

	started      bool
	rtpSeq       uint16
	rtpTimestamp uint32
}

// CreateAudioStream attaches a constant-rate audio source to client.
func (s *Scenario) CreateAudioStream(client *CallClient, config AudioStreamConfig) *SendAudioStream {
	if config.PacketInterval <= 0 {
		config.PacketInterval = units.TimeDeltaMillis(cDefaultAudioIntervalMs)
	}
	if config.PacketSize.IsZero() {
		config.PacketSize = units.DataSizeBytes(cDefaultAudioPacketSize)
	}

	stream := &SendAudioStream{
		client: client,
		config: config,
		ssrc:   s.allocSSRC(),
		rtpSeq: 1,
	}
	client.audioStreams = append(client.audioStreams, stream)
	if config.Autostart && client.started {
		stream.Start()
	}

	s.Every(config.PacketInterval, func() {
		stream.onInterval(s.now)
	})
	return stream
}

func (a *SendAudioStream) Start() {
	a.started = true
}

func (a *SendAudioStream) Stop() {
	a.started = false
}

func (a *SendAudioStream) Ssrc() uint32 {
	return a.ssrc
}

func (a *SendAudioStream) onInterval(now units.Timestamp) {
	if !a.started {
		return
	}
	a.rtpTimestamp += uint32(a.config.PacketInterval.Micros() * cAudioClockRate / 1_000_000)

	packet := &pacing.Packet{
		Header: &rtp.Header{
			Version:        2,
			PayloadType:    cAudioPayloadType,
			SequenceNumber: a.rtpSeq,
			Timestamp:      a.rtpTimestamp,
			SSRC:           a.ssrc,
		},
		Payload:   make([]byte, a.config.PacketSize.Bytes()),
		MediaType: pacing.MediaTypeAudio,
	}
	a.rtpSeq++
	a.client.pacer.EnqueuePacket(now, packet)
}

// rate is the stream's payload rate on the wire.
func (a *SendAudioStream) rate() units.DataRate {
	return a.config.PacketSize.DivTime(a.config.PacketInterval)
}
