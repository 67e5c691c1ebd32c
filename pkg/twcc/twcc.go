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

// Package twcc builds transport-wide congestion control feedback packets on
// the receive side, per
// https://tools.ietf.org/html/draft-holmer-rmcat-transport-wide-cc-extensions-01
package twcc

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/rtcp"

	"github.com/livekit/netem/pkg/units"
)

const (
	baseSequenceNumberOffset = 8
	packetStatusCountOffset  = 10
	referenceTimeOffset      = 12

	// reference time ticks are 64 ms, receive deltas 250 us
	cRefTimeUs = 64_000
	cDeltaUs   = 250

	cReportIntervalUs          = 100_000
	cReportIntervalAfterMarkUs = 50_000
	cMinPacketsPerReport       = 20
	cMaxPacketsPerReport       = 100
)

type receivedPacket struct {
	extSeq    uint32
	arrivalUs int64
	received  bool
}

type ResponderParams struct {
	SenderSSRC uint32
	MediaSSRC  uint32
}

// Responder records the transport-wide sequence number and arrival time of
// every received packet and periodically assembles them into an RTCP
// transport-layer feedback packet for the sender.
type Responder struct {
	sync.Mutex

	params ResponderParams

	received   []receivedPacket
	lastReport units.Timestamp
	cycles     uint32
	lastSeq    uint16
	lastExtSeq uint32
	fbPktCount uint8

	len      uint16
	deltaLen uint16
	payload  [100]byte
	deltas   [200]byte
	chunk    uint16

	onFeedback func(packet rtcp.RawPacket)
}

func NewResponder(params ResponderParams) *Responder {
	return &Responder{
		params:   params,
		received: make([]receivedPacket, 0, cMaxPacketsPerReport+1),
	}
}

// OnFeedback sets the callback invoked with each assembled feedback packet.
func (t *Responder) OnFeedback(f func(packet rtcp.RawPacket)) {
	t.Lock()
	t.onFeedback = f
	t.Unlock()
}

// Push records the arrival of the packet carrying transport-wide sequence
// number seq. A feedback packet is emitted once enough packets or time
// accumulated, sooner when a marker bit signals a frame boundary.
func (t *Responder) Push(seq uint16, at units.Timestamp, marker bool) {
	t.Lock()
	defer t.Unlock()

	if seq < 0x0fff && (t.lastSeq&0xffff) > 0xf000 {
		t.cycles += 1 << 16
	}
	t.received = append(t.received, receivedPacket{
		extSeq:    t.cycles | uint32(seq),
		arrivalUs: at.Micros(),
		received:  true,
	})
	if t.lastReport == 0 {
		t.lastReport = at
	}
	t.lastSeq = seq

	// without a feedback consumer keep accumulating for BuildFeedbackPacket
	if t.onFeedback == nil {
		return
	}

	sinceReport := at.Sub(t.lastReport)
	if len(t.received) > cMinPacketsPerReport &&
		(sinceReport >= cReportIntervalUs ||
			len(t.received) > cMaxPacketsPerReport ||
			(marker && sinceReport >= cReportIntervalAfterMarkUs)) {
		if pkt := t.buildFeedbackLocked(); pkt != nil {
			t.onFeedback(pkt)
		}
		t.lastReport = at
	}
}

// BuildFeedbackPacket assembles a feedback packet from whatever arrivals are
// pending, or returns nil when there is nothing to report. Used by pollers
// that want a fixed feedback cadence instead of the Push-driven one.
func (t *Responder) BuildFeedbackPacket(at units.Timestamp) rtcp.RawPacket {
	t.Lock()
	defer t.Unlock()

	pkt := t.buildFeedbackLocked()
	if pkt != nil {
		t.lastReport = at
	}
	return pkt
}

func (t *Responder) buildFeedbackLocked() rtcp.RawPacket {
	if len(t.received) == 0 {
		return nil
	}
	sort.Slice(t.received, func(i, j int) bool {
		return t.received[i].extSeq < t.received[j].extSeq
	})

	// fill the gaps between received sequence numbers with loss entries so
	// the sender sees a contiguous status range
	statuses := make([]receivedPacket, 0, int(float64(len(t.received))*1.2))
	for _, rp := range t.received {
		if rp.extSeq < t.lastExtSeq {
			continue
		}
		if t.lastExtSeq != 0 {
			for missing := t.lastExtSeq + 1; missing < rp.extSeq; missing++ {
				statuses = append(statuses, receivedPacket{extSeq: missing})
			}
		}
		t.lastExtSeq = rp.extSeq
		statuses = append(statuses, rp)
	}
	t.received = t.received[:0]
	if len(statuses) == 0 {
		return nil
	}

	firstRecv := false
	same := true
	timestampUs := int64(0)
	lastStatus := uint16(rtcp.TypeTCCPacketReceivedWithoutDelta)
	maxStatus := uint16(rtcp.TypeTCCPacketNotReceived)

	var statusList deque.Deque[uint16]
	statusList.SetMinCapacity(3)

	for _, stat := range statuses {
		status := uint16(rtcp.TypeTCCPacketNotReceived)
		if stat.received {
			if !firstRecv {
				firstRecv = true
				refTime := stat.arrivalUs / cRefTimeUs
				timestampUs = refTime * cRefTimeUs
				t.writeHeader(
					uint16(statuses[0].extSeq),
					uint16(len(statuses)),
					uint32(refTime),
				)
				t.fbPktCount++
			}

			delta := (stat.arrivalUs - timestampUs) / cDeltaUs
			if delta < 0 || delta > 255 {
				status = rtcp.TypeTCCPacketReceivedLargeDelta
				clamped := int16(delta)
				if int64(clamped) != delta {
					if clamped > 0 {
						clamped = math.MaxInt16
					} else {
						clamped = math.MinInt16
					}
				}
				t.writeDelta(status, uint16(clamped))
			} else {
				status = rtcp.TypeTCCPacketReceivedSmallDelta
				t.writeDelta(status, uint16(delta))
			}
			timestampUs = stat.arrivalUs
		}

		if same && status != lastStatus && lastStatus != rtcp.TypeTCCPacketReceivedWithoutDelta {
			if statusList.Len() > 7 {
				t.writeRunLengthChunk(lastStatus, uint16(statusList.Len()))
				statusList.Clear()
				lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
				maxStatus = rtcp.TypeTCCPacketNotReceived
				same = true
			} else {
				same = false
			}
		}
		statusList.PushBack(status)
		if status > maxStatus {
			maxStatus = status
		}
		lastStatus = status

		if !same && maxStatus == rtcp.TypeTCCPacketReceivedLargeDelta && statusList.Len() > 6 {
			for i := 0; i < 7; i++ {
				t.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit, statusList.PopFront(), i)
			}
			t.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit)
			lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
			maxStatus = rtcp.TypeTCCPacketNotReceived
			same = true

			for i := 0; i < statusList.Len(); i++ {
				status = statusList.At(i)
				if status > maxStatus {
					maxStatus = status
				}
				if same && lastStatus != rtcp.TypeTCCPacketReceivedWithoutDelta && status != lastStatus {
					same = false
				}
				lastStatus = status
			}
		} else if !same && statusList.Len() > 13 {
			for i := 0; i < 14; i++ {
				t.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit, statusList.PopFront(), i)
			}
			t.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit)
			lastStatus = rtcp.TypeTCCPacketReceivedWithoutDelta
			maxStatus = rtcp.TypeTCCPacketNotReceived
			same = true
		}
	}

	if statusList.Len() > 0 {
		if same {
			t.writeRunLengthChunk(lastStatus, uint16(statusList.Len()))
		} else if maxStatus == rtcp.TypeTCCPacketReceivedLargeDelta {
			for i := 0; i < statusList.Len(); i++ {
				t.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit, statusList.PopFront(), i)
			}
			t.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeTwoBit)
		} else {
			for i := 0; i < statusList.Len(); i++ {
				t.createStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit, statusList.PopFront(), i)
			}
			t.writeStatusSymbolChunk(rtcp.TypeTCCSymbolSizeOneBit)
		}
	}

	pLen := t.len + t.deltaLen + 4
	pad := pLen%4 != 0
	var padSize uint8
	for pLen%4 != 0 {
		padSize++
		pLen++
	}
	hdr := rtcp.Header{
		Padding: pad,
		Length:  (pLen / 4) - 1,
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
	}
	hb, _ := hdr.Marshal()
	pkt := make(rtcp.RawPacket, pLen)
	copy(pkt, hb)
	copy(pkt[4:], t.payload[:t.len])
	copy(pkt[4+t.len:], t.deltas[:t.deltaLen])
	if pad {
		pkt[len(pkt)-1] = padSize
	}
	t.deltaLen = 0
	return pkt
}

func (t *Responder) writeHeader(bSN, packetCount uint16, refTime uint32) {
	/*
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                     SSRC of packet sender                     |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                      SSRC of media source                     |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |      base sequence number     |      packet status count      |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |                 reference time                | fb pkt. count |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	binary.BigEndian.PutUint32(t.payload[0:], t.params.SenderSSRC)
	binary.BigEndian.PutUint32(t.payload[4:], t.params.MediaSSRC)
	binary.BigEndian.PutUint16(t.payload[baseSequenceNumberOffset:], bSN)
	binary.BigEndian.PutUint16(t.payload[packetStatusCountOffset:], packetCount)
	binary.BigEndian.PutUint32(t.payload[referenceTimeOffset:], refTime<<8|uint32(t.fbPktCount))
	t.len = 16
}

func (t *Responder) writeRunLengthChunk(symbol uint16, runLength uint16) {
	/*
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |T| S |       Run Length        |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	binary.BigEndian.PutUint16(t.payload[t.len:], symbol<<13|runLength)
	t.len += 2
}

func (t *Responder) createStatusSymbolChunk(symbolSize, symbol uint16, i int) {
	/*
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |T|S|       symbol list         |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	numOfBits := symbolSize + 1
	t.chunk = setNBitsOfUint16(t.chunk, numOfBits, numOfBits*uint16(i)+2, symbol)
}

func (t *Responder) writeStatusSymbolChunk(symbolSize uint16) {
	t.chunk = setNBitsOfUint16(t.chunk, 1, 0, 1)
	t.chunk = setNBitsOfUint16(t.chunk, 1, 1, symbolSize)
	binary.BigEndian.PutUint16(t.payload[t.len:], t.chunk)
	t.chunk = 0
	t.len += 2
}

func (t *Responder) writeDelta(deltaType, delta uint16) {
	if deltaType == rtcp.TypeTCCPacketReceivedSmallDelta {
		t.deltas[t.deltaLen] = byte(delta)
		t.deltaLen++
		return
	}
	binary.BigEndian.PutUint16(t.deltas[t.deltaLen:], delta)
	t.deltaLen += 2
}

// setNBitsOfUint16 truncates val to size bits, left-shifts it to startIndex
// and merges it into src.
func setNBitsOfUint16(src, size, startIndex, val uint16) uint16 {
	if startIndex+size > 16 {
		return 0
	}
	val &= (1 << size) - 1
	return src | (val << (16 - size - startIndex))
}
