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

package cc

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
	"github.com/livekit/netem/pkg/utils"
)

// --------------------------------------------------

// packets older than this are dropped from the send history
const cSendTimeHistoryWindow = units.TimeDelta(60 * 1_000_000)

// --------------------------------------------------

// NetworkRoute identifies the local/remote network pair a packet was sent on.
type NetworkRoute struct {
	LocalNetID  uint16
	RemoteNetID uint16
}

type packetFeedback struct {
	creationTime units.Timestamp
	sent         SentPacket
	// receiveTime is stamped with the receiver's clock,
	// TimestampPlusInfinity until the packet is reported received
	receiveTime units.Timestamp
	route       NetworkRoute
}

// --------------------------------------------------

type inFlightBytesTracker struct {
	inFlightData map[NetworkRoute]units.DataSize
}

func newInFlightBytesTracker() inFlightBytesTracker {
	return inFlightBytesTracker{
		inFlightData: make(map[NetworkRoute]units.DataSize),
	}
}

func (t *inFlightBytesTracker) addInFlightPacketBytes(packet packetFeedback) {
	t.inFlightData[packet.route] = t.inFlightData[packet.route].Add(packet.sent.Size)
}

func (t *inFlightBytesTracker) removeInFlightPacketBytes(packet packetFeedback) {
	if packet.sent.SendTime.IsInfinite() {
		return
	}
	size, ok := t.inFlightData[packet.route]
	if !ok {
		return
	}
	size = size.Sub(packet.sent.Size)
	if size.IsZero() {
		delete(t.inFlightData, packet.route)
		return
	}
	t.inFlightData[packet.route] = size
}

func (t *inFlightBytesTracker) getOutstandingData(route NetworkRoute) units.DataSize {
	return t.inFlightData[route]
}

// --------------------------------------------------

type TransportFeedbackAdapterParams struct {
	Logger logger.Logger
}

// TransportFeedbackAdapter correlates sent packets with transport-wide
// feedback reports. It keeps a bounded send history keyed by unwrapped
// transport sequence number and tracks the bytes in flight per network
// route.
type TransportFeedbackAdapter struct {
	params TransportFeedbackAdapterParams

	lock sync.Mutex

	pendingUntrackedSize  units.DataSize
	lastSendTime          units.Timestamp
	lastUntrackedSendTime units.Timestamp
	seqNumUnwrapper       *utils.SequenceNumberUnwrapper[uint16]
	history               *orderedmap.OrderedMap[int64, packetFeedback]

	// sequence numbers are never negative, so -1 sorts before any real one
	lastAckSeqNum int64
	inFlight      inFlightBytesTracker

	currentOffset units.Timestamp
	lastBaseTime  units.Timestamp
	feedbackTimes *twccFeedback

	route NetworkRoute
}

func NewTransportFeedbackAdapter(params TransportFeedbackAdapterParams) *TransportFeedbackAdapter {
	return &TransportFeedbackAdapter{
		params:                params,
		lastSendTime:          units.TimestampMinusInfinity,
		lastUntrackedSendTime: units.TimestampMinusInfinity,
		seqNumUnwrapper:       utils.NewSequenceNumberUnwrapper[uint16](),
		history:               orderedmap.NewOrderedMap[int64, packetFeedback](),
		lastAckSeqNum:         -1,
		inFlight:              newInFlightBytesTracker(),
		currentOffset:         units.TimestampMinusInfinity,
		lastBaseTime:          units.TimestampMinusInfinity,
		feedbackTimes:         newTWCCFeedback(twccFeedbackParams{Logger: params.Logger}),
	}
}

// AddPacket records a packet that is about to be handed to the wire. The
// overhead is added to the packet length so in-flight accounting matches
// what the link actually carries.
func (a *TransportFeedbackAdapter) AddPacket(packetInfo RtpPacketSendInfo, overhead units.DataSize, creationTime units.Timestamp) {
	a.lock.Lock()
	defer a.lock.Unlock()

	packet := packetFeedback{
		creationTime: creationTime,
		sent: SentPacket{
			SequenceNumber: a.seqNumUnwrapper.Unwrap(packetInfo.TransportSequenceNumber),
			Size:           packetInfo.Length.Add(overhead),
			SendTime:       units.TimestampMinusInfinity,
			PacingInfo:     packetInfo.PacingInfo,
		},
		receiveTime: units.TimestampPlusInfinity,
		route:       a.route,
	}

	for a.history.Len() > 0 {
		el := a.history.Front()
		if creationTime.Sub(el.Value.creationTime) <= cSendTimeHistoryWindow {
			break
		}
		if el.Value.sent.SequenceNumber > a.lastAckSeqNum {
			a.inFlight.removeInFlightPacketBytes(el.Value)
		}
		a.history.Delete(el.Key)
	}
	a.history.Set(packet.sent.SequenceNumber, packet)
}

// ProcessSentPacket marks a tracked packet as on the wire and returns its
// send record, or nil for untracked and retransmitted sends. Data sent with
// IncludedInAllocation but no transport sequence number is accumulated and
// attributed to the next tracked packet.
func (a *TransportFeedbackAdapter) ProcessSentPacket(sentPacket SentPacketInfo) *SentPacket {
	a.lock.Lock()
	defer a.lock.Unlock()

	sendTime := sentPacket.SendTime
	if sentPacket.IncludedInFeedback || sentPacket.PacketID != -1 {
		unwrappedSeqNum := a.seqNumUnwrapper.Unwrap(uint16(sentPacket.PacketID))
		packet, ok := a.history.Get(unwrappedSeqNum)
		if !ok {
			return nil
		}

		packetRetransmit := packet.sent.SendTime.IsFinite()
		packet.sent.SendTime = sendTime
		if sendTime.After(a.lastSendTime) {
			a.lastSendTime = sendTime
		}
		if !a.pendingUntrackedSize.IsZero() {
			if sendTime.Before(a.lastUntrackedSendTime) {
				a.params.Logger.Warnw(
					"appending acknowledged data for out of order packet", nil,
					"diff", a.lastUntrackedSendTime.Sub(sendTime),
				)
			}
			packet.sent.PriorUnackedData = packet.sent.PriorUnackedData.Add(a.pendingUntrackedSize)
			a.pendingUntrackedSize = units.DataSizeZero
		}
		if !packetRetransmit {
			if packet.sent.SequenceNumber > a.lastAckSeqNum {
				a.inFlight.addInFlightPacketBytes(packet)
			}
			packet.sent.DataInFlight = a.inFlight.getOutstandingData(a.route)
			a.history.Set(unwrappedSeqNum, packet)

			sent := packet.sent
			return &sent
		}
		a.history.Set(unwrappedSeqNum, packet)
	} else if sentPacket.IncludedInAllocation {
		if sendTime.Before(a.lastSendTime) {
			a.params.Logger.Warnw("ignoring untracked data for out of order packet", nil)
		}
		a.pendingUntrackedSize = a.pendingUntrackedSize.Add(sentPacket.Size)
		if sendTime.After(a.lastUntrackedSendTime) {
			a.lastUntrackedSendTime = sendTime
		}
	}
	return nil
}

// ProcessTransportFeedback maps one feedback report back onto the packets
// this side sent. Returns nil when the report contains nothing usable.
func (a *TransportFeedbackAdapter) ProcessTransportFeedback(feedback *rtcp.TransportLayerCC, feedbackReceiveTime units.Timestamp) *TransportPacketsFeedback {
	a.lock.Lock()
	defer a.lock.Unlock()

	if feedback.PacketStatusCount == 0 {
		a.params.Logger.Infow("empty transport feedback packet received")
		return nil
	}

	msg := &TransportPacketsFeedback{
		FeedbackTime:         feedbackReceiveTime,
		FirstUnackedSendTime: units.TimestampPlusInfinity,
		PriorInFlight:        a.inFlight.getOutstandingData(a.route),
	}
	msg.PacketFeedbacks = a.processTransportFeedbackInner(feedback, feedbackReceiveTime)
	if len(msg.PacketFeedbacks) == 0 {
		return nil
	}

	if packet, ok := a.history.Get(a.lastAckSeqNum); ok {
		msg.FirstUnackedSendTime = packet.sent.SendTime
	}
	msg.DataInFlight = a.inFlight.getOutstandingData(a.route)

	return msg
}

// SetNetworkRoute switches the route new packets are attributed to.
// Packets from a previous route keep their in-flight accounting until
// acked or pruned.
func (a *TransportFeedbackAdapter) SetNetworkRoute(route NetworkRoute) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.route = route
}

// GetOutstandingData returns the bytes in flight on the current route.
func (a *TransportFeedbackAdapter) GetOutstandingData() units.DataSize {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.inFlight.getOutstandingData(a.route)
}

func (a *TransportFeedbackAdapter) processTransportFeedbackInner(feedback *rtcp.TransportLayerCC, feedbackTime units.Timestamp) []PacketResult {
	// Receive deltas accumulate onto a local time base anchored on the first
	// report's arrival. This is not the receiver's true time base, but it
	// keeps receive times easy to inspect alongside local ones.
	baseTimeUs, _ := a.feedbackTimes.ProcessReport(feedback, feedbackTime)
	baseTime := units.TimestampMicros(baseTimeUs)
	if a.lastBaseTime.IsInfinite() {
		a.currentOffset = feedbackTime
	} else {
		a.currentOffset = a.currentOffset.Add(roundDownToMillis(baseTime.Sub(a.lastBaseTime)))
	}
	a.lastBaseTime = baseTime

	results := make([]PacketResult, 0, feedback.PacketStatusCount)

	failedLookups := 0
	ignored := 0
	packetOffset := units.TimeDeltaZero
	deltaIdx := 0

	processStatus := func(sequenceNumber uint16, symbol uint16) {
		received := symbol == rtcp.TypeTCCPacketReceivedSmallDelta || symbol == rtcp.TypeTCCPacketReceivedLargeDelta
		var delta units.TimeDelta
		if received {
			if deltaIdx < len(feedback.RecvDeltas) {
				delta = units.TimeDeltaMicros(feedback.RecvDeltas[deltaIdx].Delta)
			}
			deltaIdx++
		}

		seqNum := a.seqNumUnwrapper.Unwrap(sequenceNumber)
		if seqNum > a.lastAckSeqNum {
			// newly acked packets leave the in-flight account, whether
			// they were received or not
			for el := a.history.Front(); el != nil && el.Key <= seqNum; el = el.Next() {
				if el.Key > a.lastAckSeqNum {
					a.inFlight.removeInFlightPacketBytes(el.Value)
				}
			}
			a.lastAckSeqNum = seqNum
		}

		packet, ok := a.history.Get(seqNum)
		if !ok {
			failedLookups++
			return
		}

		if packet.sent.SendTime.IsInfinite() {
			a.params.Logger.Errorw("received feedback before packet was indicated as sent", nil)
			return
		}

		if received {
			packetOffset = packetOffset.Add(delta)
			packet.receiveTime = a.currentOffset.Add(roundDownToMillis(packetOffset))
			// lost packets stay in the history, a later report may still
			// flag them as received
			a.history.Delete(seqNum)
		}
		if packet.route == a.route {
			results = append(results, PacketResult{
				SentPacket:  packet.sent,
				ReceiveTime: packet.receiveTime,
			})
		} else {
			ignored++
		}
	}

	sequenceNumber := feedback.BaseSequenceNumber
	endSequenceNumberExclusive := sequenceNumber + feedback.PacketStatusCount
	for _, chunk := range feedback.PacketChunks {
		if sequenceNumber == endSequenceNumberExclusive {
			break
		}

		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				processStatus(sequenceNumber, c.PacketStatusSymbol)
				sequenceNumber++
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}
			}

		case *rtcp.StatusVectorChunk:
			for _, symbol := range c.SymbolList {
				processStatus(sequenceNumber, symbol)
				sequenceNumber++
				if sequenceNumber == endSequenceNumberExclusive {
					break
				}
			}
		}
	}

	if failedLookups > 0 {
		a.params.Logger.Warnw(
			"failed to lookup send time", nil,
			"packets", failedLookups,
		)
	}
	if ignored > 0 {
		a.params.Logger.Infow("ignoring packets sent on a different route", "packets", ignored)
	}

	return results
}

// roundDownToMillis truncates to whole milliseconds.
func roundDownToMillis(d units.TimeDelta) units.TimeDelta {
	return units.TimeDelta(d.Micros() / 1000 * 1000)
}
