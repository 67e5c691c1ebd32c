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

package pcc

import (
	"github.com/livekit/netem/pkg/cc"
	"github.com/livekit/netem/pkg/units"
)

// rttTracker keeps an exponential moving average of the round trip
// time, measured as the span from packet send to feedback arrival.
type rttTracker struct {
	rttEstimate units.TimeDelta
	alpha       float64
}

func newRttTracker(initialRtt units.TimeDelta, alpha float64) *rttTracker {
	return &rttTracker{
		rttEstimate: initialRtt,
		alpha:       alpha,
	}
}

func (r *rttTracker) OnPacketsFeedback(packetFeedbacks []cc.PacketResult, feedbackReceivedTime units.Timestamp) {
	packetRtt := units.TimeDeltaMillis(-1)
	for _, packetResult := range packetFeedbacks {
		if packetResult.ReceiveTime.IsInfinite() {
			continue
		}
		packetRtt = max(packetRtt, feedbackReceivedTime.Sub(packetResult.SentPacket.SendTime))
	}
	if packetRtt.Micros() > 0 {
		r.rttEstimate = r.rttEstimate.Mul(1 - r.alpha).Add(packetRtt.Mul(r.alpha))
	}
}

func (r *rttTracker) GetRtt() units.TimeDelta {
	return r.rttEstimate
}
