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
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/cc"
	"github.com/livekit/netem/pkg/cc/pcc"
	"github.com/livekit/netem/pkg/eventlog"
	"github.com/livekit/netem/pkg/netem"
	"github.com/livekit/netem/pkg/pacing"
	"github.com/livekit/netem/pkg/twcc"
	"github.com/livekit/netem/pkg/units"
)

const (
	cTransportSequenceNumberExtensionID = 3

	cPacerProcessIntervalMs = 5
)

// --------------------------------------------------

// CallClientStats counts a client's wire-level activity since creation.
type CallClientStats struct {
	PacketsSent     uint64
	BytesSent       units.DataSize
	PaddingSent     units.DataSize
	PacketsReceived uint64
	BytesReceived   units.DataSize
	FeedbackReports uint64
}

// CallClient is one congestion controlled endpoint of an emulated call: a
// network controller feeding a pacer, a transport stamping outgoing packets
// with transport-wide sequence numbers, and a feedback responder reporting
// arrivals back to the remote peer. Media streams attached to the client
// produce frames against the controller's target rate.
type CallClient struct {
	scenario *Scenario
	name     string
	logger   logger.Logger
	config   CallClientConfig

	controller   cc.NetworkController
	adapter      *cc.TransportFeedbackAdapter
	ackEstimator *cc.AcknowledgedBitrateEstimator
	pacer        *pacing.PacingController
	transport    *networkTransport
	feedback     *twcc.Responder

	started              bool
	targetRate           units.DataRate
	lastLoggedTargetRate units.DataRate
	lastLoggedEstimate   units.DataRate

	videoStreams []*SendVideoStream
	audioStreams []*SendAudioStream

	stats CallClientStats
}

// CreateClient builds a client and registers its pacing and feedback loops
// with the scenario clock. The client cannot send until CreateRoutes has
// installed a route for it.
func (s *Scenario) CreateClient(name string, config CallClientConfig) *CallClient {
	config = config.withDefaults()
	clientLogger := s.params.Logger.WithValues("client", name)

	c := &CallClient{
		scenario: s,
		name:     name,
		logger:   clientLogger,
		config:   config,
		adapter: cc.NewTransportFeedbackAdapter(cc.TransportFeedbackAdapterParams{
			Logger: clientLogger,
		}),
		ackEstimator: cc.NewAcknowledgedBitrateEstimator(cc.AcknowledgedBitrateEstimatorParams{
			Logger: clientLogger,
		}),
		feedback: twcc.NewResponder(twcc.ResponderParams{
			SenderSSRC: s.allocSSRC(),
			MediaSSRC:  s.allocSSRC(),
		}),
		targetRate: config.StartRate,
	}
	c.controller = pcc.NewNetworkController(pcc.NetworkControllerParams{
		Config:   cc.NetworkControllerConfig{StartingRate: config.StartRate},
		Logger:   clientLogger,
		EventLog: s.params.EventLog,
	})
	c.transport = &networkTransport{client: c, nextPacketID: 1}
	c.pacer = pacing.NewPacingController(pacing.PacingControllerParams{
		Config: pacing.DefaultPacingControllerConfig,
		Sender: c.transport,
		Logger: clientLogger,
	}, s.now)

	s.Every(units.TimeDeltaMillis(cPacerProcessIntervalMs), func() {
		c.pacer.ProcessPackets(s.now)
	})
	s.Every(config.FeedbackInterval, func() {
		c.sendPendingFeedback()
	})

	s.clients = append(s.clients, c)
	return c
}

func (c *CallClient) Name() string {
	return c.name
}

// SendBandwidth is the rate the congestion controller currently wants the
// client to send at.
func (c *CallClient) SendBandwidth() units.DataRate {
	return c.targetRate
}

// AckedBitrate is the windowed estimate of acknowledged throughput, false
// until enough feedback accumulated.
func (c *CallClient) AckedBitrate() (units.DataRate, bool) {
	return c.ackEstimator.Bitrate()
}

func (c *CallClient) Stats() CallClientStats {
	return c.stats
}

// start seeds the controller once and begins any autostart streams. Called
// by the scenario when a run begins, later calls are no-ops.
func (c *CallClient) start() {
	if c.started {
		return
	}
	c.started = true

	now := c.scenario.now
	c.applyUpdate(c.controller.OnNetworkAvailability(cc.NetworkAvailability{
		AtTime:           now,
		NetworkAvailable: true,
	}))
	c.applyUpdate(c.controller.OnTargetRateConstraints(cc.TargetRateConstraints{
		AtTime:       now,
		MinDataRate:  c.config.MinRate,
		MaxDataRate:  c.config.MaxRate,
		StartingRate: c.config.StartRate,
	}))
	// A single process message bootstraps the controller's first monitor
	// interval and pacer config, after that the control loop is driven
	// entirely by sent packets and feedback.
	c.applyUpdate(c.controller.OnProcessInterval(cc.ProcessInterval{AtTime: now}))

	for _, stream := range c.videoStreams {
		if stream.config.Autostart {
			stream.Start()
		}
	}
	for _, stream := range c.audioStreams {
		if stream.config.Autostart {
			stream.Start()
		}
	}
}

func (c *CallClient) setSendRoute(node *netem.NetworkNode, receiverID uint64) {
	c.transport.setRoute(node, receiverID)
	c.adapter.SetNetworkRoute(cc.NetworkRoute{
		LocalNetID:  uint16(receiverID),
		RemoteNetID: uint16(receiverID),
	})
}

// applyUpdate pushes new controller state into the pacer and the media
// streams' shared target rate.
func (c *CallClient) applyUpdate(update cc.NetworkControlUpdate) {
	if update.CongestionWindow != nil {
		c.pacer.SetCongestionWindow(*update.CongestionWindow)
	}
	if update.PacerConfig != nil {
		c.pacer.SetPacingRates(update.PacerConfig.DataRate(), update.PacerConfig.PadRate())
	}
	if update.TargetRate != nil {
		c.targetRate = update.TargetRate.TargetRate
		c.logControlState(update.TargetRate)
	}
}

func (c *CallClient) logControlState(target *cc.TargetTransferRate) {
	el := c.scenario.params.EventLog
	if el == nil {
		return
	}
	if target.TargetRate != c.lastLoggedTargetRate {
		el.Log(eventlog.NewTargetRateUpdateEvent(target.AtTime, target.TargetRate))
		c.lastLoggedTargetRate = target.TargetRate
	}
	if target.NetworkEstimate.Bandwidth != c.lastLoggedEstimate {
		el.Log(eventlog.NewNetworkEstimateEvent(
			target.AtTime,
			target.NetworkEstimate.Bandwidth,
			target.NetworkEstimate.RoundTripTime,
			target.NetworkEstimate.LossRateRatio,
		))
		c.lastLoggedEstimate = target.NetworkEstimate.Bandwidth
	}
}

// sendPendingFeedback reports any arrivals recorded since the previous
// report back to the remote peer.
func (c *CallClient) sendPendingFeedback() {
	pkt := c.feedback.BuildFeedbackPacket(c.scenario.now)
	if pkt == nil {
		return
	}
	c.transport.sendRtcp(pkt, c.scenario.now)
}

// generatePadding asks the first running video stream for padding packets,
// audio only clients send none.
func (c *CallClient) generatePadding(size units.DataSize) []*pacing.Packet {
	for _, stream := range c.videoStreams {
		if stream.started {
			return stream.generatePadding(size)
		}
	}
	return nil
}

// --------------------------------------------------

// TryDeliverPacket terminates a route at this client: transport feedback is
// folded into the congestion controller, media arrivals are recorded for
// the next feedback report.
func (c *CallClient) TryDeliverPacket(payload []byte, receiverID uint64, at units.Timestamp) bool {
	if isRtcpPacket(payload) {
		c.handleIncomingRtcp(payload, at)
	} else {
		c.handleIncomingRtp(payload, at)
	}
	return true
}

// isRtcpPacket demultiplexes RTP and RTCP sharing one route, RTCP packet
// types occupy 192 through 223.
func isRtcpPacket(data []byte) bool {
	return len(data) >= 2 && data[1] >= 192 && data[1] <= 223
}

func (c *CallClient) handleIncomingRtp(payload []byte, at units.Timestamp) {
	var header rtp.Header
	if _, err := header.Unmarshal(payload); err != nil {
		c.logger.Warnw("dropping unparseable rtp packet", err)
		return
	}

	c.stats.PacketsReceived++
	c.stats.BytesReceived = c.stats.BytesReceived.Add(units.DataSizeBytes(int64(len(payload))))

	if buf := header.GetExtension(cTransportSequenceNumberExtensionID); buf != nil {
		var ext rtp.TransportCCExtension
		if err := ext.Unmarshal(buf); err != nil {
			c.logger.Warnw("dropping malformed transport-cc extension", err)
			return
		}
		c.feedback.Push(ext.TransportSequence, at, header.Marker)
	}
}

func (c *CallClient) handleIncomingRtcp(payload []byte, at units.Timestamp) {
	packets, err := rtcp.Unmarshal(payload)
	if err != nil {
		c.logger.Warnw("dropping unparseable rtcp packet", err)
		return
	}
	for _, pkt := range packets {
		if fb, ok := pkt.(*rtcp.TransportLayerCC); ok {
			c.handleTransportFeedback(fb, at)
		}
	}
}

func (c *CallClient) handleTransportFeedback(fb *rtcp.TransportLayerCC, at units.Timestamp) {
	c.stats.FeedbackReports++

	msg := c.adapter.ProcessTransportFeedback(fb, at)
	if msg == nil {
		return
	}

	c.ackEstimator.IncomingPacketFeedback(msg.SortedByReceiveTime())
	c.applyUpdate(c.controller.OnTransportPacketsFeedback(*msg))
	c.pacer.UpdateOutstandingData(c.adapter.GetOutstandingData())

	if el := c.scenario.params.EventLog; el != nil {
		el.Log(eventlog.NewFeedbackEvent(at, len(msg.PacketFeedbacks), len(msg.ReceivedWithSendInfo())))
	}
}

// --------------------------------------------------

// networkTransport is the client's wire: it stamps pacer output with
// transport-wide sequence numbers, keeps the feedback adapter's send
// history and drops everything on the floor until a route is installed.
type networkTransport struct {
	client *CallClient

	node       *netem.NetworkNode
	receiverID uint64

	nextPacketID uint16
}

func (t *networkTransport) setRoute(node *netem.NetworkNode, receiverID uint64) {
	t.node = node
	t.receiverID = receiverID
}

func (t *networkTransport) SendPacket(packet *pacing.Packet, at units.Timestamp) {
	if t.node == nil {
		return
	}

	seq := t.nextPacketID
	t.nextPacketID++

	raw, err := t.marshalPacket(packet, seq)
	if err != nil {
		t.client.logger.Errorw("could not marshal rtp packet", err)
		return
	}
	size := units.DataSizeBytes(int64(len(raw)))

	c := t.client
	c.adapter.AddPacket(cc.RtpPacketSendInfo{
		SSRC:                    packet.Header.SSRC,
		TransportSequenceNumber: seq,
		RTPSequenceNumber:       packet.Header.SequenceNumber,
		Length:                  size,
		PacingInfo:              cc.PacedPacketInfo{ProbeClusterID: cc.NotAProbe},
	}, units.DataSizeZero, at)

	t.node.TryDeliverPacket(raw, t.receiverID, at)

	if sent := c.adapter.ProcessSentPacket(cc.SentPacketInfo{
		PacketID:           int64(seq),
		SendTime:           at,
		Size:               size,
		IncludedInFeedback: true,
	}); sent != nil {
		c.applyUpdate(c.controller.OnSentPacket(*sent))
	}
	c.pacer.UpdateOutstandingData(c.adapter.GetOutstandingData())

	c.stats.PacketsSent++
	c.stats.BytesSent = c.stats.BytesSent.Add(size)
	if packet.MediaType == pacing.MediaTypePadding {
		c.stats.PaddingSent = c.stats.PaddingSent.Add(size)
	}
	if el := c.scenario.params.EventLog; el != nil {
		el.Log(eventlog.NewPacketSentEvent(at, int64(seq), size, packet.MediaType == pacing.MediaTypePadding))
	}
}

// marshalPacket serializes header, payload and padding, with the
// transport-wide sequence number stamped into the header extension.
func (t *networkTransport) marshalPacket(packet *pacing.Packet, seq uint16) ([]byte, error) {
	ext, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
	if err != nil {
		return nil, err
	}

	header := *packet.Header
	header.Extension = false
	header.ExtensionProfile = 0
	header.Extensions = nil
	if err = header.SetExtension(cTransportSequenceNumberExtensionID, ext); err != nil {
		return nil, err
	}

	payload := packet.Payload
	if packet.PaddingSize > 0 {
		header.Padding = true
		padding := make([]byte, packet.PaddingSize)
		padding[len(padding)-1] = byte(packet.PaddingSize)
		payload = append(payload, padding...)
	}

	raw, err := header.Marshal()
	if err != nil {
		return nil, err
	}
	return append(raw, payload...), nil
}

func (t *networkTransport) GeneratePadding(size units.DataSize) []*pacing.Packet {
	return t.client.generatePadding(size)
}

// sendRtcp puts a feedback packet on the wire outside the pacer and the
// congestion controller's accounting.
func (t *networkTransport) sendRtcp(pkt []byte, at units.Timestamp) {
	if t.node == nil {
		return
	}
	t.node.TryDeliverPacket(pkt, t.receiverID, at)
}
