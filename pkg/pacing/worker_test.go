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
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/livekit/netem/pkg/units"
)

type collectingSender struct {
	lock sync.Mutex
	sent []*Packet
}

func (c *collectingSender) SendPacket(packet *Packet, _ units.Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.sent = append(c.sent, packet)
}

func (c *collectingSender) GeneratePadding(_ units.DataSize) []*Packet {
	return nil
}

func (c *collectingSender) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.sent)
}

func newTestWorker() (*Worker, *collectingSender) {
	sender := &collectingSender{}
	controller := NewPacingController(PacingControllerParams{
		Config: DefaultPacingControllerConfig,
		Sender: sender,
		Logger: logger.GetLogger(),
	}, units.TimestampMicros(0))
	worker := NewWorker(WorkerParams{
		Controller: controller,
		Logger:     logger.GetLogger(),
	})
	return worker, sender
}

func TestWorkerDeliversEnqueuedPackets(t *testing.T) {
	worker, sender := newTestWorker()
	defer worker.Stop()

	worker.SetPacingRates(units.DataRateKbps(10000), units.DataRateZero)
	for i := 0; i < 5; i++ {
		require.True(t, worker.Enqueue(newQueuePacket(MediaTypeVideo, 1, uint16(i), 1000)))
	}

	require.Eventually(t, func() bool { return sender.count() == 5 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPauseHoldsPackets(t *testing.T) {
	worker, sender := newTestWorker()
	defer worker.Stop()

	worker.SetPacingRates(units.DataRateKbps(10000), units.DataRateZero)
	worker.Pause()
	worker.Enqueue(newQueuePacket(MediaTypeVideo, 1, 1, 1000))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sender.count())

	worker.Resume()
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	worker, _ := newTestWorker()
	worker.Stop()
	worker.Stop()
}
