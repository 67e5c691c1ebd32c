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
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
)

// --------------------------------------------------

type WorkerParams struct {
	Controller *PacingController
	Logger     logger.Logger
}

// Worker drives a PacingController off the wall clock. Timestamps start
// at zero when the worker is created and advance monotonically. Sender
// callbacks run on the worker goroutine.
type Worker struct {
	params WorkerParams

	lock sync.Mutex
	base time.Time
	stop core.Fuse
}

func NewWorker(params WorkerParams) *Worker {
	w := &Worker{
		params: params,
		base:   time.Now(),
	}

	go w.processWorker()
	return w
}

func (w *Worker) now() units.Timestamp {
	return units.TimestampMicros(time.Since(w.base).Microseconds())
}

func (w *Worker) Enqueue(packet *Packet) bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.params.Controller.EnqueuePacket(w.now(), packet)
}

func (w *Worker) SetPacingRates(pacingRate units.DataRate, paddingRate units.DataRate) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.params.Controller.SetPacingRates(pacingRate, paddingRate)
}

func (w *Worker) Pause() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.params.Controller.Pause(w.now())
}

func (w *Worker) Resume() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.params.Controller.Resume(w.now())
}

func (w *Worker) Stop() {
	w.stop.Break()
}

func (w *Worker) processWorker() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-w.stop.Watch():
			return
		}

		w.lock.Lock()
		w.params.Controller.ProcessPackets(w.now())
		wait := w.params.Controller.NextSendTime().Sub(w.now())
		w.lock.Unlock()

		if wait < units.TimeDeltaZero {
			wait = units.TimeDeltaZero
		}
		timer.Reset(wait.Duration())
	}
}

// --------------------------------------------------
