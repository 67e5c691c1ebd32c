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

// Package eventlog collects control-loop events on a single serializing task
// queue and encodes them into attached outputs for offline analysis.
package eventlog

import (
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/netem/pkg/units"
)

const (
	cMaxEventsInHistory = 10000

	// Config events are kept for the lifetime of the log so that outputs
	// attached late still see them. The cap only bounds memory against
	// pathological churn.
	cMaxEventsInConfigHistory = 1000
)

// OutputPeriodImmediate makes the log flush after every event instead of
// batching writes on a timer.
const OutputPeriodImmediate time.Duration = 0

// --------------------------------------------------

type EventLogParams struct {
	Logger logger.Logger
}

// EventLog buffers events while stopped and streams them to an output while
// started. All mutation happens on an internal task queue; Log may be called
// from any goroutine.
type EventLog struct {
	params EventLogParams

	queue *workerpool.WorkerPool

	// id of the goroutine currently executing a queue task, 0 when idle
	runningGoID atomic.Uint64

	// remaining fields are owned by the task queue
	history                deque.Deque[Event]
	configHistory          deque.Deque[Event]
	numConfigEventsWritten int

	output          Output
	outputPeriod    time.Duration
	lastOutput      time.Time
	outputScheduled bool
}

func NewEventLog(params EventLogParams) *EventLog {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	e := &EventLog{
		params: params,
		queue:  workerpool.New(1),
	}
	e.history.SetMinCapacity(9)
	e.configHistory.SetMinCapacity(6)
	return e
}

// post serializes task onto the logging queue, recording which goroutine is
// inside the queue so StopLogging can detect being called from it.
func (e *EventLog) post(task func()) {
	e.queue.Submit(func() {
		e.runningGoID.Store(goroutineID())
		task()
		e.runningGoID.Store(0)
	})
}

// Log appends an event from any goroutine. While no output is attached the
// event is held in a bounded history so that a later StartLogging still
// captures the recent past.
func (e *EventLog) Log(ev Event) {
	if ev == nil {
		return
	}
	e.post(func() {
		e.logToHistory(ev)
		if e.output != nil {
			e.scheduleOutput()
		}
	})
}

// StartLogging attaches an output, writes a start marker and drains the
// buffered history into it. outputPeriod batches subsequent writes;
// OutputPeriodImmediate writes every event as it is logged. Returns false
// when the output is not active.
func (e *EventLog) StartLogging(at units.Timestamp, output Output, outputPeriod time.Duration) bool {
	if output == nil || !output.IsActive() {
		return false
	}

	e.params.Logger.Infow("starting event log", "outputPeriod", outputPeriod)
	e.post(func() {
		e.stopOutput()
		e.output = output
		e.outputPeriod = outputPeriod
		e.numConfigEventsWritten = 0
		e.writeToOutput(appendEvent(nil, NewLogStartEvent(at)))
		e.flushToOutput()
	})
	return true
}

// StopLogging flushes everything buffered, writes a stop marker and detaches
// the output. It blocks until the flush has completed. Calling it from a
// task running on the logging queue would deadlock waiting on itself, so
// that is a contract violation and panics.
func (e *EventLog) StopLogging(at units.Timestamp) {
	if gid := goroutineID(); gid != 0 && gid == e.runningGoID.Load() {
		panic("eventlog: StopLogging called from the logging queue")
	}

	done := make(chan struct{})
	e.StopLoggingAsync(at, func() { close(done) })
	<-done
	e.params.Logger.Debugw("event log stopped")
}

// StopLoggingAsync is StopLogging without the blocking wait. cb runs on the
// logging queue after the final flush.
func (e *EventLog) StopLoggingAsync(at units.Timestamp, cb func()) {
	e.params.Logger.Infow("stopping event log")
	e.post(func() {
		if e.output != nil {
			e.flushToOutput()
			e.writeToOutput(appendEvent(nil, NewLogStopEvent(at)))
			e.stopOutput()
		}
		if cb != nil {
			cb()
		}
	})
}

// Close stops the logging queue after all posted work has run. Stop logging
// first; the log is unusable afterwards.
func (e *EventLog) Close() {
	e.queue.StopWait()
}

// --------------------------------------------------

func (e *EventLog) logToHistory(ev Event) {
	if ev.IsConfigEvent() {
		if e.configHistory.Len() >= cMaxEventsInConfigHistory {
			e.configHistory.PopFront()
			if e.numConfigEventsWritten > 0 {
				e.numConfigEventsWritten--
			}
		}
		e.configHistory.PushBack(ev)
		return
	}

	if e.history.Len() >= cMaxEventsInHistory {
		// only reachable with no output attached, scheduleOutput drains
		// before the history can grow past the cap otherwise
		e.history.PopFront()
	}
	e.history.PushBack(ev)
}

func (e *EventLog) scheduleOutput() {
	if e.history.Len() >= cMaxEventsInHistory {
		// drain now, more events may arrive before a scheduled flush runs
		e.flushToOutput()
		return
	}

	if e.outputPeriod == OutputPeriodImmediate {
		e.flushToOutput()
		return
	}

	if e.outputScheduled {
		return
	}
	e.outputScheduled = true
	delay := e.outputPeriod - time.Since(e.lastOutput)
	if delay < 0 {
		delay = 0
	} else if delay > e.outputPeriod {
		delay = e.outputPeriod
	}
	time.AfterFunc(delay, func() {
		e.post(func() {
			if e.output != nil {
				e.flushToOutput()
			}
			e.outputScheduled = false
		})
	})
}

// flushToOutput encodes config events not yet written to this output, then
// drains the event history. Config events stay buffered so the next output
// gets them again; regular events are written once and discarded even if the
// write fails.
func (e *EventLog) flushToOutput() {
	e.lastOutput = time.Now()

	var buf []byte
	for i := e.numConfigEventsWritten; i < e.configHistory.Len(); i++ {
		buf = appendEvent(buf, e.configHistory.At(i))
	}
	e.numConfigEventsWritten = e.configHistory.Len()

	for e.history.Len() > 0 {
		buf = appendEvent(buf, e.history.PopFront())
	}

	if len(buf) > 0 {
		e.writeToOutput(buf)
	}
}

func (e *EventLog) writeToOutput(buf []byte) {
	if e.output == nil || !e.output.IsActive() {
		return
	}
	if !e.output.Write(buf) {
		e.params.Logger.Warnw("event log output write failed, dropping output", nil)
		e.stopOutput()
	}
}

func (e *EventLog) stopOutput() {
	if e.output == nil {
		return
	}
	if closer, ok := e.output.(io.Closer); ok {
		_ = closer.Close()
	}
	e.output = nil
}

// --------------------------------------------------

// goroutineID parses the current goroutine's id out of its stack header,
// "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	end := strings.IndexByte(header, ' ')
	if end <= 0 {
		return 0
	}
	id, err := strconv.ParseUint(header[:end], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
