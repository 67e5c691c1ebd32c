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

package eventlog

import (
	"math"
	"os"

	"github.com/pkg/errors"
)

// Output is a sink for encoded event batches. Write reports success; the
// first failed write permanently deactivates the output and the log drops it
// without retrying.
type Output interface {
	IsActive() bool
	Write(p []byte) bool
}

// --------------------------------------------------

// UnlimitedFileSize disables the file output's size cap.
const UnlimitedFileSize int64 = 0

// a single Write is assumed to stay well below this, which keeps the
// remaining-capacity check free of overflow
const cMaxReasonableFileSize = math.MaxInt64 / 2

type FileOutput struct {
	file         *os.File
	maxSizeBytes int64
	writtenBytes int64
}

// NewFileOutput creates an output writing to fileName, truncating any
// existing file. maxSizeBytes caps the file, UnlimitedFileSize disables the
// cap; once the cap would be exceeded the output deactivates without a
// partial write.
func NewFileOutput(fileName string, maxSizeBytes int64) (*FileOutput, error) {
	if maxSizeBytes < 0 || maxSizeBytes > cMaxReasonableFileSize {
		return nil, errors.Errorf("unreasonable max file size: %d", maxSizeBytes)
	}
	f, err := os.Create(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "could not create event log file")
	}
	return &FileOutput{
		file:         f,
		maxSizeBytes: maxSizeBytes,
	}, nil
}

func (o *FileOutput) IsActive() bool {
	return o.file != nil
}

func (o *FileOutput) Write(p []byte) bool {
	if o.file == nil {
		return false
	}

	if o.maxSizeBytes != UnlimitedFileSize && o.writtenBytes+int64(len(p)) > o.maxSizeBytes {
		// writing part of an event would corrupt the stream
		_ = o.file.Close()
		o.file = nil
		return false
	}

	n, err := o.file.Write(p)
	if err != nil || n != len(p) {
		_ = o.file.Close()
		o.file = nil
		return false
	}

	o.writtenBytes += int64(n)
	return true
}

func (o *FileOutput) Close() error {
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}

// --------------------------------------------------

// MemoryOutput buffers everything written to it, for tests and in-process
// analysis.
type MemoryOutput struct {
	buf    []byte
	writes int
	failAt int
	active bool
}

func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{failAt: -1, active: true}
}

// FailAfter makes the output fail the (n+1)th write, emulating a sink that
// goes away mid-session. Like any output, a failed write deactivates it.
func (o *MemoryOutput) FailAfter(n int) {
	o.failAt = n
}

func (o *MemoryOutput) IsActive() bool {
	return o.active
}

func (o *MemoryOutput) Write(p []byte) bool {
	if !o.active {
		return false
	}
	if o.failAt >= 0 && o.writes >= o.failAt {
		o.active = false
		return false
	}
	o.buf = append(o.buf, p...)
	o.writes++
	return true
}

func (o *MemoryOutput) Bytes() []byte {
	return o.buf
}

func (o *MemoryOutput) Writes() int {
	return o.writes
}
