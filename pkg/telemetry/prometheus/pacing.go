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

package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	atomicPaddingPackets uint64
	atomicPaddingBytes   uint64

	promPaddingTotal    prometheus.Counter
	promPaddingBytes    prometheus.Counter
	promPacerQueueDepth prometheus.Gauge
)

func initPacingStats(nodeID string) {
	promPaddingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   netemNamespace,
		Subsystem:   "pacer",
		Name:        "padding_total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promPaddingBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   netemNamespace,
		Subsystem:   "pacer",
		Name:        "padding_bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promPacerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   netemNamespace,
		Subsystem:   "pacer",
		Name:        "queue_depth",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promPaddingTotal)
	prometheus.MustRegister(promPaddingBytes)
	prometheus.MustRegister(promPacerQueueDepth)
}

func IncPaddingSent(bytes int64) {
	atomic.AddUint64(&atomicPaddingPackets, 1)
	atomic.AddUint64(&atomicPaddingBytes, uint64(bytes))
	if promPaddingTotal != nil {
		promPaddingTotal.Add(1)
		promPaddingBytes.Add(float64(bytes))
	}
}

func SetPacerQueueDepth(packets int) {
	if promPacerQueueDepth != nil {
		promPacerQueueDepth.Set(float64(packets))
	}
}

func PaddingSent() (packets uint64, bytes uint64) {
	return atomic.LoadUint64(&atomicPaddingPackets), atomic.LoadUint64(&atomicPaddingBytes)
}
