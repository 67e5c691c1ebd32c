package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	atomicPacketsSent      uint64
	atomicBytesSent        uint64
	atomicPacketsDropped   uint64
	atomicPacketsDelivered uint64
	atomicBytesDelivered   uint64

	promPacketTotal *prometheus.CounterVec
	promPacketBytes *prometheus.CounterVec
)

func initPacketStats(nodeID string) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   netemNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"state"})
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   netemNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"state"})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
}

func IncPacketsSent(count uint64, bytes int64) {
	atomic.AddUint64(&atomicPacketsSent, count)
	atomic.AddUint64(&atomicBytesSent, uint64(bytes))
	if promPacketTotal != nil {
		promPacketTotal.WithLabelValues("sent").Add(float64(count))
		promPacketBytes.WithLabelValues("sent").Add(float64(bytes))
	}
}

func IncPacketsDropped(count uint64) {
	atomic.AddUint64(&atomicPacketsDropped, count)
	if promPacketTotal != nil {
		promPacketTotal.WithLabelValues("dropped").Add(float64(count))
	}
}

func IncPacketsDelivered(count uint64, bytes int64) {
	atomic.AddUint64(&atomicPacketsDelivered, count)
	atomic.AddUint64(&atomicBytesDelivered, uint64(bytes))
	if promPacketTotal != nil {
		promPacketTotal.WithLabelValues("delivered").Add(float64(count))
		promPacketBytes.WithLabelValues("delivered").Add(float64(bytes))
	}
}

func PacketsSent() (packets uint64, bytes uint64) {
	return atomic.LoadUint64(&atomicPacketsSent), atomic.LoadUint64(&atomicBytesSent)
}

func PacketsDropped() uint64 {
	return atomic.LoadUint64(&atomicPacketsDropped)
}

func PacketsDelivered() (packets uint64, bytes uint64) {
	return atomic.LoadUint64(&atomicPacketsDelivered), atomic.LoadUint64(&atomicBytesDelivered)
}
