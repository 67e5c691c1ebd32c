package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	netemNamespace string = "netem"
)

var (
	initialized atomic.Bool

	ServiceOperationCounter *prometheus.CounterVec
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   netemNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(ServiceOperationCounter)

	initPacketStats(nodeID)
	initPacingStats(nodeID)
}
