package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var pluginRequests *prometheus.CounterVec

func MustRegisterMetrics(registerer prometheus.Registerer) {
	if err := RegisterMetrics(registerer); err != nil {
		panic(err)
	}
}

func RegisterMetrics(registerer prometheus.Registerer) error {
	return registerer.Register(pluginRequests)
}

func init() {
	pluginRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugin_requests_total",
			Help: "Number of requests handled by each protocol plugin, by method and status code",
		},
		[]string{"plugin", "method", "code"},
	)
}
