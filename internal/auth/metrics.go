package auth

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var authenticationCount *prometheus.CounterVec

func MustRegisterMetrics(registerer prometheus.Registerer) {
	if err := RegisterMetrics(registerer); err != nil {
		panic(err)
	}
}

func RegisterMetrics(registerer prometheus.Registerer) error {
	return registerer.Register(authenticationCount)
}

// Observe counts the given authentication outcome.
func Observe(result Result) {
	if result.Missing {
		return
	}
	authenticationCount.WithLabelValues(string(result.Kind), strconv.FormatBool(result.Authenticated())).Inc()
}

func init() {
	authenticationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_count",
			Help: "Number of authentication attempts by credential kind and outcome",
		},
		[]string{"kind", "success"},
	)
}
