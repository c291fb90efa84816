package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "api_requests_total",
		Help:      "Number of API requests served, by method and status code.",
	}, []string{"method", "status"})
	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "periscope",
		Name:      "api_event_subscribers",
		Help:      "Number of connected event stream subscribers.",
	})
)

func recordRequest(method string, status int) {
	metricRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func recordSubscriber(delta int) {
	metricSubscribers.Add(float64(delta))
}
