package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricForwardConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "forward_connections_total",
		Help:      "Number of sockets accepted and relayed by port forwards.",
	})
	metricForwardBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "forward_bytes_total",
		Help:      "Bytes relayed through port forwards, by direction.",
	}, []string{"direction"})
)

func recordForwardConnection() {
	metricForwardConnections.Inc()
}

func recordForwardBytes(direction string, n int64) {
	if n > 0 {
		metricForwardBytes.WithLabelValues(direction).Add(float64(n))
	}
}
