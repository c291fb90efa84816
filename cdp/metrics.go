package cdp

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "cdp_commands_sent_total",
		Help:      "Number of CDP commands sent, by protocol domain.",
	}, []string{"domain"})
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "cdp_events_received_total",
		Help:      "Number of CDP protocol events received over the WebSocket.",
	})
	metricEntriesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "network_entries_recorded_total",
		Help:      "Number of network request entries captured by the recorder.",
	})
)

func recordCommand(method string) {
	domain := method
	if i := strings.IndexByte(method, '.'); i > 0 {
		domain = method[:i]
	}
	metricCommandsSent.WithLabelValues(domain).Inc()
}

func recordEvent() {
	metricEventsReceived.Inc()
}

func recordEntry() {
	metricEntriesRecorded.Inc()
}
