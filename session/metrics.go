package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "sessions_started_total",
		Help:      "Number of sessions that reached the ready state.",
	})
	metricSessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "sessions_failed_total",
		Help:      "Number of session starts that failed and were unwound.",
	})
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "periscope",
		Name:      "sessions_active",
		Help:      "Whether a session is currently active.",
	})
	metricNavigations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "page_navigations_total",
		Help:      "Number of completed page navigations and reloads.",
	})
	metricScreenshots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "page_screenshots_total",
		Help:      "Number of captured screenshots.",
	})
	metricEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "periscope",
		Name:      "page_evaluations_total",
		Help:      "Number of JavaScript expressions evaluated in the page.",
	})
)

func recordSessionStarted() {
	metricSessionsStarted.Inc()
	metricSessionsActive.Set(1)
}

func recordSessionStopped() {
	metricSessionsActive.Set(0)
}

func recordSessionFailed() {
	metricSessionsFailed.Inc()
	metricSessionsActive.Set(0)
}

func recordNavigation() { metricNavigations.Inc() }

func recordScreenshot() { metricScreenshots.Inc() }

func recordEvaluation() { metricEvaluations.Inc() }
