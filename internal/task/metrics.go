package task

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	taskResults *prometheus.CounterVec
	taskRetries *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		taskResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallery",
			Subsystem: "tasks",
			Name:      "results_total",
			Help:      "Count of settled tasks by kind and final state",
		}, []string{"kind", "state"})

		taskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gallery",
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Number of retry attempts scheduled after transient failures",
		}, []string{"kind"})

		for _, collector := range []prometheus.Collector{taskResults, taskRetries} {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
						if collector == taskResults {
							taskResults = existing
						} else {
							taskRetries = existing
						}
					}
				}
			}
		}
	})
}

func recordResult(kind, state string) {
	if taskResults == nil {
		return
	}
	taskResults.With(prometheus.Labels{"kind": kind, "state": state}).Inc()
}

func recordRetry(kind string) {
	if taskRetries == nil {
		return
	}
	taskRetries.With(prometheus.Labels{"kind": kind}).Inc()
}
