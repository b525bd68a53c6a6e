package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	triggers *prometheus.CounterVec
	expired  prometheus.Counter
}

// Instruments live at package scope so repeated Scanner construction does
// not re-register them.
var (
	triggerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "scanner",
		Name:      "triggers_total",
		Help:      "Due-schedule trigger attempts by outcome.",
	}, []string{"outcome"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "scanner",
		Name:      "reports_expired_total",
		Help:      "Reports removed by the retention janitor.",
	})
)

func newMetrics() *metrics {
	return &metrics{triggers: triggerTotal, expired: expiredTotal}
}
