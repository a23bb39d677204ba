package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EventVec counts events by label and records the time of the last occurrence.
type EventVec struct {
	Total        prometheus.CounterVec
	LastTime     prometheus.GaugeVec
	labelsLength int
}

func (e *EventVec) Record(lvs ...string) {
	if len(lvs) != e.labelsLength {
		panic(fmt.Errorf("event vec %d labels, got %d", e.labelsLength, len(lvs)))
	}
	e.Total.WithLabelValues(lvs...).Inc()
	e.LastTime.WithLabelValues(lvs...).SetToCurrentTime()
}

func NewEventVec(factory Factory, ns string, subsystem string, name string, displayName string, labelNames []string) EventVec {
	return EventVec{
		Total: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystem,
			Name:      fmt.Sprintf("%s_total", name),
			Help:      fmt.Sprintf("Count of %s events", displayName),
		}, labelNames),
		LastTime: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystem,
			Name:      fmt.Sprintf("last_%s_unix", name),
			Help:      fmt.Sprintf("Timestamp of last %s event", displayName),
		}, labelNames),
		labelsLength: len(labelNames),
	}
}
