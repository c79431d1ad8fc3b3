// Package metrics instruments the timing engine with prometheus counters.
// A nil *Set is a valid no-op, so services never nil-check their metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "chime_"

// Firing context labels.
const (
	ContextForeground = "foreground"
	ContextRelay      = "relay"
)

// Delivery result labels.
const (
	ResultDelivered = "delivered"
	ResultDenied    = "no_permission"
	ResultThrottled = "throttled"
	ResultFailed    = "failed"
)

type Set struct {
	alarmsFired *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	snoozes     prometheus.Counter
	rejected    *prometheus.CounterVec
}

// New builds the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		alarmsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_fired_total",
				Help: "Alarms fired, by scheduling context",
			},
			[]string{"context"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "deliveries_total",
				Help: "Notification delivery attempts by result",
			},
			[]string{"result"},
		),
		snoozes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "snoozes_total",
				Help: "Snooze affordance invocations",
			},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_rejected_total",
				Help: "Scheduler commands rejected by validation, by reason",
			},
			[]string{"reason"},
		),
	}
	reg.MustRegister(s.alarmsFired, s.deliveries, s.snoozes, s.rejected)
	return s
}

func (s *Set) AlarmFired(context string) {
	if s == nil {
		return
	}
	s.alarmsFired.WithLabelValues(context).Inc()
}

func (s *Set) Delivery(result string) {
	if s == nil {
		return
	}
	s.deliveries.WithLabelValues(result).Inc()
}

func (s *Set) Snoozed() {
	if s == nil {
		return
	}
	s.snoozes.Inc()
}

func (s *Set) Rejected(reason string) {
	if s == nil {
		return
	}
	s.rejected.WithLabelValues(reason).Inc()
}
