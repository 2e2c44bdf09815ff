// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics holds the Prometheus instruments for the escalation service.
type PromMetrics struct {
	EvaluationsTotal  prometheus.Counter
	EscalationsTotal  *prometheus.CounterVec
	TransitionsTotal  *prometheus.CounterVec
	TimeToAssign      prometheus.Histogram
	TimeToResolve     prometheus.Histogram
	NotificationFails *prometheus.CounterVec
}

// NewPromMetrics builds and registers the instruments on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		EvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escalation_evaluations_total",
			Help: "Number of rule evaluation passes.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_events_total",
			Help: "Number of escalation events created, by severity.",
		}, []string{"severity"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_transitions_total",
			Help: "Number of event state transitions, by target status.",
		}, []string{"status"}),
		TimeToAssign: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_time_to_assign_seconds",
			Help:    "Seconds between event creation and assignment.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		TimeToResolve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_time_to_resolve_seconds",
			Help:    "Seconds between event creation and resolution.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		NotificationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_notification_failures_total",
			Help: "Notification delivery failures, by transport.",
		}, []string{"transport"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EvaluationsTotal,
			m.EscalationsTotal,
			m.TransitionsTotal,
			m.TimeToAssign,
			m.TimeToResolve,
			m.NotificationFails,
		)
	}

	return m
}
