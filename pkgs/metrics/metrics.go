package metrics

import (
	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by the tracker and the API.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	ActiveEntities *prometheus.GaugeVec
	QueryDuration  *prometheus.HistogramVec
	Votes          *prometheus.CounterVec
	Failures       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_state_transitions_total",
				Help: "Total number of state transitions",
			},
			[]string{"entity_type", "from_state", "to_state"},
		),
		ActiveEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "records_entities",
				Help: "Number of entities by type and state",
			},
			[]string{"entity_type", "state"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "records_api_request_duration_seconds",
				Help:    "Duration of API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Votes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_votes_total",
				Help: "Validator votes applied, by outcome",
			},
			[]string{"outcome"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_operation_failures_total",
				Help: "Rejected operations by operation and error kind",
			},
			[]string{"operation", "kind"},
		),
	}
	reg.MustRegister(m.Transitions, m.ActiveEntities, m.QueryDuration, m.Votes, m.Failures)
	return m
}

// ObserveFailure counts a rejected operation by its protocol error kind.
func (m *Metrics) ObserveFailure(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.Failures.WithLabelValues(operation, protocol.KindOf(err).String()).Inc()
}

// ObserveVote counts an applied vote.
func (m *Metrics) ObserveVote(approved bool) {
	if m == nil {
		return
	}
	outcome := "reject"
	if approved {
		outcome = "approve"
	}
	m.Votes.WithLabelValues(outcome).Inc()
}
