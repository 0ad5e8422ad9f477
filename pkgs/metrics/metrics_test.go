package metrics

import (
	"testing"

	"github.com/podium-protocol/confidential-records/pkgs/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveFailureByKind(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveFailure("validateRecord", protocol.E(protocol.KindAlreadyVoted, "validateRecord", ""))
	m.ObserveFailure("validateRecord", protocol.E(protocol.KindAlreadyVoted, "validateRecord", ""))
	m.ObserveFailure("validateRecord", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Failures.WithLabelValues("validateRecord", "already_voted")))
}

func TestObserveVote(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveVote(true)
	m.ObserveVote(false)
	m.ObserveVote(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Votes.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Votes.WithLabelValues("reject")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveVote(true)
		m.ObserveFailure("x", protocol.ErrNotFound)
	})
}
