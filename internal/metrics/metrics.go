package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Every counter is labelled by backend ("sql" or "s3") so both variants can run
side by side in one process.

A nil *Metrics is valid and records nothing, which keeps the back-ends usable
without a registry in tests and one-off tools.
*/

const namespace = "transit_store"

type Metrics struct {
	Polls          *prometheus.CounterVec
	Requests       *prometheus.CounterVec
	Records        *prometheus.CounterVec
	Commits        *prometheus.CounterVec
	UploadAttempts *prometheus.CounterVec
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Polls opened in a session",
		}, []string{"backend"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests added to a session",
		}, []string{"backend"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Arrival records added to a session",
		}, []string{"backend"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Session commits by outcome",
		}, []string{"backend", "result"}),
		UploadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Object store upload attempts by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) PollBegun(backend string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(backend).Inc()
}

func (m *Metrics) RequestAdded(backend string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordAdded(backend string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(backend).Inc()
}

// Committed counts a finished commit; err == nil is a success.
func (m *Metrics) Committed(backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commits.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) UploadAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UploadAttempts.WithLabelValues(result).Inc()
}
