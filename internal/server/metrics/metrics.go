// Package metrics exposes Prometheus counters for signatures, review events
// and changeset reads.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
)

const namespace = "remotesettings"

const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeMalformed   = "malformed"
	OutcomeError       = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	signatures         *prometheus.CounterVec
	signDuration       prometheus.Histogram
	reviewEvents       *prometheus.CounterVec
	changesetRequests  *prometheus.CounterVec
	integrityConflicts prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		signatures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Signatures requested, by signer backend and outcome.",
		}, []string{"backend", "outcome"}),
		signDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_duration_seconds",
			Help:      "Time spent producing one signature.",
			Buckets:   prometheus.DefBuckets,
		}),
		reviewEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_events_total",
			Help:      "Committed review events, by kind.",
		}, []string{"event"}),
		changesetRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changeset_requests_total",
			Help:      "Changesets served, by kind.",
		}, []string{"kind"}),
		integrityConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_conflicts_total",
			Help:      "Changeset reads that saw a concurrent write.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ChangesetServed(kind string) {
	m.changesetRequests.WithLabelValues(kind).Inc()
}

func (m *Metrics) IntegrityConflict() {
	m.integrityConflicts.Inc()
}

// Register counts review events once their transaction committed.
func (m *Metrics) Register(bus *events.Bus) {
	bus.OnReview(func(ctx context.Context, req *events.Request, ev events.ReviewEvent) error {
		kind := string(ev.Kind)
		req.AfterCommit(func(context.Context) {
			m.reviewEvents.WithLabelValues(kind).Inc()
		})
		return nil
	})
}

// SignerFactory wraps every signer built by next with instrumentation.
func (m *Metrics) SignerFactory(next resources.SignerFactory) resources.SignerFactory {
	return func(opts signer.Options) (signer.Signer, error) {
		s, err := next(opts)
		if err != nil {
			return nil, err
		}
		return &instrumented{Signer: s, backend: signer.BackendName(opts.Backend), m: m}, nil
	}
}

type instrumented struct {
	signer.Signer
	backend string
	m       *Metrics
}

func (i *instrumented) Sign(ctx context.Context, payload []byte) (*signer.Signature, error) {
	start := time.Now()
	sig, err := i.Signer.Sign(ctx, payload)
	i.m.signDuration.Observe(time.Since(start).Seconds())
	i.m.signatures.WithLabelValues(i.backend, outcome(err)).Inc()
	return sig, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, common.ErrSignerUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, common.ErrSignerMalformedResponse):
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}
