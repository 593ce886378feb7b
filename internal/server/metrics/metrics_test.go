package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
)

type stubSigner struct{ err error }

func (s stubSigner) Sign(context.Context, []byte) (*signer.Signature, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &signer.Signature{Signature: "sig"}, nil
}

func (s stubSigner) HealthCheck(context.Context) error { return nil }

func TestSignerFactory(t *testing.T) {
	m := New()
	errs := []error{nil, nil, common.ErrSignerUnavailable.WithMessage("down"), errors.New("boom")}
	for _, e := range errs {
		factory := m.SignerFactory(func(signer.Options) (signer.Signer, error) { return stubSigner{err: e}, nil })
		s, err := factory(signer.Options{Backend: "remotesettings.signer.backends.autograph"})
		require.NoError(t, err)
		_, _ = s.Sign(context.Background(), []byte("x"))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signatures.WithLabelValues(signer.BackendAutograph, OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatures.WithLabelValues(signer.BackendAutograph, OutcomeUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatures.WithLabelValues(signer.BackendAutograph, OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.signDuration))
}

func TestSignerFactory_Error(t *testing.T) {
	m := New()
	factory := m.SignerFactory(func(signer.Options) (signer.Signer, error) { return nil, errors.New("bad key") })
	_, err := factory(signer.Options{})
	assert.Error(t, err)
}

func TestReviewEvents_CountedOnCommit(t *testing.T) {
	m := New()
	bus := events.NewBus()
	m.Register(bus)
	backend := memory.New()

	emit := func(kind events.ReviewKind, fail error) {
		_ = events.Run(context.Background(), backend, bus, "account:alice", nil, func(ctx context.Context, req *events.Request) error {
			req.Emit(events.ReviewEvent{Kind: kind, Source: models.Coord{Bucket: "b", Collection: "c"}})
			return fail
		})
	}
	emit(events.ReviewRequested, nil)
	emit(events.ReviewApproved, nil)
	emit(events.ReviewApproved, errors.New("rolled back"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviewEvents.WithLabelValues(string(events.ReviewRequested))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviewEvents.WithLabelValues(string(events.ReviewApproved))))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ChangesetServed("monitor")
	m.IntegrityConflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/__metrics__", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `remotesettings_changeset_requests_total{kind="monitor"} 1`))
	assert.True(t, strings.Contains(body, "remotesettings_integrity_conflicts_total 1"))
}
