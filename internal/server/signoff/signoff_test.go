package signoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/cryptox"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
	"github.com/dmitrijs2005/remotesettings/internal/server/updater"
)

const (
	alice = "account:alice"
	bob   = "account:bob"
	eve   = "account:eve"
)

var (
	source = models.Coord{Bucket: "b", Collection: "c"}
	dest   = models.Coord{Bucket: "b2", Collection: "c"}
)

type fixture struct {
	backend *memory.Store
	bus     *events.Bus
	signer  *signer.LocalECDSA
	reviews []events.ReviewEvent
	created []events.ReviewEvent
}

func newFixture(t *testing.T, settings config.Settings) *fixture {
	t.Helper()
	key, err := cryptox.GenerateKey()
	require.NoError(t, err)
	s, err := signer.NewLocalECDSAFromKey(key, nil, "")
	require.NoError(t, err)

	if settings == nil {
		settings = config.Settings{}
	}
	if _, ok := settings["signer.resources"]; !ok {
		settings["signer.resources"] = "b/c -> b2/c"
	}
	reg, err := resources.New(settings, func(signer.Options) (signer.Signer, error) { return s, nil })
	require.NoError(t, err)

	f := &fixture{backend: memory.New(), bus: events.NewBus(), signer: s}
	New(reg, nil, func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }).Register(f.bus)
	f.bus.OnReview(func(ctx context.Context, req *events.Request, ev events.ReviewEvent) error {
		f.reviews = append(f.reviews, ev)
		return nil
	})

	_, err = f.backend.Create(context.Background(), models.ResourceBucket, "", models.Object{"id": "b"})
	require.NoError(t, err)
	require.NoError(t, f.as(alice, func(ctx context.Context, s storage.Store) error {
		_, err := s.Create(ctx, models.ResourceCollection, models.BucketURI("b"), models.Object{"id": "c"})
		return err
	}))
	f.created, f.reviews = f.reviews, nil
	return f
}

func principals(user string, groups ...string) []string {
	out := []string{models.Everyone, models.Authenticated, user}
	for _, g := range groups {
		out = append(out, models.GroupURI("b", g))
	}
	return out
}

func (f *fixture) asWith(user string, groups []string, fn func(ctx context.Context, s storage.Store) error) error {
	return events.Run(context.Background(), f.backend, f.bus, user, principals(user, groups...), func(ctx context.Context, req *events.Request) error {
		return fn(ctx, req.Store())
	})
}

func (f *fixture) as(user string, fn func(ctx context.Context, s storage.Store) error) error {
	return f.asWith(user, []string{"c-editors", "c-reviewers"}, fn)
}

func (f *fixture) putRecord(t *testing.T, user string, rec models.Object) {
	t.Helper()
	require.NoError(t, f.as(user, func(ctx context.Context, s storage.Store) error {
		_, err := s.Update(ctx, models.ResourceRecord, source.URI(), rec.ID(), rec)
		return err
	}))
}

func (f *fixture) deleteRecord(t *testing.T, user, id string) {
	t.Helper()
	require.NoError(t, f.as(user, func(ctx context.Context, s storage.Store) error {
		_, err := s.Delete(ctx, models.ResourceRecord, source.URI(), id)
		return err
	}))
}

func (f *fixture) patch(user string, groups []string, fields models.Object) error {
	return f.asWith(user, groups, func(ctx context.Context, s storage.Store) error {
		meta, err := s.Get(ctx, models.ResourceCollection, models.BucketURI("b"), "c")
		if err != nil {
			return err
		}
		for k, v := range fields {
			if v == nil {
				delete(meta, k)
				continue
			}
			meta[k] = v
		}
		_, err = s.Update(ctx, models.ResourceCollection, models.BucketURI("b"), "c", meta)
		return err
	})
}

func (f *fixture) status(user, status string) error {
	return f.patch(user, []string{"c-editors", "c-reviewers"}, models.Object{models.FieldStatus: status})
}

func (f *fixture) metadata(t *testing.T, c models.Coord) models.Object {
	t.Helper()
	m, err := f.backend.Get(context.Background(), models.ResourceCollection, models.BucketURI(c.Bucket), c.Collection)
	require.NoError(t, err)
	return m
}

func (f *fixture) records(t *testing.T, c models.Coord) []models.Object {
	t.Helper()
	list, err := f.backend.List(context.Background(), models.ResourceRecord, c.URI(), storage.Filter{})
	require.NoError(t, err)
	return list
}

func (f *fixture) verify(t *testing.T, c models.Coord) string {
	t.Helper()
	payload, _, err := updater.Payload(context.Background(), f.backend, c)
	require.NoError(t, err)
	sig := signer.SignatureFromObject(models.Object(f.metadata(t, c)[models.FieldSignature].(map[string]any)))
	require.NoError(t, f.signer.Verify(payload, sig))
	return sig.Signature
}

func TestCollectionCreated_SignsEmptyDestination(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, models.StatusSigned, f.metadata(t, source)[models.FieldStatus])
	assert.Empty(t, f.records(t, dest))
	f.verify(t, dest)
	assert.NotContains(t, f.metadata(t, dest), models.FieldStatus)

	require.Len(t, f.created, 1)
	ev := f.created[0]
	assert.Equal(t, events.ReviewApproved, ev.Kind)
	assert.Equal(t, 0, ev.ChangesCount)
	assert.Equal(t, source, ev.Source)
	assert.Equal(t, dest, ev.Destination)
	assert.Nil(t, ev.Preview)
	assert.Equal(t, alice, ev.UserID)
}

func TestCollectionCreated_ApprovalCoversPreview(t *testing.T) {
	f := newFixture(t, config.Settings{"signer.resources": "b/c -> preview/c -> b2/c"})

	preview := models.Coord{Bucket: "preview", Collection: "c"}
	f.verify(t, preview)
	require.Len(t, f.created, 1)
	assert.Equal(t, events.ReviewApproved, f.created[0].Kind)
	assert.Equal(t, &preview, f.created[0].Preview)
}

func TestMetadataEdit_ReopensSignedSource(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.patch(alice, []string{"c-editors"}, models.Object{"description": "notes"}))
	assert.Equal(t, models.StatusSigned, f.metadata(t, source)[models.FieldStatus])

	require.NoError(t, f.patch(alice, []string{"c-editors"}, models.Object{models.FieldSchema: models.Object{"type": "object"}}))
	m := f.metadata(t, source)
	assert.Equal(t, models.StatusWorkInProgress, m[models.FieldStatus])
	assert.Equal(t, alice, m[models.FieldLastEditBy])

	require.NoError(t, f.status(alice, models.StatusToReview))
	require.NoError(t, f.patch(bob, []string{"c-reviewers"}, models.Object{models.FieldStatus: models.StatusToSign}))
	assert.Equal(t, models.Object{"type": "object"}, f.metadata(t, dest)[models.FieldSchema])
	f.verify(t, dest)
}

func TestRecordChange_SetsWorkInProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})

	m := f.metadata(t, source)
	assert.Equal(t, models.StatusWorkInProgress, m[models.FieldStatus])
	assert.Equal(t, alice, m[models.FieldLastEditBy])
	assert.Equal(t, "2026-05-01T00:00:00.000000+00:00", m[models.FieldLastEditDate])
}

// first sign, then incremental changes
func TestReviewFlow(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"r1", "r2", "r3"} {
		f.putRecord(t, alice, models.Object{"id": id, "v": "1"})
	}

	require.NoError(t, f.patch(alice, []string{"c-editors"}, models.Object{
		models.FieldStatus:            models.StatusToReview,
		models.FieldLastEditorComment: "please",
	}))
	m := f.metadata(t, source)
	assert.Equal(t, alice, m[models.FieldLastReviewRequestBy])
	assert.Equal(t, "please", m[models.FieldLastEditorComment])

	require.NoError(t, f.patch(bob, []string{"c-reviewers"}, models.Object{models.FieldStatus: models.StatusToSign}))

	assert.Len(t, f.records(t, dest), 3)
	assert.NotContains(t, f.metadata(t, dest), models.FieldStatus)
	m = f.metadata(t, source)
	assert.Equal(t, models.StatusSigned, m[models.FieldStatus])
	assert.Equal(t, bob, m[models.FieldLastReviewBy])
	assert.Equal(t, bob, m[models.FieldLastSignatureBy])
	assert.Equal(t, "", m[models.FieldLastEditorComment])
	f.verify(t, dest)

	require.Len(t, f.reviews, 2)
	assert.Equal(t, events.ReviewRequested, f.reviews[0].Kind)
	assert.Equal(t, "please", f.reviews[0].Comment)
	assert.Equal(t, events.ReviewApproved, f.reviews[1].Kind)
	assert.Equal(t, 3, f.reviews[1].ChangesCount)
	assert.Equal(t, dest, f.reviews[1].Destination)

	tsBefore, err := f.backend.Timestamp(context.Background(), models.ResourceRecord, dest.URI())
	require.NoError(t, err)

	// incremental: delete one, update one, add one
	f.deleteRecord(t, alice, "r1")
	f.putRecord(t, alice, models.Object{"id": "r2", "v": "2"})
	f.putRecord(t, alice, models.Object{"id": "r4", "v": "1"})
	require.NoError(t, f.status(alice, models.StatusToReview))
	require.NoError(t, f.status(bob, models.StatusToSign))

	assert.Len(t, f.records(t, dest), 3)
	f.verify(t, dest)
	require.Len(t, f.reviews, 4)
	assert.Equal(t, 3, f.reviews[3].ChangesCount)

	since, err := f.backend.List(context.Background(), models.ResourceRecord, dest.URI(), storage.Filter{Since: &tsBefore, IncludeDeleted: true})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range since {
		ids[r.ID()] = r.Deleted()
	}
	assert.Equal(t, map[string]bool{"r1": true, "r2": false, "r4": false}, ids)
}

func TestEditorCannotReview(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})
	require.NoError(t, f.status(alice, models.StatusToReview))

	err := f.status(alice, models.StatusToSign)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.Equal(t, models.StatusToReview, f.metadata(t, source)[models.FieldStatus], "failed transition is rolled back")
	assert.Empty(t, f.records(t, dest))
}

func TestGroupMembershipRequired(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})

	err := f.patch(eve, nil, models.Object{models.FieldStatus: models.StatusToReview})
	assert.ErrorIs(t, err, common.ErrForbiddenGroup)

	require.NoError(t, f.status(alice, models.StatusToReview))
	err = f.patch(eve, []string{"c-editors"}, models.Object{models.FieldStatus: models.StatusToSign})
	assert.ErrorIs(t, err, common.ErrForbiddenGroup)
}

func TestReviewDisabled_SingleActor(t *testing.T) {
	f := newFixture(t, config.Settings{"signer.b.c.to_review_enabled": "false"})
	f.putRecord(t, alice, models.Object{"id": "r1"})

	require.NoError(t, f.status(alice, models.StatusToSign))
	assert.Len(t, f.records(t, dest), 1)
	assert.Equal(t, models.StatusSigned, f.metadata(t, source)[models.FieldStatus])
}

func TestReviewEnabled_ToSignRequiresReview(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})

	err := f.status(bob, models.StatusToSign)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestInvalidStatusChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})

	assert.ErrorIs(t, f.status(alice, models.StatusSigned), common.ErrInvalidTransition)
	assert.ErrorIs(t, f.status(alice, "published"), common.ErrBadRequest)
	assert.ErrorIs(t, f.patch(alice, nil, models.Object{models.FieldStatus: nil}), common.ErrInvalidTransition)
	assert.ErrorIs(t, f.patch(alice, nil, models.Object{models.FieldStatus: ""}), common.ErrBadRequest)
	assert.Equal(t, models.StatusWorkInProgress, f.metadata(t, source)[models.FieldStatus])
}

func TestRejectReview(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})
	require.NoError(t, f.status(alice, models.StatusToReview))

	require.NoError(t, f.patch(bob, nil, models.Object{
		models.FieldStatus:              models.StatusWorkInProgress,
		models.FieldLastReviewerComment: "typo",
	}))
	require.Len(t, f.reviews, 2)
	assert.Equal(t, events.ReviewRejected, f.reviews[1].Kind)
	assert.Equal(t, "typo", f.reviews[1].Comment)
	assert.Equal(t, bob, f.metadata(t, source)[models.FieldLastEditBy])
}

func TestResign(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})
	require.NoError(t, f.status(alice, models.StatusToReview))
	require.NoError(t, f.status(bob, models.StatusToSign))

	before := f.verify(t, dest)
	tsBefore, err := f.backend.Timestamp(context.Background(), models.ResourceRecord, dest.URI())
	require.NoError(t, err)
	reviewDate := f.metadata(t, source)[models.FieldLastReviewDate]

	require.NoError(t, f.status(eve, models.StatusToResign))

	after := f.verify(t, dest)
	tsAfter, err := f.backend.Timestamp(context.Background(), models.ResourceRecord, dest.URI())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, tsBefore, tsAfter)

	m := f.metadata(t, source)
	assert.Equal(t, models.StatusSigned, m[models.FieldStatus])
	assert.Equal(t, eve, m[models.FieldLastSignatureBy])
	assert.Equal(t, reviewDate, m[models.FieldLastReviewDate])
}

func TestRollback(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, alice, models.Object{"id": "r1"})
	require.NoError(t, f.status(alice, models.StatusToReview))
	require.NoError(t, f.status(bob, models.StatusToSign))
	published := f.records(t, dest)

	f.putRecord(t, alice, models.Object{"id": "r2"})
	f.putRecord(t, alice, models.Object{"id": "r3"})
	require.NoError(t, f.status(alice, models.StatusToRollback))

	got := f.records(t, source)
	require.Len(t, got, len(published))
	assert.Equal(t, published[0].ID(), got[0].ID())
	assert.Equal(t, models.StatusSigned, f.metadata(t, source)[models.FieldStatus])

	last := f.reviews[len(f.reviews)-1]
	assert.Equal(t, events.ReviewCanceled, last.Kind)
	assert.Equal(t, 2, last.ChangesCount)
}

func TestPreviewIsSignedOnReviewRequest(t *testing.T) {
	f := newFixture(t, config.Settings{"signer.resources": "b/c -> preview/c -> b2/c"})
	f.putRecord(t, alice, models.Object{"id": "r1"})
	require.NoError(t, f.status(alice, models.StatusToReview))

	preview := models.Coord{Bucket: "preview", Collection: "c"}
	assert.Len(t, f.records(t, preview), 1)
	assert.Empty(t, f.records(t, dest))
	f.verify(t, preview)
	assert.NotNil(t, f.reviews[0].Preview)
}
