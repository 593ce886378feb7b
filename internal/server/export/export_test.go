package export

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
)

type fakeUploader struct {
	puts map[string][]byte
	err  error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New(memory.WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }))
	_, err := store.Create(ctx, models.ResourceCollection, models.BucketURI("main"), models.Object{"id": "cfr"})
	require.NoError(t, err)
	_, err = store.Create(ctx, models.ResourceRecord, models.CollectionURI("main", "cfr"), models.Object{"id": "r1"})
	require.NoError(t, err)
	return store
}

func TestExport(t *testing.T) {
	up := &fakeUploader{puts: map[string][]byte{}}
	e := New(up, seed(t), "settings", "changesets", nil)

	require.NoError(t, e.Export(context.Background(), models.Coord{Bucket: "main", Collection: "cfr"}))

	body, ok := up.puts["settings/changesets/main/cfr.json"]
	require.True(t, ok)
	var cs models.Changeset
	require.NoError(t, json.Unmarshal(body, &cs))
	assert.Equal(t, "cfr", cs.Metadata.ID())
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, "r1", cs.Changes[0].ID())
	assert.NotZero(t, cs.Timestamp)
}

func TestExport_MissingCollection(t *testing.T) {
	e := New(&fakeUploader{puts: map[string][]byte{}}, memory.New(), "settings", "", nil)
	assert.Error(t, e.Export(context.Background(), models.Coord{Bucket: "main", Collection: "nope"}))
}

func TestRegister_UploadsAfterCommitOnly(t *testing.T) {
	store := seed(t)
	up := &fakeUploader{puts: map[string][]byte{}}
	e := New(up, store, "settings", "", nil)
	bus := events.NewBus()
	e.Register(bus)

	run := func(kind events.ReviewKind, fail error) {
		_ = events.Run(context.Background(), store, bus, "account:r", nil, func(ctx context.Context, req *events.Request) error {
			req.Emit(events.ReviewEvent{Kind: kind, Destination: models.Coord{Bucket: "main", Collection: "cfr"}})
			return fail
		})
	}

	run(events.ReviewRequested, nil)
	assert.Empty(t, up.puts)

	run(events.ReviewApproved, errors.New("rolled back"))
	assert.Empty(t, up.puts)

	run(events.ReviewApproved, nil)
	assert.Contains(t, up.puts, "settings/main/cfr.json")
}

func TestRegister_UploadFailureIsLogged(t *testing.T) {
	store := seed(t)
	e := New(&fakeUploader{err: errors.New("s3 down")}, store, "settings", "", nil)
	bus := events.NewBus()
	e.Register(bus)

	err := events.Run(context.Background(), store, bus, "account:r", nil, func(ctx context.Context, req *events.Request) error {
		req.Emit(events.ReviewEvent{Kind: events.ReviewApproved, Destination: models.Coord{Bucket: "main", Collection: "cfr"}})
		return nil
	})
	assert.NoError(t, err)
}

func TestNewS3Client(t *testing.T) {
	orig := loadDefaultAWSConfig
	defer func() { loadDefaultAWSConfig = orig }()

	var got config.LoadOptions
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		for _, fn := range optFns {
			require.NoError(t, fn(&got))
		}
		return aws.Config{Region: got.Region}, nil
	}

	c, err := NewS3Client(context.Background(), S3Options{Region: "eu-west-1", AccessKey: "k", SecretKey: "s", BaseEndpoint: "http://minio:9000"})
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, "eu-west-1", got.Region)
	assert.NotNil(t, got.Credentials)

	loadDefaultAWSConfig = func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = NewS3Client(context.Background(), S3Options{})
	assert.Error(t, err)
}
