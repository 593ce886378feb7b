// Package export uploads the changeset of a destination collection to S3
// once a review was approved and committed.
package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Uploader is the part of the S3 client used here.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
}

// NewS3Client builds a client for S3 or any compatible endpoint (MinIO).
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(o.Region)}
	if o.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	return newS3ClientFromConfig(cfg, func(so *s3.Options) {
		if o.BaseEndpoint != "" {
			so.BaseEndpoint = aws.String(o.BaseEndpoint)
			so.UsePathStyle = true
		}
	}), nil
}

type Exporter struct {
	uploader Uploader
	store    storage.Store
	bucket   string
	prefix   string
	log      logging.Logger
}

func New(uploader Uploader, store storage.Store, bucket, prefix string, log logging.Logger) *Exporter {
	if log == nil {
		log = logging.Nop()
	}
	return &Exporter{uploader: uploader, store: store, bucket: bucket, prefix: prefix, log: log.With("module", "export")}
}

// Key is the object key of the changeset of c.
func (e *Exporter) Key(c models.Coord) string {
	return path.Join(e.prefix, c.Bucket, c.Collection+".json")
}

// Register uploads the destination of every approved review after commit.
func (e *Exporter) Register(bus *events.Bus) {
	bus.OnReview(func(ctx context.Context, req *events.Request, ev events.ReviewEvent) error {
		if ev.Kind != events.ReviewApproved {
			return nil
		}
		dest := ev.Destination
		req.AfterCommit(func(ctx context.Context) {
			if err := e.Export(ctx, dest); err != nil {
				e.log.Error(ctx, "changeset export failed", "collection", dest.String(), "error", err)
			}
		})
		return nil
	})
}

// Export uploads the current changeset of c.
func (e *Exporter) Export(ctx context.Context, c models.Coord) error {
	body, err := e.changeset(ctx, c)
	if err != nil {
		return err
	}
	key := e.Key(c)
	_, err = e.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", e.bucket, key, err)
	}
	e.log.Info(ctx, "changeset exported", "collection", c.String(), "key", key)
	return nil
}

func (e *Exporter) changeset(ctx context.Context, c models.Coord) ([]byte, error) {
	uri := c.URI()
	ts, err := e.store.Timestamp(ctx, models.ResourceRecord, uri)
	if err != nil {
		return nil, err
	}
	meta, err := e.store.Get(ctx, models.ResourceCollection, models.BucketURI(c.Bucket), c.Collection)
	if err != nil {
		return nil, err
	}
	records, err := e.store.List(ctx, models.ResourceRecord, uri, storage.Filter{})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.Object{}
	}
	return json.Marshal(models.Changeset{Metadata: meta, Timestamp: ts, Changes: records})
}
