// Package server wires the publication engine: storage, the event bus and
// its listeners, the signers, the HTTP API and the gRPC health service. It
// handles graceful shutdown on SIGINT/SIGTERM/SIGQUIT.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dmitrijs2005/remotesettings/internal/buildinfo"
	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/auth"
	"github.com/dmitrijs2005/remotesettings/internal/server/bootstrap"
	"github.com/dmitrijs2005/remotesettings/internal/server/broadcast"
	"github.com/dmitrijs2005/remotesettings/internal/server/cache"
	"github.com/dmitrijs2005/remotesettings/internal/server/changeset"
	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/crud"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/export"
	"github.com/dmitrijs2005/remotesettings/internal/server/guards"
	"github.com/dmitrijs2005/remotesettings/internal/server/heartbeat"
	"github.com/dmitrijs2005/remotesettings/internal/server/httpapi"
	"github.com/dmitrijs2005/remotesettings/internal/server/metrics"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
	"github.com/dmitrijs2005/remotesettings/internal/server/signoff"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/memory"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage/postgres"

	gs "github.com/dmitrijs2005/remotesettings/internal/server/grpc"
)

const SettingBucketCreatePrincipals = "bucket_create_principals"

type App struct {
	config    *config.Config
	logger    logging.Logger
	backend   storage.Backend
	cache     cache.Cache
	bus       *events.Bus
	bootstrap *bootstrap.Bootstrap
	http      *httpapi.Server
	grpc      *gs.GRPCServer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)

	if c.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: c.SentryDSN, Release: buildinfo.Version}); err != nil {
			return nil, fmt.Errorf("sentry init error: %w", err)
		}
	}

	backend, err := openBackend(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	ch, err := cache.New(c.CacheBackend, c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cache init error: %w", err)
	}

	m := metrics.New()
	registry, err := resources.New(c.Settings, m.SignerFactory(signer.New))
	if err != nil {
		return nil, fmt.Errorf("signer resources error: %w", err)
	}

	bus := events.NewBus()
	// guards first: a rejected write never reaches the workflow
	guards.New(registry, c.Settings, logger, nil).Register(bus)
	boot := bootstrap.New(registry, c.Settings, logger, nil)
	boot.Register(bus)
	signoff.New(registry, logger, nil).Register(bus)
	m.Register(bus)

	if c.S3Bucket != "" {
		client, err := export.NewS3Client(ctx, export.S3Options{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			BaseEndpoint: c.S3BaseEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 init error: %w", err)
		}
		export.New(client, backend, c.S3Bucket, c.S3Prefix, logger).Register(bus)
	}

	publicURL := c.HTTPScheme + "://" + c.HTTPHost
	mon, err := monitor.New(c.Settings, publicURL, monitorDefaults(registry), nil)
	if err != nil {
		return nil, fmt.Errorf("monitor init error: %w", err)
	}

	hb := heartbeat.New(heartbeat.DefaultTimeout, logger)
	hb.Add("storage", backend.Ping)
	hb.Add("cache", ch.Ping)
	hb.Add("signer", signersCheck(registry))

	httpServer := httpapi.New(httpapi.Deps{
		PublicURL:  publicURL,
		Backend:    backend,
		Bus:        bus,
		Auth:       auth.New(c.SecretKey, c.AccessTokenValidityDuration, c.Accounts),
		CRUD:       crud.New(c.Settings.List(SettingBucketCreatePrincipals, []string{models.Authenticated}), logger),
		Changesets: changeset.New(backend, mon, c.Settings, logger, changeset.WithObserver(m)),
		Broadcasts: broadcast.New(mon, ch, registry.PreviewCoords(), c.Settings, logger, nil),
		Registry:   registry,
		Monitor:    mon,
		Heartbeat:  hb,
		Metrics:    m,
		Version: httpapi.VersionInfo{
			Name:    "remotesettings",
			Version: buildinfo.Version,
			Commit:  buildinfo.Commit,
			Source:  buildinfo.Source,
		},
		Log: logger,
	})

	return &App{
		config:    c,
		logger:    logger,
		backend:   backend,
		cache:     ch,
		bus:       bus,
		bootstrap: boot,
		http:      httpServer,
		grpc:      gs.NewGRPCServer(c.GRPCAddr, logger, hb, c.HeartbeatInterval),
	}, nil
}

func openBackend(ctx context.Context, c *config.Config) (storage.Backend, error) {
	if c.DatabaseDSN == "" {
		var opts []memory.Option
		if c.ReadOnly {
			opts = append(opts, memory.WithReadOnly())
		}
		return memory.New(opts...), nil
	}
	b, err := postgres.Open(ctx, c.DatabaseDSN, c.ReadOnly)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// monitorDefaults lists the destinations and previews, watched when
// changes.resources is not configured.
func monitorDefaults(r *resources.Registry) []string {
	var out []string
	for _, res := range r.Resources() {
		out = append(out, res.Destination.URI())
		if res.Preview != nil {
			out = append(out, res.Preview.URI())
		}
	}
	for _, t := range r.BucketResources() {
		out = append(out, t.Destination.URI())
		if t.Preview != nil {
			out = append(out, t.Preview.URI())
		}
	}
	return out
}

// signersCheck probes every configured signer. Certificate warnings are
// reported only when no signer failed.
func signersCheck(r *resources.Registry) heartbeat.Check {
	return func(ctx context.Context) error {
		signers, err := r.Signers()
		if err != nil {
			return err
		}
		var warning error
		for name, s := range signers {
			err := s.HealthCheck(ctx)
			switch {
			case err == nil:
			case errors.Is(err, common.ErrCertificateExpiringSoon):
				warning = fmt.Errorf("%s: %w", name, err)
			default:
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return warning
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.http.Run(ctx, app.config.HTTPAddr, app.config.ShutdownTimeout); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if app.config.GRPCAddr == "" {
		return
	}
	if err := app.grpc.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "version", buildinfo.Version)

	app.initSignalHandler(cancelFunc)

	if !app.backend.ReadOnly() {
		if err := app.bootstrap.AutoCreate(ctx, app.backend, app.bus); err != nil {
			app.logger.Error(ctx, "resources auto-creation failed", "error", err)
			app.close(ctx)
			return
		}
	}

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()
	app.close(ctx)
}

func (app *App) close(ctx context.Context) {
	if err := app.cache.Close(); err != nil {
		app.logger.Warn(ctx, "cache close failed", "error", err)
	}
	if err := app.backend.Close(); err != nil {
		app.logger.Warn(ctx, "storage close failed", "error", err)
	}
	sentry.Flush(2 * time.Second)
	app.logger.Info(ctx, "App stopped")
}
