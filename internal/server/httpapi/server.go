// Package httpapi is the HTTP binding of the service: the Kinto-compatible
// object endpoints, the changeset and monitor endpoints, and the
// operational endpoints (heartbeat, version, broadcasts, metrics).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/auth"
	"github.com/dmitrijs2005/remotesettings/internal/server/broadcast"
	"github.com/dmitrijs2005/remotesettings/internal/server/changeset"
	"github.com/dmitrijs2005/remotesettings/internal/server/crud"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/heartbeat"
	"github.com/dmitrijs2005/remotesettings/internal/server/metrics"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
	"github.com/dmitrijs2005/remotesettings/internal/server/resources"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

// VersionInfo is served by /__version__.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Source  string `json:"source"`
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	// PublicURL is scheme://host of the service, without trailing slash.
	PublicURL  string
	Backend    storage.Backend
	Bus        *events.Bus
	Auth       *auth.Authenticator
	CRUD       *crud.Service
	Changesets *changeset.Service
	Broadcasts *broadcast.Publisher
	Registry   *resources.Registry
	Monitor    *monitor.Monitor
	Heartbeat  *heartbeat.Heartbeat
	Metrics    *metrics.Metrics
	Version    VersionInfo
	Log        logging.Logger
}

type Server struct {
	publicURL  string
	backend    storage.Backend
	bus        *events.Bus
	auth       *auth.Authenticator
	crud       *crud.Service
	changesets *changeset.Service
	broadcasts *broadcast.Publisher
	registry   *resources.Registry
	monitor    *monitor.Monitor
	heartbeat  *heartbeat.Heartbeat
	metrics    *metrics.Metrics
	version    VersionInfo
	log        logging.Logger

	engine *gin.Engine
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logging.Nop()
	}
	s := &Server{
		publicURL:  d.PublicURL,
		backend:    d.Backend,
		bus:        d.Bus,
		auth:       d.Auth,
		crud:       d.CRUD,
		changesets: d.Changesets,
		broadcasts: d.Broadcasts,
		registry:   d.Registry,
		monitor:    d.Monitor,
		heartbeat:  d.Heartbeat,
		metrics:    d.Metrics,
		version:    d.Version,
		log:        d.Log.With("module", "http"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.RedirectTrailingSlash = true

	r.Use(s.requestID(), s.accessLog(), s.recovery(), s.sentryHub())

	r.NoRoute(func(c *gin.Context) {
		abortWith(c, http.StatusNotFound, ErrnoInvalidResourceID, "The resource you are looking for could not be found.")
	})
	r.NoMethod(func(c *gin.Context) {
		abortWith(c, http.StatusMethodNotAllowed, ErrnoMethodNotAllowed, "Method not allowed on this endpoint.")
	})

	r.GET("/__lbheartbeat__", s.lbHeartbeat)
	r.GET("/__heartbeat__", s.heartbeatHandler)
	r.GET("/__version__", s.versionHandler)
	r.GET("/__broadcasts__", s.broadcastsHandler)
	if s.metrics != nil {
		r.GET("/__metrics__", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/", s.authenticate())
	api.GET("/", s.root)

	api.GET("/buckets", s.list(bucketTarget))
	api.POST("/buckets", s.create(bucketTarget))
	api.GET("/buckets/:bid", s.get(bucketTarget))
	api.PUT("/buckets/:bid", s.put(bucketTarget))
	api.PATCH("/buckets/:bid", s.patch(bucketTarget))
	api.DELETE("/buckets/:bid", s.remove(bucketTarget))

	api.GET("/buckets/:bid/groups", s.list(groupTarget))
	api.POST("/buckets/:bid/groups", s.create(groupTarget))
	api.GET("/buckets/:bid/groups/:gid", s.get(groupTarget))
	api.PUT("/buckets/:bid/groups/:gid", s.put(groupTarget))
	api.PATCH("/buckets/:bid/groups/:gid", s.patch(groupTarget))
	api.DELETE("/buckets/:bid/groups/:gid", s.remove(groupTarget))

	api.GET("/buckets/:bid/collections", s.list(collectionTarget))
	api.POST("/buckets/:bid/collections", s.create(collectionTarget))
	api.GET("/buckets/:bid/collections/:cid", s.get(collectionTarget))
	api.PUT("/buckets/:bid/collections/:cid", s.put(collectionTarget))
	api.PATCH("/buckets/:bid/collections/:cid", s.patch(collectionTarget))
	api.DELETE("/buckets/:bid/collections/:cid", s.remove(collectionTarget))

	api.GET("/buckets/:bid/collections/:cid/changeset", s.changesetHandler)

	api.GET("/buckets/:bid/collections/:cid/records", s.records)
	api.POST("/buckets/:bid/collections/:cid/records", s.create(recordTarget))
	api.DELETE("/buckets/:bid/collections/:cid/records", s.removeAll)
	api.GET("/buckets/:bid/collections/:cid/records/:rid", s.get(recordTarget))
	api.PUT("/buckets/:bid/collections/:cid/records/:rid", s.put(recordTarget))
	api.PATCH("/buckets/:bid/collections/:cid/records/:rid", s.patch(recordTarget))
	api.DELETE("/buckets/:bid/collections/:cid/records/:rid", s.remove(recordTarget))

	return r
}

// Run serves on addr until ctx is done, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "Starting HTTP server", "address", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
