// Package httpapi exposes the engine over HTTP: probing, HLS manifests, and
// segment delivery, plus a small set of operator endpoints. This layer is
// plumbing — it parses a request into (client, type, file, quality,
// segment), routes through the router and media store, and streams back
// whatever they hand it.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/streamhouse/hlsvod/internal/config"
	"github.com/streamhouse/hlsvod/internal/health"
	"github.com/streamhouse/hlsvod/internal/media"
	"github.com/streamhouse/hlsvod/internal/mediainfo"
	"github.com/streamhouse/hlsvod/internal/router"
	"github.com/streamhouse/hlsvod/internal/wsdebug"
)

// Handler owns everything an HTTP request needs: the router to resolve a
// backend, the store to resolve a descriptor directly (the master playlist
// needs no specific quality backend), a prober for the probe-only endpoint,
// and the health reporter.
type Handler struct {
	logger hclog.Logger
	cfg    *config.Config
	store  *media.Store
	router *router.Router
	prober *mediainfo.Prober
	health *health.Reporter
}

// NewHandler wires a Handler over an already-constructed store, router and
// config.
func NewHandler(logger hclog.Logger, cfg *config.Config, store *media.Store, r *router.Router) *Handler {
	logger = logger.Named("httpapi")
	return &Handler{
		logger: logger,
		cfg:    cfg,
		store:  store,
		router: r,
		prober: mediainfo.NewProber(logger, cfg.FFprobeBinary()),
		health: health.New(routerStats{r}),
	}
}

// RegisterRoutes attaches every route to engine, grounded on the grouping
// and specific-before-catch-all ordering of a typical gin playback module:
// path-literal health/debug routes are registered first, the parameterised
// media surface last.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.Use(requestIDMiddleware())

	engine.GET("/debug/health", h.handleHealth)
	if h.cfg.Debug {
		engine.GET("/debug/ws", gin.WrapF(wsdebug.Handler(h.logger, routerSnapshot{h.router}, time.Second)))
	}

	engine.GET("/media/*file", h.handleProbe)

	engine.DELETE("/:typeclient", h.handleDeregister)
	engine.GET("/:typeclient/*mediapath", h.handleMediaGet)
}

// requestIDMiddleware stamps every request with a uuid, echoed back as the
// X-Request-Id response header and stored in the gin context under
// "requestID". No handler reads it back or adds it to log lines.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set("X-Request-Id", id)
		c.Set("requestID", id)
		c.Next()
	}
}

type routerStats struct{ r *router.Router }

func (s routerStats) Counters() health.Counters {
	live := s.r.LiveBackends()
	files := make(map[string]bool, len(live))
	for _, info := range live {
		files[info.MediaType+"/"+info.Path] = true
	}
	return health.Counters{MediaDescriptors: len(files), TrackedClients: s.r.Len()}
}

type routerSnapshot struct{ r *router.Router }

func (s routerSnapshot) Snapshot() []wsdebug.BackendSnapshot {
	live := s.r.LiveBackends()
	out := make([]wsdebug.BackendSnapshot, 0, len(live))
	for _, info := range live {
		status, clients, encoders := info.Backend.Snapshot()
		out = append(out, wsdebug.BackendSnapshot{
			File:          info.Path,
			Quality:       info.Quality,
			SegmentStatus: status,
			Clients:       clients,
			Encoders:      encoders,
		})
	}
	return out
}
