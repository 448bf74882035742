package api

import (
	"context"
	"net/http"
	"time"

	"pastebin/cfg"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         Pinger
	cache      Pinger
	httpServer *http.Server
}

// NewServer builds the router. cache may be nil when no shared cache is
// configured.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, db, cache Pinger) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		cfg:    c,
		db:     db,
		cache:  cache,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDev() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Observe)
		hdl := &Hdl{paste: p, cfg: c}
		r.Route(basePath, func(r chi.Router) {
			r.With(mw.RateLimit("create")).Post("/", hdl.CreatePaste)
			r.With(mw.RateLimit("list")).Get("/recent", hdl.Recent)
			r.With(mw.RateLimit("list")).Get("/search", hdl.Search)
			r.Route("/{id}", func(r chi.Router) {
				r.With(mw.RateLimit("read")).Get("/", hdl.GetPaste)
				r.With(mw.RateLimit("read")).Get("/raw", hdl.GetRaw)
				r.With(mw.RateLimit("read")).Get("/download", hdl.Download)
				r.With(mw.RateLimit("read")).Get("/analytics", hdl.Analytics)
				r.With(mw.RateLimit("delete")).Delete("/", hdl.DeletePaste)
			})
		})
	})
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
