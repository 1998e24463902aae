package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/config"
	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/lifelog"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/runtime"
	"github.com/opencane/edge-runtime/internal/store"
)

// Server is the control HTTP API: the administrative surface for device
// event/command submission, binding and operation lifecycle, lifelog
// recall, and digital-task management, laid over a chi router with the
// shared middleware stack.
type Server struct {
	http   *http.Server
	log    zerolog.Logger
	health *HealthHandler
}

// ServerOptions wires every collaborator the control API's handlers need.
type ServerOptions struct {
	Config    *config.Config
	DB        *store.DB
	Runtime   *runtime.Runtime
	Lifelog   *lifelog.Pool
	Tasks     *digitaltask.Service
	Version     string
	StartTime   time.Time
	Log         zerolog.Logger
	OpenAPISpec []byte
}

// NewServer builds the control API router and HTTP server.
func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	health := NewHealthHandler(opts.DB, opts.Runtime, opts.Version, opts.StartTime)
	r.Get("/healthz", health.ServeHTTP)

	if len(opts.OpenAPISpec) > 0 {
		r.Get("/v1/openapi.yaml", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(opts.OpenAPISpec)
		})
	}

	if opts.Config.MetricsEnabled {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	device := NewDeviceHandler(opts.Runtime, opts.DB)
	lifelogH := NewLifelogHandler(opts.Lifelog, opts.DB)
	task := NewTaskHandler(opts.Tasks, opts.DB)
	statusH := NewStatusHandler(opts.Runtime, opts.Config)

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(10 << 20))
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.AuthToken, opts.Config.WriteToken))
		r.Use(WriteAuth(opts.Config.WriteToken))
		if opts.Config.ControlAPIReplayEnabled {
			r.Use(ReplayProtection(opts.Config.ControlAPIReplayWindow, nil))
		}
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/runtime/status", statusH.ServeHTTP)

			r.Route("/device", func(r chi.Router) {
				r.Post("/event", device.PostEvent)
				r.Post("/command", device.PostCommand)
				r.Post("/register", device.PostRegister)
				r.Post("/bind", device.PostBind)
				r.Post("/activate", device.PostActivate)
				r.Post("/revoke", device.PostRevoke)
				r.Route("/operation", func(r chi.Router) {
					r.Post("/enqueue", device.PostOperationEnqueue)
					r.Post("/mark", device.PostOperationMark)
					r.Post("/query", device.PostOperationQuery)
				})
			})

			r.Route("/lifelog", func(r chi.Router) {
				r.Post("/ingest", lifelogH.PostIngest)
				r.Post("/query", lifelogH.PostQuery)
				r.Post("/timeline", lifelogH.PostTimeline)
				r.Route("/safety", func(r chi.Router) {
					r.Post("/query", lifelogH.PostSafetyQuery)
					r.Post("/stats", lifelogH.PostSafetyStats)
				})
				r.Route("/thought_trace", func(r chi.Router) {
					r.Post("/append", lifelogH.PostThoughtTraceAppend)
					r.Post("/query", lifelogH.PostThoughtTraceQuery)
					r.Post("/replay", lifelogH.PostThoughtTraceReplay)
				})
			})

			r.Route("/digital_task", func(r chi.Router) {
				r.Post("/execute", task.PostExecute)
				r.Post("/cancel", task.PostCancel)
				r.Post("/list", task.PostList)
				r.Post("/stats", task.PostStats)
				r.Post("/flush_pending_updates", task.PostFlushPendingUpdates)
			})
		})
	})

	srv := &http.Server{
		Addr:         opts.Config.ControlAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log, health: health}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("control http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("control http server shutting down")
	return s.http.Shutdown(ctx)
}
