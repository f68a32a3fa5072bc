// Package api is the HTTP surface: account management, job submission, SSE
// progress streaming, catalog queries, downloads, and live sessions.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/auth"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/live"
	"github.com/snarg/grabadora/internal/metrics"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/storage"
	"github.com/snarg/grabadora/internal/worker"
)

// Store is the slice of the catalog the API uses.
type Store interface {
	HealthCheck(ctx context.Context) error
	CreateUser(ctx context.Context, email, hashedPassword string) (*database.User, error)
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	CreateTranscript(ctx context.Context, t *database.Transcript) error
	GetTranscript(ctx context.Context, ownerID int, id string) (*database.Transcript, error)
	GetTranscriptByJobID(ctx context.Context, jobID string) (*database.Transcript, error)
	ListTranscripts(ctx context.Context, ownerID int, filter database.TranscriptFilter) ([]database.Transcript, int, error)
	DeleteTranscript(ctx context.Context, ownerID int, id string) (*database.Transcript, error)
}

// WorkerStats exposes pool counters to the health endpoint.
type WorkerStats interface {
	Stats() worker.Stats
}

// DebugSource exposes the engine debug ring.
type DebugSource interface {
	Events() []engine.DebugEvent
}

// Deps carries everything the handlers need.
type Deps struct {
	Config  *config.Config
	DB      Store
	Blobs   storage.BlobStore
	Queue   queue.Queue
	Live    *live.Manager
	Tokens  *auth.Tokens
	Workers WorkerStats
	Debug   DebugSource
	Log     zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(d Deps) *Server {
	r := NewRouter(d)
	return &Server{
		http: &http.Server{
			Addr:         d.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  d.Config.ReadTimeout,
			WriteTimeout: d.Config.WriteTimeout,
			IdleTimeout:  d.Config.IdleTimeout,
		},
		log: d.Log.With().Str("component", "api").Logger(),
	}
}

// NewRouter builds the full route tree. Split from NewServer so tests can
// mount it on httptest servers.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(d.Log))
	r.Use(CORS(d.Config.FrontendOrigin))
	r.Use(metrics.InstrumentHandler)

	h := &handlers{Deps: d}

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/signup", h.signup)
	r.Post("/auth/token", h.token)

	r.Group(func(r chi.Router) {
		r.Use(UserAuth(d.Tokens))

		r.Post("/transcribe", h.submit)
		r.Get("/transcribe/{jobID}", h.streamProgress)
		r.Get("/jobs/{jobID}", h.jobSnapshot)

		r.Get("/transcripts", h.listTranscripts)
		r.Get("/transcripts/{id}", h.getTranscript)
		r.Get("/transcripts/{id}/download", h.downloadTranscript)
		r.Delete("/transcripts/{id}", h.deleteTranscript)
		r.Post("/transcripts/{id}/export", h.exportTranscript)

		r.Post("/transcriptions/live/sessions", h.liveCreate)
		r.Post("/transcriptions/live/sessions/{id}/chunk", h.liveChunk)
		r.Post("/transcriptions/live/sessions/{id}/finalize", h.liveFinalize)
		r.Delete("/transcriptions/live/sessions/{id}", h.liveDiscard)

		r.Get("/debug/events", h.debugEvents)
	})

	return r
}

// handlers binds the dependency set to the route methods.
type handlers struct {
	Deps
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
