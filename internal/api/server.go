// Package api is the HTTP surface of the clip pipeline.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/pipeline"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

// Pipeline is the session surface the handlers drive.
type Pipeline interface {
	CreateSession(ctx context.Context, opts session.Options) (*session.Session, error)
	GetStatus(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
	SetInputFile(ctx context.Context, id, filename string, r io.Reader) (*session.Session, error)
	SetInputURL(ctx context.Context, id, rawURL string) (*session.Session, error)
	Transcribe(ctx context.Context, id, language string) (*pipeline.TranscriptionView, error)
	PollTranscription(ctx context.Context, id string) (*pipeline.TranscriptionView, error)
	SelectHighlights(ctx context.Context, id string, opts highlight.SelectOptions) (*session.Session, error)
	UpdateHighlight(ctx context.Context, id string, index int, start, end float64, title *string) (*session.Session, error)
	RegenerateHighlight(ctx context.Context, id string, index int, opts highlight.SelectOptions) (*session.Session, error)
	Preview(ctx context.Context, id string, index int) (string, error)
	Approve(ctx context.Context, id string, indexes []int) (*session.Session, error)
	Remove(ctx context.Context, id string, indexes []int) (*session.Session, error)
	Render(ctx context.Context, id string, indexes []int) (*session.Session, error)
	GetOutputs(ctx context.Context, id string, indexes []int) ([]delivery.Item, error)
	ExportEDL(ctx context.Context, id string, frameRate float64) (string, error)
	Health(ctx context.Context) (*worker.HealthResponse, error)
}

// Delivery writes resolved outputs to a response.
type Delivery interface {
	Redirect(w http.ResponseWriter, r *http.Request, item delivery.Item)
	Stream(w http.ResponseWriter, r *http.Request, item delivery.Item) error
	WriteZip(ctx context.Context, w io.Writer, items []delivery.Item) (int, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port     int
	Pipeline Pipeline
	Delivery Delivery
	// Blobs serves signed local blob URLs under /blobs. Optional.
	Blobs          http.Handler
	APIToken       string
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	var handler http.Handler = NewRouter(cfg)
	if len(cfg.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
			handlers.ExposedHeaders([]string{"Content-Disposition", "X-Request-ID"}),
		)(handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
