// Package pipeline drives a session through input, transcription,
// highlight selection, approval, rendering and delivery. Every operation
// is request driven and persists the whole session after each step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/render"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

// WorkerAPI is the media worker surface the pipeline calls.
type WorkerAPI interface {
	Health(ctx context.Context) (*worker.HealthResponse, error)
	UploadFile(ctx context.Context, sessionID, path string) (*worker.MediaInfo, error)
	FetchYouTube(ctx context.Context, sessionID, url string) (*worker.MediaInfo, error)
	Metadata(ctx context.Context, sessionID, videoKey string) (*worker.MediaInfo, error)
	QueueTranscription(ctx context.Context, req worker.TranscribeRequest) (*worker.JobStatus, error)
	TranscriptionStatus(ctx context.Context, workerSessionID string) (*worker.JobStatus, error)
	DownloadURL(ctx context.Context, sessionID, key string, ttl time.Duration) (string, error)
	Cleanup(ctx context.Context, workerSessionID string) error
}

// Deps wires the Service. Worker and Prober may be nil.
type Deps struct {
	Repo      session.Repository
	Worker    WorkerAPI
	Prober    render.Prober
	Engine    *highlight.Engine
	Renderer  *render.Orchestrator
	Previewer render.Previewer
	Packager  *delivery.Packager
	Store     blob.Store
	Logger    *slog.Logger

	// UploadDir holds local copies of session inputs.
	UploadDir string
	// LocalSource keeps a local copy of every input, including ones
	// fetched by URL, for in-process rendering.
	LocalSource bool
}

type Service struct {
	repo        session.Repository
	worker      WorkerAPI
	prober      render.Prober
	engine      *highlight.Engine
	renderer    *render.Orchestrator
	previewer   render.Previewer
	packager    *delivery.Packager
	store       blob.Store
	logger      *slog.Logger
	uploadDir   string
	localSource bool
}

func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repo,
		worker:      d.Worker,
		prober:      d.Prober,
		engine:      d.Engine,
		renderer:    d.Renderer,
		previewer:   d.Previewer,
		packager:    d.Packager,
		store:       d.Store,
		logger:      d.Logger,
		uploadDir:   d.UploadDir,
		localSource: d.LocalSource,
	}
}

// CreateSession validates options and stores a new session.
func (s *Service) CreateSession(ctx context.Context, opts session.Options) (*session.Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, &InputError{Msg: err.Error()}
	}
	sess := session.New(opts)
	sess.Logf("session created")
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", sess.ID, "quality", opts.Quality, "crop_mode", opts.CropMode)
	return sess, nil
}

// GetStatus returns the stored session.
func (s *Service) GetStatus(ctx context.Context, id string) (*session.Session, error) {
	return s.get(ctx, id)
}

// Delete removes a session and, best effort, its worker and blob data.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if s.worker != nil && sess.WorkerSessionID != "" {
		if err := s.worker.Cleanup(ctx, sess.WorkerSessionID); err != nil {
			s.logger.Warn("worker cleanup failed", "session_id", id, "error", err)
		}
	}
	if s.store != nil {
		keys, err := s.store.List(ctx, render.SessionPrefix(id))
		if err == nil && len(keys) > 0 {
			err = s.store.Remove(ctx, keys)
		}
		if err != nil {
			s.logger.Warn("blob cleanup failed", "session_id", id, "error", err)
		}
	}
	if s.uploadDir != "" {
		if err := os.RemoveAll(filepath.Join(s.uploadDir, id)); err != nil {
			s.logger.Warn("upload cleanup failed", "session_id", id, "error", err)
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Health reports worker reachability. A nil response means no worker.
func (s *Service) Health(ctx context.Context) (*worker.HealthResponse, error) {
	if s.worker == nil {
		return nil, nil
	}
	return s.worker.Health(ctx)
}

func (s *Service) get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// update wraps Repository.Update and maps a missing record.
func (s *Service) update(ctx context.Context, id string, fn session.UpdateFunc) (*session.Session, error) {
	sess, err := s.repo.Update(ctx, id, fn)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// fail persists a stage failure. Earlier stage results stay intact and
// the write ignores caller cancellation.
func (s *Service) fail(ctx context.Context, id, stage string, cause error) {
	msg := cause.Error()
	if worker.IsUnreachable(cause) {
		msg = worker.UnreachableMessage
	}
	ctx = context.WithoutCancel(ctx)
	_, err := s.update(ctx, id, func(sess *session.Session) error {
		sess.Fail(fmt.Sprintf("%s: %s", stage, msg))
		return nil
	})
	if err != nil {
		s.logger.Error("failed to persist stage error", "session_id", id, "stage", stage, "error", err)
		return
	}
	s.logger.Warn("stage failed", "session_id", id, "stage", stage, "error", msg)
}

// failStage records a stage failure. An unreachable worker or a cancelled
// request leaves the session as it was so the call can be retried.
func (s *Service) failStage(ctx context.Context, id, stage string, cause error) {
	if worker.IsUnreachable(cause) || errors.Is(cause, context.Canceled) {
		return
	}
	s.fail(ctx, id, stage, cause)
}

func (s *Service) requireWorker() error {
	if s.worker == nil {
		return ErrWorkerUnavailable
	}
	return nil
}
