package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

const sourceDownloadTimeout = 30 * time.Minute

// SetInputFile stores an uploaded video as the session input. Anything
// derived from a previous input is cleared.
func (s *Service) SetInputFile(ctx context.Context, id, filename string, r io.Reader) (*session.Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusRendering {
		return nil, conflictf("session is rendering")
	}
	if s.uploadDir == "" {
		return nil, fmt.Errorf("upload directory is not configured")
	}

	name := delivery.SafeFilename(filename, "input.mp4")
	localPath, size, err := s.saveUpload(id, name, r)
	if err != nil {
		return nil, err
	}

	input := &session.Input{
		SourceType: session.SourceFile,
		LocalPath:  localPath,
		Filename:   name,
		Title:      strings.TrimSuffix(name, filepath.Ext(name)),
		SizeBytes:  &size,
	}

	workerSessionID := ""
	if s.worker != nil {
		info, err := s.worker.UploadFile(ctx, id, localPath)
		if err != nil {
			s.logger.Warn("worker upload failed", "session_id", id, "error", err)
			if sess.Input == nil || sess.Input.LocalPath != localPath {
				_ = os.Remove(localPath)
			}
			s.failStage(ctx, id, "input", err)
			return nil, err
		}
		workerSessionID = applyMediaInfo(input, info, id)
	}
	if err := s.probe(ctx, input, workerSessionID); err != nil {
		s.logger.Warn("probe failed", "session_id", id, "error", err)
	}

	return s.commitInput(ctx, id, input, workerSessionID)
}

// SetInputURL asks the worker to fetch a video by URL.
func (s *Service) SetInputURL(ctx context.Context, id, rawURL string) (*session.Session, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, inputErrorf("url must be an absolute http(s) URL")
	}
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusRendering {
		return nil, conflictf("session is rendering")
	}
	if err := s.requireWorker(); err != nil {
		return nil, err
	}

	info, err := s.worker.FetchYouTube(ctx, id, u.String())
	if err != nil {
		s.logger.Warn("worker fetch failed", "session_id", id, "error", err)
		s.failStage(ctx, id, "input", err)
		return nil, err
	}
	input := &session.Input{SourceType: session.SourceYouTube, SourceURL: u.String()}
	workerSessionID := applyMediaInfo(input, info, id)
	if input.Filename == "" {
		input.Filename = path.Base(input.StorageKey)
	}

	if s.localSource {
		p, err := s.downloadSource(ctx, id, workerSessionID, input.StorageKey, input.Filename)
		if err != nil {
			s.logger.Warn("source download failed", "session_id", id, "error", err)
			s.failStage(ctx, id, "input", err)
			return nil, err
		}
		input.LocalPath = p
	}
	if err := s.probe(ctx, input, workerSessionID); err != nil {
		s.logger.Warn("probe failed", "session_id", id, "error", err)
	}

	return s.commitInput(ctx, id, input, workerSessionID)
}

func (s *Service) commitInput(ctx context.Context, id string, input *session.Input, workerSessionID string) (*session.Session, error) {
	var previous *session.Input
	var staleKeys []string
	sess, err := s.update(ctx, id, func(sess *session.Session) error {
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering")
		}
		previous = sess.Input
		for _, o := range sess.Outputs {
			if o.StorageKey != "" {
				staleKeys = append(staleKeys, o.StorageKey)
			}
		}
		sess.ResetInput()
		sess.Input = input
		sess.WorkerSessionID = workerSessionID
		sess.Logf("input set from %s (%s)", input.SourceType, input.Filename)
		return sess.Transition(session.StatusInputReady)
	})
	if err != nil {
		return nil, err
	}

	if previous != nil && previous.LocalPath != "" && previous.LocalPath != input.LocalPath {
		_ = os.Remove(previous.LocalPath)
	}
	if len(staleKeys) > 0 && s.store != nil {
		if err := s.store.Remove(ctx, staleKeys); err != nil {
			s.logger.Warn("failed to remove stale outputs", "session_id", id, "error", err)
		}
	}

	s.logger.Info("input ready",
		"session_id", id,
		"source", input.SourceType,
		"duration", input.Duration(),
	)
	return sess, nil
}

func (s *Service) saveUpload(id, name string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(s.uploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("save upload: %w", err)
	}
	if n == 0 {
		return "", 0, inputErrorf("uploaded file is empty")
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(f.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("save upload: %w", err)
	}
	return dst, n, nil
}

// downloadSource pulls the worker's copy of a fetched video to disk.
func (s *Service) downloadSource(ctx context.Context, id, workerSessionID, key, filename string) (string, error) {
	signed, err := s.worker.DownloadURL(ctx, workerSessionID, key, time.Hour)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sourceDownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return "", fmt.Errorf("create source request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download source: status %d", resp.StatusCode)
	}
	p, _, err := s.saveUpload(id, delivery.SafeFilename(filename, "input.mp4"), resp.Body)
	return p, err
}

// probe fills missing duration and dimensions, preferring a local ffprobe
// and falling back to the worker's metadata endpoint.
func (s *Service) probe(ctx context.Context, in *session.Input, workerSessionID string) error {
	if in.DurationSeconds != nil && in.Width != nil && in.Height != nil {
		return nil
	}
	if s.prober != nil && in.LocalPath != "" {
		p, err := s.prober.Probe(ctx, in.LocalPath)
		if err == nil {
			if in.DurationSeconds == nil && p.Duration > 0 {
				in.DurationSeconds = &p.Duration
			}
			if in.Width == nil {
				in.Width, in.Height = &p.Width, &p.Height
			}
			return nil
		}
		if s.worker == nil {
			return err
		}
	}
	if s.worker != nil && in.StorageKey != "" {
		info, err := s.worker.Metadata(ctx, workerSessionID, in.StorageKey)
		if err != nil {
			return err
		}
		if in.DurationSeconds == nil {
			in.DurationSeconds = info.DurationSeconds
		}
		if in.Width == nil {
			in.Width, in.Height = info.Width, info.Height
		}
	}
	return nil
}

// applyMediaInfo copies worker metadata onto in and returns the worker
// session id to use from now on.
func applyMediaInfo(in *session.Input, info *worker.MediaInfo, fallbackID string) string {
	in.StorageKey = info.VideoKey
	if info.Filename != "" && in.Filename == "" {
		in.Filename = info.Filename
	}
	if info.Title != "" {
		in.Title = info.Title
	}
	if info.DurationSeconds != nil {
		in.DurationSeconds = info.DurationSeconds
	}
	if info.Width != nil {
		in.Width = info.Width
	}
	if info.Height != nil {
		in.Height = info.Height
	}
	if info.SizeBytes != nil && in.SizeBytes == nil {
		in.SizeBytes = info.SizeBytes
	}
	if info.SessionID != "" {
		return info.SessionID
	}
	return fallbackID
}
