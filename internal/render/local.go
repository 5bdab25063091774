package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// LocalConfig configures the in-process ffmpeg pipeline.
type LocalConfig struct {
	FFmpeg       string
	WorkDir      string
	Font         string
	SignedURLTTL time.Duration
}

// LocalRenderer runs extract, crop, audio reattach, scale and subtitle
// burn-in with ffmpeg, then uploads the final clip to the blob store.
type LocalRenderer struct {
	cfg     LocalConfig
	runner  Runner
	cropper Cropper
	store   blob.Store
	logger  *slog.Logger
}

func NewLocalRenderer(cfg LocalConfig, runner Runner, cropper Cropper, store blob.Store, logger *slog.Logger) *LocalRenderer {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}
	return &LocalRenderer{cfg: cfg, runner: runner, cropper: cropper, store: store, logger: logger}
}

func (r *LocalRenderer) Render(ctx context.Context, job Job) (*Result, error) {
	if job.SourcePath == "" {
		return nil, errors.New("session input has no local file")
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		return nil, fmt.Errorf("source video unavailable: %w", err)
	}

	res := &Result{}
	for _, clip := range job.Clips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.renderClip(ctx, job, clip)
		if err != nil {
			r.logger.Warn("clip render failed",
				"session_id", job.SessionID,
				"highlight_index", clip.HighlightIndex,
				"error", err,
			)
			res.Failures = append(res.Failures, ClipFailure{HighlightIndex: clip.HighlightIndex, Err: err.Error()})
			continue
		}
		res.Outputs = append(res.Outputs, *out)
	}
	return res, nil
}

func (r *LocalRenderer) renderClip(ctx context.Context, job Job, clip Clip) (*session.Output, error) {
	dir := filepath.Join(r.cfg.WorkDir, job.SessionID, fmt.Sprintf("clip-%d-%s", clip.HighlightIndex+1, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove intermediates", "dir", dir, "error", err)
		}
	}()

	extracted := filepath.Join(dir, "extracted.mp4")
	if err := r.ffmpeg(ctx, "extract",
		"-ss", seconds(clip.Start),
		"-i", job.SourcePath,
		"-t", seconds(clip.End-clip.Start),
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
		"-c:a", "aac", "-b:a", "128k",
		extracted,
	); err != nil {
		return nil, err
	}

	cropped := filepath.Join(dir, "cropped.mp4")
	if err := r.cropper.Crop(ctx, extracted, cropped, job.Options.CropMode); err != nil {
		return nil, err
	}

	current := filepath.Join(dir, "merged.mp4")
	if err := r.ffmpeg(ctx, "reattach audio",
		"-i", cropped,
		"-i", extracted,
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		current,
	); err != nil {
		return nil, err
	}

	if w, h, ok := Dimensions(job.Options.Quality); ok {
		scaled := filepath.Join(dir, "scaled.mp4")
		if err := r.ffmpeg(ctx, "scale",
			"-i", current,
			"-vf", fmt.Sprintf("scale=%d:%d,setsar=1", w, h),
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
			"-c:a", "copy",
			scaled,
		); err != nil {
			return nil, err
		}
		current = scaled
	}

	if job.Options.SubtitlesEnabled {
		if srt := ClipSubtitles(job.Segments, clip.Start, clip.End); srt != "" {
			srtPath := filepath.Join(dir, "clip.srt")
			if err := os.WriteFile(srtPath, []byte(srt), 0o644); err != nil {
				return nil, fmt.Errorf("write subtitles: %w", err)
			}
			subtitled := filepath.Join(dir, "subtitled.mp4")
			if err := r.ffmpeg(ctx, "subtitles",
				"-i", current,
				"-vf", subtitleFilter(srtPath, r.font(job)),
				"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
				"-c:a", "copy",
				subtitled,
			); err != nil {
				return nil, err
			}
			current = subtitled
		}
	}

	filename := OutputFilename(clip.Title, job.SessionID, clip.HighlightIndex, "mp4")
	key := OutputKey(job.SessionID, filename)
	if err := r.upload(ctx, key, current); err != nil {
		return nil, err
	}
	url, err := r.store.SignedURL(ctx, key, r.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign output url: %w", err)
	}

	return &session.Output{
		HighlightIndex:  clip.HighlightIndex,
		StorageKey:      key,
		Filename:        filename,
		PublicURL:       url,
		DurationSeconds: clip.End - clip.Start,
	}, nil
}

// Preview cuts a 360p copy of the window for quick review.
func (r *LocalRenderer) Preview(ctx context.Context, job PreviewJob) (string, error) {
	if job.SourcePath == "" {
		return "", errors.New("session input has no local file")
	}
	dir := filepath.Join(r.cfg.WorkDir, job.SessionID, "preview-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "preview.mp4")
	if err := r.ffmpeg(ctx, "preview",
		"-ss", seconds(job.Start),
		"-i", job.SourcePath,
		"-t", seconds(job.End-job.Start),
		"-vf", "scale=-2:360",
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "28",
		"-c:a", "aac", "-b:a", "96k",
		out,
	); err != nil {
		return "", err
	}

	key := PreviewKey(job.SessionID, job.HighlightIndex)
	if err := r.upload(ctx, key, out); err != nil {
		return "", err
	}
	return r.store.SignedURL(ctx, key, r.cfg.SignedURLTTL)
}

func (r *LocalRenderer) ffmpeg(ctx context.Context, stage string, args ...string) error {
	res := r.runner.Run(ctx, Command{
		Name: r.cfg.FFmpeg,
		Args: append([]string{"-hide_banner", "-y"}, args...),
	})
	if !res.IsSuccess() {
		return &StageError{Stage: stage, Result: res}
	}
	return nil
}

func (r *LocalRenderer) upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rendered clip: %w", err)
	}
	defer f.Close()
	if err := r.store.Put(ctx, key, f, "video/mp4"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (r *LocalRenderer) font(job Job) string {
	if job.Options.Font != "" {
		return job.Options.Font
	}
	return r.cfg.Font
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
