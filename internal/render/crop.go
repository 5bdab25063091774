package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/heimdex/heimdex-autoclip/internal/session"
)

// Cropper reframes a horizontal clip to a vertical, video-only clip.
type Cropper interface {
	Crop(ctx context.Context, in, out string, mode session.CropMode) error
}

// CenterCropper cuts the centered 9:16 window with ffmpeg's crop filter.
type CenterCropper struct {
	ffmpeg string
	runner Runner
	prober Prober
}

func NewCenterCropper(ffmpeg string, runner Runner, prober Prober) *CenterCropper {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &CenterCropper{ffmpeg: ffmpeg, runner: runner, prober: prober}
}

func (c *CenterCropper) Crop(ctx context.Context, in, out string, _ session.CropMode) error {
	info, err := c.prober.Probe(ctx, in)
	if err != nil {
		return fmt.Errorf("probe before crop: %w", err)
	}
	cw, ch, x, y := CenterCrop(info.Width, info.Height)
	if cw < 2 || ch < 2 {
		return fmt.Errorf("invalid crop size %dx%d", cw, ch)
	}

	res := c.runner.Run(ctx, Command{
		Name: c.ffmpeg,
		Args: []string{
			"-hide_banner", "-y",
			"-i", in,
			"-vf", fmt.Sprintf("crop=%d:%d:%d:%d", cw, ch, x, y),
			"-an",
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
			out,
		},
	})
	if !res.IsSuccess() {
		return &StageError{Stage: "crop", Result: res}
	}
	return nil
}

// ScriptCropper delegates subject tracking to an external script invoked
// as `python script --input in --output out --mode auto|face|screen`.
type ScriptCropper struct {
	python string
	script string
	runner Runner
}

func NewScriptCropper(python, script string, runner Runner) *ScriptCropper {
	if python == "" {
		python = "python3"
	}
	return &ScriptCropper{python: python, script: script, runner: runner}
}

func (c *ScriptCropper) Crop(ctx context.Context, in, out string, mode session.CropMode) error {
	if mode == "" {
		mode = session.CropAuto
	}
	res := c.runner.Run(ctx, Command{
		Name: c.python,
		Args: []string{c.script, "--input", in, "--output", out, "--mode", string(mode)},
	})
	if !res.IsSuccess() {
		return &StageError{Stage: "crop script", Result: res}
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("crop script produced no output: %w", err)
	}
	return nil
}

// FallbackCropper prefers the script cropper and falls back to a centered
// crop when the script is missing or fails.
type FallbackCropper struct {
	Script Cropper // may be nil
	Center Cropper
	Logger *slog.Logger
}

func (f *FallbackCropper) Crop(ctx context.Context, in, out string, mode session.CropMode) error {
	if f.Script == nil {
		if mode != session.CropAuto && f.Logger != nil {
			f.Logger.Warn("no crop script configured, using center crop", "mode", mode)
		}
		return f.Center.Crop(ctx, in, out, mode)
	}

	err := f.Script.Crop(ctx, in, out, mode)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if f.Logger != nil {
		f.Logger.Warn("crop script failed, using center crop", "mode", mode, "error", err)
	}
	_ = os.Remove(out)
	return f.Center.Crop(ctx, in, out, mode)
}
