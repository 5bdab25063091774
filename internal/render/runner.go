package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// Command is one external process invocation.
type Command struct {
	Name   string
	Args   []string
	Env    []string  // appended to the parent environment
	Stdout io.Writer // nil discards stdout
}

// RunResult captures the outcome of a command.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

func (r RunResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// Runner executes external media tools. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) RunResult
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct {
	logger *slog.Logger
}

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = io.Discard
	}

	r.logger.Debug("executing media command", "name", c.Name, "args", c.Args)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		r.logger.Warn("media command failed",
			"name", c.Name,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.logger.Debug("media command succeeded",
			"name", c.Name,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	return RunResult{ExitCode: exitCode, StderrTail: stderrTail, Duration: elapsed}
}

// StageError reports a failed render stage with the tool's stderr tail.
type StageError struct {
	Stage  string
	Result RunResult
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %s", e.Stage, e.Result.ExitCode, truncate(e.Result.StderrTail, 300))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
