package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ProbeResult is the subset of ffprobe output the pipeline uses.
type ProbeResult struct {
	Duration  float64
	Width     int
	Height    int
	Codec     string
	SizeBytes int64
	HasAudio  bool
}

// Prober reads media properties of a local file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFprobe shells out to ffprobe and parses its JSON report.
type FFprobe struct {
	bin    string
	runner Runner
}

func NewFFprobe(bin string, runner Runner) *FFprobe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFprobe{bin: bin, runner: runner}
}

type ffprobeReport struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var out bytes.Buffer
	res := p.runner.Run(ctx, Command{
		Name: p.bin,
		Args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
		Stdout: &out,
	})
	if !res.IsSuccess() {
		return nil, &StageError{Stage: "probe", Result: res}
	}
	return parseProbe(out.Bytes())
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var report ffprobeReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	if d, err := strconv.ParseFloat(report.Format.Duration, 64); err == nil {
		result.Duration = d
	}
	if n, err := strconv.ParseInt(report.Format.Size, 10, 64); err == nil {
		result.SizeBytes = n
	}
	for _, s := range report.Streams {
		switch s.CodecType {
		case "video":
			if result.Width == 0 {
				result.Width = s.Width
				result.Height = s.Height
				result.Codec = s.CodecName
			}
			if result.Duration == 0 {
				if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					result.Duration = d
				}
			}
		case "audio":
			result.HasAudio = true
		}
	}
	if result.Width == 0 || result.Height == 0 {
		return nil, fmt.Errorf("no video stream found")
	}
	return result, nil
}
