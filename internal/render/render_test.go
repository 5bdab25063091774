package render

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner records commands and writes a placeholder file at the
// command's output path. Commands whose name is in fail exit 1.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	fail   map[string]bool
	stdout string
}

func (f *fakeRunner) Run(_ context.Context, c Command) RunResult {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.fail[c.Name] {
		return RunResult{ExitCode: 1, StderrTail: c.Name + " exploded"}
	}
	if c.Stdout != nil {
		c.Stdout.Write([]byte(f.stdout))
		return RunResult{}
	}
	if out := outputArg(c.Args); out != "" {
		os.WriteFile(out, []byte("media:"+filepath.Base(out)), 0o644)
	}
	return RunResult{}
}

func (f *fakeRunner) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, stageOf(c))
	}
	return out
}

func outputArg(args []string) string {
	for i, a := range args {
		if a == "--output" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func stageOf(c Command) string {
	if c.Name == "python3" {
		return "script"
	}
	vf := argAfter(c.Args, "-vf")
	switch {
	case strings.HasPrefix(vf, "crop="):
		return "crop"
	case strings.HasPrefix(vf, "scale=-2"):
		return "preview"
	case strings.HasPrefix(vf, "scale="):
		return "scale"
	case strings.HasPrefix(vf, "subtitles="):
		return "subtitles"
	}
	for _, a := range c.Args {
		if a == "-shortest" {
			return "reattach"
		}
	}
	if argAfter(c.Args, "-ss") != "" {
		return "extract"
	}
	return "other"
}

type fakeProber struct {
	width, height int
}

func (p fakeProber) Probe(context.Context, string) (*ProbeResult, error) {
	return &ProbeResult{Width: p.width, Height: p.height, Duration: 30}, nil
}

type localFixture struct {
	runner   *fakeRunner
	store    *blob.LocalStore
	renderer *LocalRenderer
	workDir  string
	source   string
}

func newLocalFixture(t *testing.T, script bool) *localFixture {
	t.Helper()
	root := t.TempDir()
	store, err := blob.NewLocalStore(filepath.Join(root, "blobs"), "http://clips.test/blobs", blob.NewSigner("k"), testLogger())
	require.NoError(t, err)

	source := filepath.Join(root, "source.mp4")
	require.NoError(t, os.WriteFile(source, []byte("source"), 0o644))

	runner := &fakeRunner{fail: map[string]bool{}}
	cropper := &FallbackCropper{
		Center: NewCenterCropper("ffmpeg", runner, fakeProber{width: 1920, height: 1080}),
		Logger: testLogger(),
	}
	if script {
		cropper.Script = NewScriptCropper("python3", "/opt/crop.py", runner)
	}
	workDir := filepath.Join(root, "work")
	r := NewLocalRenderer(LocalConfig{FFmpeg: "ffmpeg", WorkDir: workDir, Font: "Arial"}, runner, cropper, store, testLogger())
	return &localFixture{runner: runner, store: store, renderer: r, workDir: workDir, source: source}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"The Big Idea!":          "the-big-idea",
		"  --Hello,   World--  ": "hello-world",
		"":                       "clip",
		"!!!":                    "clip",
		"Q3 Results 2024":        "q3-results-2024",
		"한국어 제목":                 "한국어-제목",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
	long := strings.Repeat("a", 200)
	assert.Len(t, []rune(Slugify(long)), maxSlugRunes)
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "the-big-idea_abc123_short_1.mp4", OutputFilename("The Big Idea", "abc123", 0, "mp4"))
	assert.Equal(t, "clip_abc123_short_3.mov", OutputFilename("", "abc123", 2, ".mov"))
	assert.Equal(t, "sessions/abc123/outputs/x.mp4", OutputKey("abc123", "x.mp4"))
}

func TestDimensions(t *testing.T) {
	w, h, ok := Dimensions(session.Quality1080)
	assert.True(t, ok)
	assert.Equal(t, [2]int{1080, 1920}, [2]int{w, h})
	w, h, _ = Dimensions(session.Quality720)
	assert.Equal(t, [2]int{720, 1280}, [2]int{w, h})
	w, h, _ = Dimensions(session.Quality480)
	assert.Equal(t, [2]int{480, 854}, [2]int{w, h})
	_, _, ok = Dimensions(session.QualityAuto)
	assert.False(t, ok)
}

func TestCenterCrop(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		cw, ch, x, y  int
	}{
		{"landscape", 1920, 1080, 606, 1080, 657, 0},
		{"exact vertical", 1080, 1920, 1080, 1920, 0, 0},
		{"tall phone", 1080, 2400, 1080, 1920, 0, 240},
		{"narrow odd height", 500, 1081, 500, 888, 0, 96},
		{"square", 720, 720, 404, 720, 158, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cw, ch, x, y := CenterCrop(tt.width, tt.height)
			assert.Equal(t, tt.cw, cw)
			assert.Equal(t, tt.ch, ch)
			assert.Equal(t, tt.x, x)
			assert.Equal(t, tt.y, y)
			assert.InDelta(t, 9.0/16.0, float64(cw)/float64(ch), 0.005)
			assert.LessOrEqual(t, x+cw, tt.width)
			assert.LessOrEqual(t, y+ch, tt.height)
		})
	}
}

func TestCenterCropper_TallSourceCropsHeight(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{}}
	out := filepath.Join(t.TempDir(), "crop.mp4")
	c := NewCenterCropper("ffmpeg", runner, fakeProber{width: 1080, height: 2400})

	require.NoError(t, c.Crop(context.Background(), "in.mp4", out, session.CropAuto))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "crop=1080:1920:0:240", argAfter(runner.calls[0].Args, "-vf"))
}

func TestClipSubtitles_RebasedToClipStart(t *testing.T) {
	segs := []session.Segment{
		{Start: 0, End: 5, Text: "before"},
		{Start: 8, End: 12, Text: "straddles start"},
		{Start: 15, End: 25, Text: "straddles end"},
	}
	got := ClipSubtitles(segs, 10, 20)
	want := "1\n00:00:00,000 --> 00:00:02,000\nstraddles start\n\n" +
		"2\n00:00:05,000 --> 00:00:10,000\nstraddles end\n\n"
	assert.Equal(t, want, got)
	assert.Empty(t, ClipSubtitles(segs, 40, 50))
}

func TestSRTTimestamp(t *testing.T) {
	assert.Equal(t, "01:02:05,500", srtTimestamp(3725.5))
	assert.Equal(t, "00:00:00,000", srtTimestamp(-1))
}

func TestSubtitleFilter(t *testing.T) {
	assert.Equal(t,
		`subtitles=/tmp/a\:b/clip.srt:force_style='FontName=Noto Sans'`,
		subtitleFilter("/tmp/a:b/clip.srt", "Noto Sans"))
	assert.Equal(t, "subtitles=/w/clip.srt", subtitleFilter("/w/clip.srt", "  "))
	assert.Equal(t, "Evil", sanitizeFont("E'v,i:l"))
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"format": {"duration": "90.250000", "size": "1048576"},
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
		]
	}`)
	p, err := parseProbe(data)
	require.NoError(t, err)
	assert.InDelta(t, 90.25, p.Duration, 0.0001)
	assert.Equal(t, 1920, p.Width)
	assert.Equal(t, 1080, p.Height)
	assert.Equal(t, "h264", p.Codec)
	assert.Equal(t, int64(1048576), p.SizeBytes)
	assert.True(t, p.HasAudio)

	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`))
	assert.Error(t, err)
}

func TestFFprobe_UsesRunnerStdout(t *testing.T) {
	runner := &fakeRunner{stdout: `{"format":{"duration":"12"},"streams":[{"codec_type":"video","width":640,"height":360}]}`}
	p, err := NewFFprobe("", runner).Probe(context.Background(), "/in.mp4")
	require.NoError(t, err)
	assert.Equal(t, 640, p.Width)
	assert.Equal(t, "ffprobe", runner.calls[0].Name)
	assert.Equal(t, "/in.mp4", runner.calls[0].Args[len(runner.calls[0].Args)-1])
}

func TestLocalRenderer_RunsStagesInOrder(t *testing.T) {
	fx := newLocalFixture(t, false)
	job := Job{
		SessionID:  "sess01",
		SourcePath: fx.source,
		Options: session.Options{
			Quality:          session.Quality720,
			CropMode:         session.CropAuto,
			SubtitlesEnabled: true,
		},
		Segments: []session.Segment{{Start: 11, End: 14, Text: "hello there"}},
		Clips:    []Clip{{HighlightIndex: 2, Start: 10, End: 40, Title: "Opening Hook"}},
	}

	res, err := fx.renderer.Render(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Empty(t, res.Failures)

	assert.Equal(t, []string{"extract", "crop", "reattach", "scale", "subtitles"}, fx.runner.stages())

	out := res.Outputs[0]
	assert.Equal(t, 2, out.HighlightIndex)
	assert.Equal(t, "opening-hook_sess01_short_3.mp4", out.Filename)
	assert.Equal(t, "sessions/sess01/outputs/opening-hook_sess01_short_3.mp4", out.StorageKey)
	assert.True(t, strings.HasPrefix(out.PublicURL, "http://clips.test/blobs/sessions/sess01/outputs/"))
	assert.InDelta(t, 30, out.DurationSeconds, 0.001)

	_, err = fx.store.Path(out.StorageKey)
	assert.NoError(t, err)

	extract := fx.runner.calls[0]
	assert.Equal(t, "10.000", argAfter(extract.Args, "-ss"))
	assert.Equal(t, "30.000", argAfter(extract.Args, "-t"))
	assert.Equal(t, "crop=606:1080:657:0", argAfter(fx.runner.calls[1].Args, "-vf"))
	assert.Equal(t, "scale=720:1280,setsar=1", argAfter(fx.runner.calls[3].Args, "-vf"))
	assert.Contains(t, argAfter(fx.runner.calls[4].Args, "-vf"), "FontName=Arial")

	entries, _ := os.ReadDir(filepath.Join(fx.workDir, "sess01"))
	assert.Empty(t, entries, "intermediates must be removed")
}

func TestLocalRenderer_AutoQualityWithoutSubtitlesSkipsStages(t *testing.T) {
	fx := newLocalFixture(t, false)
	job := Job{
		SessionID:  "sess02",
		SourcePath: fx.source,
		Options:    session.Options{Quality: session.QualityAuto, CropMode: session.CropAuto},
		Clips:      []Clip{{HighlightIndex: 0, Start: 0, End: 5}},
	}
	res, err := fx.renderer.Render(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, []string{"extract", "crop", "reattach"}, fx.runner.stages())
}

func TestLocalRenderer_SessionFontWins(t *testing.T) {
	fx := newLocalFixture(t, false)
	job := Job{
		SessionID:  "sess03",
		SourcePath: fx.source,
		Options:    session.Options{Quality: session.QualityAuto, SubtitlesEnabled: true, Font: "Roboto"},
		Segments:   []session.Segment{{Start: 0, End: 2, Text: "hi"}},
		Clips:      []Clip{{HighlightIndex: 0, Start: 0, End: 5}},
	}
	_, err := fx.renderer.Render(context.Background(), job)
	require.NoError(t, err)
	last := fx.runner.calls[len(fx.runner.calls)-1]
	assert.Contains(t, argAfter(last.Args, "-vf"), "FontName=Roboto")
}

func TestLocalRenderer_ScriptFailureFallsBackToCenter(t *testing.T) {
	fx := newLocalFixture(t, true)
	fx.runner.fail["python3"] = true
	job := Job{
		SessionID:  "sess04",
		SourcePath: fx.source,
		Options:    session.Options{Quality: session.QualityAuto, CropMode: session.CropFace},
		Clips:      []Clip{{HighlightIndex: 0, Start: 0, End: 5}},
	}
	res, err := fx.renderer.Render(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, []string{"extract", "script", "crop", "reattach"}, fx.runner.stages())
	assert.Equal(t, "face", argAfter(fx.runner.calls[1].Args, "--mode"))
}

func TestLocalRenderer_ClipFailureIsReported(t *testing.T) {
	fx := newLocalFixture(t, false)
	fx.runner.fail["ffmpeg"] = true
	job := Job{
		SessionID:  "sess05",
		SourcePath: fx.source,
		Options:    session.Options{Quality: session.QualityAuto},
		Clips:      []Clip{{HighlightIndex: 1, Start: 0, End: 5}},
	}
	res, err := fx.renderer.Render(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].HighlightIndex)
	assert.Contains(t, res.Failures[0].Err, "extract failed")
}

func TestLocalRenderer_MissingSource(t *testing.T) {
	fx := newLocalFixture(t, false)
	_, err := fx.renderer.Render(context.Background(), Job{SessionID: "s", SourcePath: "/nope.mp4"})
	assert.Error(t, err)
}

func TestLocalRenderer_Preview(t *testing.T) {
	fx := newLocalFixture(t, false)
	url, err := fx.renderer.Preview(context.Background(), PreviewJob{
		SessionID: "sess06", SourcePath: fx.source, HighlightIndex: 0, Start: 3, End: 9,
	})
	require.NoError(t, err)
	assert.Contains(t, url, "sessions/sess06/previews/highlight_1.mp4")
	assert.Equal(t, []string{"preview"}, fx.runner.stages())
}

func TestLimitedWriter_KeepsTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 8}
	n, err := lw.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	lw.Write([]byte("ab"))
	assert.Equal(t, "456789ab", buf.String())
}
