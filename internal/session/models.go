// Package session holds the pipeline Session aggregate, its status machine
// and the repositories that persist it.
package session

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated          Status = "created"
	StatusInputReady       Status = "input_ready"
	StatusTranscribing     Status = "transcribing"
	StatusTranscribed      Status = "transcribed"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRendering        Status = "rendering"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
)

type Quality string

const (
	QualityAuto Quality = "auto"
	Quality1080 Quality = "1080"
	Quality720  Quality = "720"
	Quality480  Quality = "480"
)

type CropMode string

const (
	CropAuto   CropMode = "auto"
	CropFace   CropMode = "face"
	CropScreen CropMode = "screen"
)

type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceFile    SourceType = "file"
)

const (
	// MaxLogs caps the diagnostic log kept on a session.
	MaxLogs = 200
	// MaxRawTranscriptBytes caps the stored provider payload.
	MaxRawTranscriptBytes = 64 * 1024
)

// Options are fixed when the session is created.
type Options struct {
	AutoApprove      bool     `json:"autoApprove"`
	Quality          Quality  `json:"quality"`
	CropMode         CropMode `json:"cropMode"`
	SubtitlesEnabled bool     `json:"subtitlesEnabled"`
	Font             string   `json:"font,omitempty"`
}

// WithDefaults fills zero values with "auto".
func (o Options) WithDefaults() Options {
	if o.Quality == "" {
		o.Quality = QualityAuto
	}
	if o.CropMode == "" {
		o.CropMode = CropAuto
	}
	return o
}

func (o Options) Validate() error {
	switch o.Quality {
	case QualityAuto, Quality1080, Quality720, Quality480:
	default:
		return fmt.Errorf("invalid quality %q", o.Quality)
	}
	switch o.CropMode {
	case CropAuto, CropFace, CropScreen:
	default:
		return fmt.Errorf("invalid crop mode %q", o.CropMode)
	}
	return nil
}

// Input describes the source video. Probe fields stay nil until known.
type Input struct {
	SourceType      SourceType `json:"sourceType"`
	SourceURL       string     `json:"sourceUrl,omitempty"`
	StorageKey      string     `json:"storageKey,omitempty"`
	LocalPath       string     `json:"localPath,omitempty"`
	Filename        string     `json:"filename,omitempty"`
	Title           string     `json:"title,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	Width           *int       `json:"width,omitempty"`
	Height          *int       `json:"height,omitempty"`
	SizeBytes       *int64     `json:"sizeBytes,omitempty"`
}

// Duration returns the probed duration or 0 when unknown.
func (in *Input) Duration() float64 {
	if in == nil || in.DurationSeconds == nil {
		return 0
	}
	return *in.DurationSeconds
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Valid reports whether the segment has finite ordered bounds and text.
func (s Segment) Valid() bool {
	if math.IsNaN(s.Start) || math.IsInf(s.Start, 0) || math.IsNaN(s.End) || math.IsInf(s.End, 0) {
		return false
	}
	return s.Start >= 0 && s.End > s.Start && strings.TrimSpace(s.Text) != ""
}

type Transcript struct {
	Segments  []Segment       `json:"segments"`
	Language  string          `json:"language,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Highlight struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
}

type Output struct {
	HighlightIndex  int     `json:"highlightIndex"`
	StorageKey      string  `json:"storageKey,omitempty"`
	Path            string  `json:"path,omitempty"`
	Filename        string  `json:"filename"`
	PublicURL       string  `json:"publicUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// TranscriptionRequest is everything needed to queue (or requeue) a
// transcription job on the worker.
type TranscriptionRequest struct {
	VideoKey string `json:"videoKey"`
	Language string `json:"language,omitempty"`
}

// TranscriptionJob tracks the worker-side job for the current generation.
type TranscriptionJob struct {
	Request   TranscriptionRequest `json:"request"`
	JobID     string               `json:"jobId,omitempty"`
	Status    string               `json:"status"`
	Stage     string               `json:"stage,omitempty"`
	Progress  float64              `json:"progress,omitempty"`
	Requeues  int                  `json:"requeues,omitempty"`
	QueuedAt  time.Time            `json:"queuedAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Session is the persisted root of one clip-production job.
type Session struct {
	ID                       string            `json:"id"`
	Status                   Status            `json:"status"`
	CreatedAt                time.Time         `json:"createdAt"`
	UpdatedAt                time.Time         `json:"updatedAt"`
	Options                  Options           `json:"options"`
	WorkerSessionID          string            `json:"workerSessionId,omitempty"`
	Input                    *Input            `json:"input,omitempty"`
	Transcription            *TranscriptionJob `json:"transcription,omitempty"`
	Transcript               *Transcript       `json:"transcript,omitempty"`
	Highlights               []Highlight       `json:"highlights"`
	ApprovedHighlightIndexes []int             `json:"approvedHighlightIndexes"`
	RemovedHighlightIndexes  []int             `json:"removedHighlightIndexes"`
	Outputs                  []Output          `json:"outputs"`
	Error                    string            `json:"error,omitempty"`
	Logs                     []LogEntry        `json:"logs"`
}

// NewID returns a short opaque session identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New creates an empty session in the created state.
func New(opts Options) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:                       NewID(),
		Status:                   StatusCreated,
		CreatedAt:                now,
		UpdatedAt:                now,
		Options:                  opts.WithDefaults(),
		Highlights:               []Highlight{},
		ApprovedHighlightIndexes: []int{},
		RemovedHighlightIndexes:  []int{},
		Outputs:                  []Output{},
		Logs:                     []LogEntry{},
	}
}

// Clone returns a deep copy so callers can mutate without sharing state.
func (s *Session) Clone() *Session {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("session: clone marshal: %v", err))
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("session: clone unmarshal: %v", err))
	}
	return &out
}

// Logf appends a timestamped diagnostic line, keeping the newest MaxLogs.
func (s *Session) Logf(format string, args ...any) {
	s.Logs = append(s.Logs, LogEntry{At: time.Now().UTC(), Message: fmt.Sprintf(format, args...)})
	if over := len(s.Logs) - MaxLogs; over > 0 {
		s.Logs = append([]LogEntry(nil), s.Logs[over:]...)
	}
}

// Fail records a fatal stage error. Earlier stage results are untouched.
func (s *Session) Fail(msg string) {
	s.Status = StatusError
	s.Error = msg
	s.Logf("error: %s", msg)
}

// ResetInput clears everything derived from the previous input.
func (s *Session) ResetInput() {
	s.WorkerSessionID = ""
	s.Transcription = nil
	s.Transcript = nil
	s.ResetHighlights()
	s.Outputs = []Output{}
}

// ResetHighlights empties candidates and both index sets.
func (s *Session) ResetHighlights() {
	s.Highlights = []Highlight{}
	s.ApprovedHighlightIndexes = []int{}
	s.RemovedHighlightIndexes = []int{}
}

// Duration returns the input duration or 0 when unknown.
func (s *Session) Duration() float64 {
	return s.Input.Duration()
}

// IsApproved reports whether index is in the approved set.
func (s *Session) IsApproved(index int) bool {
	return containsInt(s.ApprovedHighlightIndexes, index)
}

// HasTranscript reports whether a usable transcript exists.
func (s *Session) HasTranscript() bool {
	return s.Transcript != nil && len(s.Transcript.Segments) > 0
}

// CheckInvariants verifies the structural invariants of the aggregate.
func (s *Session) CheckInvariants() error {
	seen := make(map[int]bool, len(s.ApprovedHighlightIndexes))
	for _, i := range s.ApprovedHighlightIndexes {
		if i < 0 || i >= len(s.Highlights) {
			return fmt.Errorf("approved index %d out of range", i)
		}
		seen[i] = true
	}
	for _, i := range s.RemovedHighlightIndexes {
		if i < 0 || i >= len(s.Highlights) {
			return fmt.Errorf("removed index %d out of range", i)
		}
		if seen[i] {
			return fmt.Errorf("index %d is both approved and removed", i)
		}
	}
	dur := s.Duration()
	for i, h := range s.Highlights {
		if !(h.End > h.Start) || h.Start < 0 {
			return fmt.Errorf("highlight %d has invalid window [%g, %g]", i, h.Start, h.End)
		}
		if dur > 0 && h.End > dur {
			return fmt.Errorf("highlight %d ends after duration %g", i, dur)
		}
	}
	return nil
}

// NormalizeIndexes sorts and deduplicates indexes.
func NormalizeIndexes(in []int) []int {
	out := make([]int, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, i := range in {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// WithoutIndexes returns set minus drop, preserving order.
func WithoutIndexes(set, drop []int) []int {
	out := make([]int, 0, len(set))
	for _, i := range set {
		if !containsInt(drop, i) {
			out = append(out, i)
		}
	}
	return out
}

func containsInt(set []int, v int) bool {
	for _, i := range set {
		if i == v {
			return true
		}
	}
	return false
}
