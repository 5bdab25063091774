package worker

import "encoding/json"

// Job statuses reported by the transcription endpoints.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobComplete   = "complete"
	JobError      = "error"
)

// MediaInfo is returned by /upload, /youtube and /metadata.
type MediaInfo struct {
	SessionID       string   `json:"sessionId"`
	VideoKey        string   `json:"videoKey"`
	Filename        string   `json:"filename,omitempty"`
	Title           string   `json:"title,omitempty"`
	DurationSeconds *float64 `json:"duration,omitempty"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	SizeBytes       *int64   `json:"size,omitempty"`
}

type YouTubeRequest struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type TranscribeRequest struct {
	SessionID string `json:"sessionId"`
	VideoKey  string `json:"videoKey"`
	Language  string `json:"language,omitempty"`
}

// JobStatus is the shared response shape of queue and status calls.
// Result carries the raw transcription payload once complete.
type JobStatus struct {
	Status   string          `json:"status"`
	JobID    string          `json:"jobId,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`

	// Legacy is set when the synchronous /transcribe fallback produced
	// the result.
	Legacy bool `json:"-"`
}

func (j *JobStatus) Done() bool {
	return j.Status == JobComplete || j.Status == JobError
}

type RenderClip struct {
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	HighlightIndex int     `json:"highlightIndex"`
	Title          string  `json:"title,omitempty"`
}

type RenderRequest struct {
	SessionID        string       `json:"sessionId"`
	VideoKey         string       `json:"videoKey"`
	Clips            []RenderClip `json:"clips"`
	Quality          string       `json:"quality"`
	CropMode         string       `json:"cropMode,omitempty"`
	SubtitlesEnabled bool         `json:"subtitlesEnabled"`
	Font             string       `json:"font,omitempty"`
	Language         string       `json:"language,omitempty"`
}

// RenderOutput identifies its clip either by highlightIndex or by clipIndex
// (position in the request). Array position is never trusted.
type RenderOutput struct {
	HighlightIndex  *int    `json:"highlightIndex,omitempty"`
	ClipIndex       *int    `json:"clipIndex,omitempty"`
	Key             string  `json:"key,omitempty"`
	Path            string  `json:"path,omitempty"`
	Filename        string  `json:"filename,omitempty"`
	URL             string  `json:"url,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type RenderResponse struct {
	Outputs []RenderOutput `json:"outputs"`
}

type PreviewRequest struct {
	SessionID string  `json:"sessionId"`
	VideoKey  string  `json:"videoKey"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

type PreviewResponse struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"`
}

type MetadataRequest struct {
	SessionID string `json:"sessionId"`
	VideoKey  string `json:"videoKey"`
}

type DownloadURLRequest struct {
	SessionID  string `json:"sessionId"`
	Key        string `json:"key"`
	TTLSeconds int    `json:"expiresIn"`
}

type DownloadURLResponse struct {
	URL string `json:"url"`
}

type CleanupRequest struct {
	SessionID string `json:"sessionId"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
