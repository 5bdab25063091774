package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/db"
	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/render"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const wordsResult = `{"language":"en","words":[
	{"start":0,"end":1.5,"word":"hello"},
	{"start":40,"end":41,"word":"big"},
	{"start":94,"end":95,"word":"finale"}
]}`

type fakeWorker struct {
	mu        sync.Mutex
	queued    []worker.TranscribeRequest
	queueFn   func() (*worker.JobStatus, error)
	statusFn  func() (*worker.JobStatus, error)
	uploadErr error
	fetchErr  error
	cleaned   []string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		queueFn: func() (*worker.JobStatus, error) {
			return &worker.JobStatus{Status: worker.JobQueued, JobID: "job-1"}, nil
		},
		statusFn: func() (*worker.JobStatus, error) {
			return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(wordsResult)}, nil
		},
	}
}

func (f *fakeWorker) Health(context.Context) (*worker.HealthResponse, error) {
	return &worker.HealthResponse{Status: "ok"}, nil
}

func (f *fakeWorker) UploadFile(_ context.Context, sessionID, _ string) (*worker.MediaInfo, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	dur, w, h := 90.0, 1920, 1080
	return &worker.MediaInfo{
		SessionID:       "w-" + sessionID,
		VideoKey:        "videos/" + sessionID + ".mp4",
		DurationSeconds: &dur,
		Width:           &w,
		Height:          &h,
	}, nil
}

func (f *fakeWorker) FetchYouTube(_ context.Context, sessionID, _ string) (*worker.MediaInfo, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	dur := 120.0
	return &worker.MediaInfo{
		SessionID:       "w-" + sessionID,
		VideoKey:        "videos/yt.mp4",
		Title:           "Fetched talk",
		DurationSeconds: &dur,
	}, nil
}

func (f *fakeWorker) Metadata(context.Context, string, string) (*worker.MediaInfo, error) {
	w, h := 1280, 720
	return &worker.MediaInfo{Width: &w, Height: &h}, nil
}

func (f *fakeWorker) QueueTranscription(_ context.Context, req worker.TranscribeRequest) (*worker.JobStatus, error) {
	f.mu.Lock()
	f.queued = append(f.queued, req)
	f.mu.Unlock()
	return f.queueFn()
}

func (f *fakeWorker) TranscriptionStatus(context.Context, string) (*worker.JobStatus, error) {
	return f.statusFn()
}

func (f *fakeWorker) DownloadURL(_ context.Context, sessionID, key string, _ time.Duration) (string, error) {
	return "http://worker.test/" + sessionID + "/" + key, nil
}

func (f *fakeWorker) Cleanup(_ context.Context, workerSessionID string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, workerSessionID)
	f.mu.Unlock()
	return nil
}

// stubSelector returns canned batches in order, then nothing.
type stubSelector struct {
	batches [][]session.Highlight
}

func (s *stubSelector) Select(context.Context, highlight.Request) ([]session.Highlight, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	out := s.batches[0]
	s.batches = s.batches[1:]
	return out, nil
}

// stubRenderer stores one small blob per clip unless told to fail. during
// runs before any clip is stored.
type stubRenderer struct {
	store  blob.Store
	fail   bool
	jobs   []render.Job
	during func()
}

func (r *stubRenderer) Render(ctx context.Context, job render.Job) (*render.Result, error) {
	r.jobs = append(r.jobs, job)
	if r.during != nil {
		r.during()
	}
	res := &render.Result{}
	for _, c := range job.Clips {
		if r.fail {
			res.Failures = append(res.Failures, render.ClipFailure{HighlightIndex: c.HighlightIndex, Err: "ffmpeg exited 1"})
			continue
		}
		name := render.OutputFilename(c.Title, job.SessionID, c.HighlightIndex, "mp4")
		key := render.OutputKey(job.SessionID, name)
		if err := r.store.Put(ctx, key, strings.NewReader("clip"), "video/mp4"); err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, session.Output{
			HighlightIndex:  c.HighlightIndex,
			StorageKey:      key,
			Filename:        name,
			DurationSeconds: c.End - c.Start,
		})
	}
	return res, nil
}

type fixture struct {
	svc      *Service
	repo     session.Repository
	worker   *fakeWorker
	store    *blob.LocalStore
	selector *stubSelector
	renderer *stubRenderer
	uploads  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := blob.NewLocalStore(t.TempDir(), "http://clips.test/blobs", blob.NewSigner("k"), testLogger())
	require.NoError(t, err)

	f := &fixture{
		repo:   session.NewSQLiteRepository(database.Conn()),
		worker: newFakeWorker(),
		store:  store,
		selector: &stubSelector{batches: [][]session.Highlight{
			{{Start: 0, End: 30, Title: "Opening"}, {Start: 50, End: 80, Title: "Closing"}},
		}},
		uploads: t.TempDir(),
	}
	f.renderer = &stubRenderer{store: store}
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Worker:    f.worker,
		Engine:    highlight.NewEngine(f.selector, testLogger()),
		Renderer:  render.NewOrchestrator(f.renderer, testLogger()),
		Packager:  delivery.NewPackager(store, f.worker, time.Hour, testLogger()),
		Store:     store,
		Logger:    testLogger(),
		UploadDir: f.uploads,
	})
	return f
}

// transcribed returns a session with a 90s input and a finished transcript.
func (f *fixture) transcribed(t *testing.T, opts session.Options) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, opts)
	require.NoError(t, err)

	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", bytes.NewReader([]byte("video-bytes")))
	require.NoError(t, err)

	view, err := f.svc.Transcribe(ctx, sess.ID, "en")
	require.NoError(t, err)
	require.Equal(t, session.StatusTranscribing, view.Status)

	view, err = f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusTranscribed, view.Status)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) selected(t *testing.T, opts session.Options) *session.Session {
	t.Helper()
	sess := f.transcribed(t, opts)
	got, err := f.svc.SelectHighlights(context.Background(), sess.ID, highlight.SelectOptions{})
	require.NoError(t, err)
	return got
}

func TestService_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.transcribed(t, session.Options{AutoApprove: false})
	require.NotNil(t, sess.Input)
	assert.Equal(t, 90.0, sess.Duration())
	assert.Equal(t, "w-"+sess.ID, sess.WorkerSessionID)
	require.Len(t, sess.Transcript.Segments, 3)
	assert.Equal(t, "en", sess.Transcript.Language)

	sess, err := f.svc.SelectHighlights(ctx, sess.ID, highlight.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, sess.Status)
	require.Len(t, sess.Highlights, 2)
	assert.Empty(t, sess.ApprovedHighlightIndexes)

	sess, err = f.svc.UpdateHighlight(ctx, sess.ID, 0, 10, 40, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, sess.Highlights[0].Start)
	assert.Equal(t, 40.0, sess.Highlights[0].End)

	sess, err = f.svc.Approve(ctx, sess.ID, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, sess.ApprovedHighlightIndexes)

	sess, err = f.svc.Render(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, sess.Status)
	require.Len(t, sess.Outputs, 1)
	assert.Equal(t, 0, sess.Outputs[0].HighlightIndex)

	require.Len(t, f.renderer.jobs, 1)
	require.Len(t, f.renderer.jobs[0].Clips, 1)
	assert.Equal(t, 10.0, f.renderer.jobs[0].Clips[0].Start)
	assert.Equal(t, 40.0, f.renderer.jobs[0].Clips[0].End)

	items, err := f.svc.GetOutputs(ctx, sess.ID, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Index)
	assert.NotEmpty(t, items[0].URL)
	assert.True(t, strings.HasPrefix(items[0].URL, "http://clips.test/blobs/"))
}

func TestCreateSession_InvalidOptions(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), session.Options{Quality: "4k"})
	var ie *InputError
	require.ErrorAs(t, err, &ie)
}

func TestGetStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetInputFile_ReplacesPreviousInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})
	first := sess.Input.LocalPath
	require.FileExists(t, first)

	sess, err := f.svc.SetInputFile(ctx, sess.ID, "../other.mov", strings.NewReader("more-bytes"))
	require.NoError(t, err)
	assert.Equal(t, session.StatusInputReady, sess.Status)
	assert.Equal(t, "other.mov", sess.Input.Filename)
	assert.Nil(t, sess.Transcript)
	assert.Empty(t, sess.Highlights)
	assert.Empty(t, sess.ApprovedHighlightIndexes)
	assert.Equal(t, filepath.Join(f.uploads, sess.ID, "other.mov"), sess.Input.LocalPath)
	assert.NoFileExists(t, first)
}

func TestSetInputFile_EmptyUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SetInputFile(ctx, sess.ID, "empty.mp4", strings.NewReader(""))
	var ie *InputError
	require.ErrorAs(t, err, &ie)
}

func TestSetInputURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SetInputURL(ctx, sess.ID, "ftp://example.com/video")
	var ie *InputError
	require.ErrorAs(t, err, &ie)

	got, err := f.svc.SetInputURL(ctx, sess.ID, "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInputReady, got.Status)
	assert.Equal(t, session.SourceYouTube, got.Input.SourceType)
	assert.Equal(t, "Fetched talk", got.Input.Title)
	assert.Equal(t, "yt.mp4", got.Input.Filename)
	require.NotNil(t, got.Input.Width)
	assert.Equal(t, 1280, *got.Input.Width)
}

func TestSetInputFile_WorkerRejectionFailsSession(t *testing.T) {
	f := newFixture(t)
	f.worker.uploadErr = &worker.StatusError{Method: "POST", Path: "/upload", StatusCode: 413, Body: "file too large"}
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.Error(t, err)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Contains(t, got.Error, "input")
	assert.Contains(t, got.Error, "file too large")
	assert.Nil(t, got.Input)
	assert.NoFileExists(t, filepath.Join(f.uploads, sess.ID, "talk.mp4"))
}

func TestSetInputFile_UnreachableWorkerKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.worker.uploadErr = &worker.UnreachableError{Cause: errors.New("connection refused")}
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	assert.True(t, worker.IsUnreachable(err))

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCreated, got.Status)
	assert.Empty(t, got.Error)
	assert.NoFileExists(t, filepath.Join(f.uploads, sess.ID, "talk.mp4"))
}

func TestSetInputURL_FetchFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.worker.fetchErr = &worker.StatusError{Method: "POST", Path: "/youtube", StatusCode: 422, Body: "video unavailable"}
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SetInputURL(ctx, sess.ID, "https://www.youtube.com/watch?v=gone")
	require.Error(t, err)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Contains(t, got.Error, "video unavailable")
}

func TestTranscribe_QueueRejectionFailsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	f.worker.queueFn = func() (*worker.JobStatus, error) {
		return nil, &worker.StatusError{Method: "POST", Path: "/transcribe", StatusCode: 400, Body: "unsupported codec"}
	}
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.Error(t, err)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Contains(t, got.Error, "transcription")
	assert.Contains(t, got.Error, "unsupported codec")
	assert.NotNil(t, got.Input)
	assert.Nil(t, got.Transcription)
}

func TestTranscribe_QueueUnreachableKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	f.worker.queueFn = func() (*worker.JobStatus, error) {
		return nil, &worker.UnreachableError{Cause: errors.New("connection refused")}
	}
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	assert.True(t, worker.IsUnreachable(err))

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInputReady, got.Status)
	assert.Empty(t, got.Error)
}

func TestTranscribe_LegacyImmediateComplete(t *testing.T) {
	f := newFixture(t)
	f.worker.queueFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(wordsResult), Legacy: true}, nil
	}
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	view, err := f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)
	assert.Equal(t, 3, view.Segments)

	view, err = f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)
}

func TestPollTranscription_RequeuesLostJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "ko")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return nil, &worker.StatusError{Method: "GET", Path: "/transcribe/status", StatusCode: 404}
	}
	f.worker.queueFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobQueued, JobID: "job-2"}, nil
	}

	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, view.Requeued)
	assert.Equal(t, session.StatusTranscribing, view.Status)

	require.Len(t, f.worker.queued, 2)
	assert.Equal(t, f.worker.queued[0], f.worker.queued[1])
	assert.Equal(t, "ko", f.worker.queued[1].Language)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-2", got.Transcription.JobID)
	assert.Equal(t, 1, got.Transcription.Requeues)
	assert.Empty(t, got.Error)
}

func TestPollTranscription_RepeatedRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return nil, &worker.StatusError{Method: "GET", Path: "/transcribe/status", StatusCode: 404}
	}
	for i := 0; i < 2; i++ {
		view, err := f.svc.PollTranscription(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, view.Requeued)
	}

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribing, got.Status)
	assert.Equal(t, 2, got.Transcription.Requeues)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(wordsResult)}, nil
	}
	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)
	assert.False(t, view.Requeued)
}

func TestTranscribe_RequeueWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "en")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobProcessing, Stage: "transcribing", Progress: 0.3}, nil
	}
	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.JobProcessing, view.JobStatus)

	f.worker.queueFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobQueued, JobID: "job-2"}, nil
	}
	view, err = f.svc.Transcribe(ctx, sess.ID, "en")
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribing, view.Status)
	assert.Equal(t, worker.JobQueued, view.JobStatus)

	require.Len(t, f.worker.queued, 2)
	assert.Equal(t, f.worker.queued[0], f.worker.queued[1])

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Transcription)
	assert.Equal(t, "job-2", got.Transcription.JobID)
	assert.Equal(t, worker.JobQueued, got.Transcription.Status)
	assert.Zero(t, got.Transcription.Progress)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(wordsResult)}, nil
	}
	view, err = f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)
	assert.Equal(t, 3, view.Segments)
}

func TestPollTranscription_UnreachableKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return nil, &worker.UnreachableError{Cause: errors.New("connection refused")}
	}
	_, err = f.svc.PollTranscription(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, worker.IsUnreachable(err))

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribing, got.Status)
	assert.Empty(t, got.Error)
}

func TestPollTranscription_EmptyTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(`{"segments":[{"start":null,"end":null,"text":"   "}]}`)}, nil
	}
	_, err = f.svc.PollTranscription(ctx, sess.ID)
	var empty *EmptyResultError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, "transcription", empty.Stage)
	assert.Contains(t, empty.Raw, "segments")

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Contains(t, got.Error, "transcription")
	assert.NotNil(t, got.Input)
	require.NotNil(t, got.Transcription)
	assert.Equal(t, worker.JobError, got.Transcription.Status)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		t.Error("finished job was polled again")
		return nil, errors.New("unexpected poll")
	}
	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, view.Status)
	assert.Equal(t, worker.JobError, view.JobStatus)
}

func TestPollTranscription_LargePayloadIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)

	filler := strings.Repeat("x", session.MaxRawTranscriptBytes)
	result := `{"language":"en","segments":[{"start":0,"end":5,"text":"hello"}],"padding":"` + filler + `"}`
	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobComplete, Result: json.RawMessage(result)}, nil
	}
	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	raw := got.Transcript.Raw
	require.NotEmpty(t, raw)
	assert.LessOrEqual(t, len(raw), session.MaxRawTranscriptBytes)
	var kept string
	require.NoError(t, json.Unmarshal(raw, &kept))
	assert.True(t, strings.HasPrefix(kept, `{"language":"en"`))
	assert.True(t, strings.HasSuffix(kept, "(truncated)"))
}

func TestPollTranscription_JobError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)
	_, err = f.svc.SetInputFile(ctx, sess.ID, "talk.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)

	f.worker.statusFn = func() (*worker.JobStatus, error) {
		return &worker.JobStatus{Status: worker.JobError, Error: "model crashed"}, nil
	}
	_, err = f.svc.PollTranscription(ctx, sess.ID)
	var sf *StageFailedError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "model crashed", sf.Msg)

	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, view.Status)
	assert.Equal(t, worker.JobError, view.JobStatus)
}

func TestTranscribe_RequiresWorker(t *testing.T) {
	f := newFixture(t)
	f.svc.worker = nil
	_, err := f.svc.Transcribe(context.Background(), "any", "")
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestSelectHighlights_NeedsTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, session.Options{})
	require.NoError(t, err)

	_, err = f.svc.SelectHighlights(ctx, sess.ID, highlight.SelectOptions{})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
}

func TestSelectHighlights_AutoApprove(t *testing.T) {
	f := newFixture(t)
	sess := f.selected(t, session.Options{AutoApprove: true})
	assert.Equal(t, []int{0, 1}, sess.ApprovedHighlightIndexes)
	assert.NoError(t, sess.CheckInvariants())
}

func TestSelectHighlights_NoCandidatesFailsSession(t *testing.T) {
	f := newFixture(t)
	f.selector.batches = [][]session.Highlight{{{Start: 200, End: 230}}}
	ctx := context.Background()
	sess := f.transcribed(t, session.Options{})

	_, err := f.svc.SelectHighlights(ctx, sess.ID, highlight.SelectOptions{})
	var empty *EmptyResultError
	require.ErrorAs(t, err, &empty)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.True(t, got.HasTranscript())
}

func TestRegenerateHighlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	f.selector.batches = [][]session.Highlight{{{Start: 35, End: 45, Title: "Middle"}}}
	got, err := f.svc.RegenerateHighlight(ctx, sess.ID, 1, highlight.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, 35.0, got.Highlights[1].Start)
	assert.Equal(t, "Middle", got.Highlights[1].Title)
	assert.Equal(t, []int{0}, got.ApprovedHighlightIndexes)

	_, err = f.svc.RegenerateHighlight(ctx, sess.ID, 1, highlight.SelectOptions{})
	var empty *EmptyResultError
	require.ErrorAs(t, err, &empty)

	after, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, after.Status)
	assert.Equal(t, got.Highlights, after.Highlights)

	_, err = f.svc.RegenerateHighlight(ctx, sess.ID, 9, highlight.SelectOptions{})
	var ie *InputError
	require.ErrorAs(t, err, &ie)
}

func TestApproveAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{})

	got, err := f.svc.Approve(ctx, sess.ID, []int{1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got.ApprovedHighlightIndexes)

	got, err = f.svc.Remove(ctx, sess.ID, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.ApprovedHighlightIndexes)
	assert.Equal(t, []int{1}, got.RemovedHighlightIndexes)

	_, err = f.svc.Approve(ctx, sess.ID, []int{5})
	var ie *InputError
	require.ErrorAs(t, err, &ie)
}

func TestRender_RejectsUnapproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{})

	_, err := f.svc.Render(ctx, sess.ID, []int{1})
	var ie *InputError
	require.ErrorAs(t, err, &ie)

	_, err = f.svc.Render(ctx, sess.ID, nil)
	require.ErrorAs(t, err, &ie)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.Empty(t, f.renderer.jobs)
}

func TestRender_ZeroOutputsFailsSession(t *testing.T) {
	f := newFixture(t)
	f.renderer.fail = true
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	_, err := f.svc.Render(ctx, sess.ID, nil)
	var empty *EmptyResultError
	require.ErrorAs(t, err, &empty)
	assert.Contains(t, err.Error(), "ffmpeg exited 1")

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Contains(t, got.Error, "render")
	assert.Len(t, got.Highlights, 2)
	assert.Empty(t, got.Outputs)
}

func TestRender_KeepsOutputsOutsideBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	got, err := f.svc.Render(ctx, sess.ID, []int{1})
	require.NoError(t, err)
	require.Len(t, got.Outputs, 1)

	got, err = f.svc.Render(ctx, sess.ID, []int{0})
	require.NoError(t, err)
	require.Len(t, got.Outputs, 2)
	assert.Equal(t, 1, got.Outputs[0].HighlightIndex)
	assert.Equal(t, 0, got.Outputs[1].HighlightIndex)

	keys, err := f.store.List(ctx, render.SessionPrefix(sess.ID))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestRender_RejectedWhileTranscribing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	view, err := f.svc.Transcribe(ctx, sess.ID, "")
	require.NoError(t, err)
	require.Equal(t, session.StatusTranscribing, view.Status)

	_, err = f.svc.Render(ctx, sess.ID, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, f.renderer.jobs)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribing, got.Status)
}

func TestRender_DiscardedWhenTranscriptReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	f.renderer.during = func() {
		_, err := f.repo.Update(ctx, sess.ID, func(s *session.Session) error {
			s.Transcript.CreatedAt = time.Now().UTC().Add(time.Minute)
			s.ResetHighlights()
			s.Outputs = []session.Output{}
			return s.Transition(session.StatusTranscribed)
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Render(ctx, sess.ID, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, got.Status)
	assert.Empty(t, got.Outputs)
	assert.Empty(t, got.Highlights)

	keys, err := f.store.List(ctx, render.SessionPrefix(sess.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRender_DiscardedWhenHighlightEdited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	f.renderer.during = func() {
		_, err := f.repo.Update(ctx, sess.ID, func(s *session.Session) error {
			s.Highlights[1].End = 70
			return nil
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Render(ctx, sess.ID, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "highlight 1")

	got, err := f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Empty(t, got.Outputs)

	keys, err := f.store.List(ctx, render.SessionPrefix(sess.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPollTranscription_WaitsForRender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})

	var pollErr error
	f.renderer.during = func() {
		_, err := f.repo.Update(ctx, sess.ID, func(s *session.Session) error {
			s.Transcription.Status = worker.JobProcessing
			return nil
		})
		require.NoError(t, err)
		_, pollErr = f.svc.PollTranscription(ctx, sess.ID)
	}

	got, err := f.svc.Render(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, got.Status)
	assert.Len(t, got.Outputs, 2)

	var ce *ConflictError
	require.ErrorAs(t, pollErr, &ce)

	view, err := f.svc.PollTranscription(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTranscribed, view.Status)

	got, err = f.svc.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Outputs)
	assert.Empty(t, got.Highlights)
}

func TestUpdateHighlight_DropsOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})
	_, err := f.svc.Render(ctx, sess.ID, nil)
	require.NoError(t, err)

	title := "  Renamed  "
	got, err := f.svc.UpdateHighlight(ctx, sess.ID, 1, 55, 70, &title)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.Equal(t, "Renamed", got.Highlights[1].Title)
	assert.Equal(t, []int{0}, got.ApprovedHighlightIndexes)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, 0, got.Outputs[0].HighlightIndex)
}

func TestGetOutputs_NoOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{})

	_, err := f.svc.GetOutputs(ctx, sess.ID, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
}

func TestExportEDL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{})

	_, err := f.svc.ExportEDL(ctx, sess.ID, 30)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)

	_, err = f.svc.Approve(ctx, sess.ID, []int{0, 1})
	require.NoError(t, err)
	edl, err := f.svc.ExportEDL(ctx, sess.ID, 30)
	require.NoError(t, err)
	assert.Contains(t, edl, "TITLE: talk")
	assert.Contains(t, edl, "Opening")
	assert.Contains(t, edl, "Closing")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.selected(t, session.Options{AutoApprove: true})
	_, err := f.svc.Render(ctx, sess.ID, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, sess.ID))

	_, err = f.svc.GetStatus(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []string{"w-" + sess.ID}, f.worker.cleaned)

	keys, err := f.store.List(ctx, render.SessionPrefix(sess.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NoDirExists(t, filepath.Join(f.uploads, sess.ID))

	assert.ErrorIs(t, f.svc.Delete(ctx, sess.ID), ErrSessionNotFound)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h, err := f.svc.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	f.svc.worker = nil
	h, err = f.svc.Health(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
}
