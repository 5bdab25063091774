package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/transcript"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

// TranscriptionView is the poll response for a transcription job.
type TranscriptionView struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	JobStatus string         `json:"jobStatus"`
	Stage     string         `json:"stage,omitempty"`
	Progress  float64        `json:"progress"`
	Requeued  bool           `json:"requeued,omitempty"`
	Segments  int            `json:"segments"`
	Language  string         `json:"language,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func viewOf(sess *session.Session) *TranscriptionView {
	v := &TranscriptionView{SessionID: sess.ID, Status: sess.Status, Error: sess.Error}
	if job := sess.Transcription; job != nil {
		v.JobStatus = job.Status
		v.Stage = job.Stage
		v.Progress = job.Progress
	}
	if sess.Transcript != nil {
		v.Segments = len(sess.Transcript.Segments)
		v.Language = sess.Transcript.Language
	}
	return v
}

// Transcribe queues transcription of the current input. Queueing again
// with the same request is safe: the worker job is replaced and the
// session keeps a single job record.
func (s *Service) Transcribe(ctx context.Context, id, language string) (*TranscriptionView, error) {
	if err := s.requireWorker(); err != nil {
		return nil, err
	}
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Input == nil || sess.Input.StorageKey == "" || sess.WorkerSessionID == "" {
		return nil, conflictf("session has no input stored on the worker")
	}
	if sess.Status == session.StatusRendering {
		return nil, conflictf("session is rendering")
	}

	req := session.TranscriptionRequest{VideoKey: sess.Input.StorageKey, Language: language}
	st, err := s.worker.QueueTranscription(ctx, worker.TranscribeRequest{
		SessionID: sess.WorkerSessionID,
		VideoKey:  req.VideoKey,
		Language:  req.Language,
	})
	if err != nil {
		s.logger.Warn("transcription queue failed", "session_id", id, "error", err)
		s.failStage(ctx, id, "transcription", err)
		return nil, err
	}

	queuedAt := time.Now().UTC()
	sess, err = s.update(ctx, id, func(sess *session.Session) error {
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering")
		}
		if err := sess.Transition(session.StatusTranscribing); err != nil {
			return err
		}
		sess.Transcription = &session.TranscriptionJob{
			Request:   req,
			JobID:     st.JobID,
			Status:    jobStatus(st),
			Stage:     st.Stage,
			Progress:  st.Progress,
			QueuedAt:  queuedAt,
			UpdatedAt: queuedAt,
		}
		sess.Logf("transcription queued (job %s, language %q)", st.JobID, language)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transcription queued", "session_id", id, "job_id", st.JobID, "legacy", st.Legacy)

	if st.Done() {
		return s.applyJob(ctx, sess, st, false)
	}
	return viewOf(sess), nil
}

// PollTranscription checks the worker job and advances the session. A
// worker that lost the job (404) gets the persisted request re-queued.
// A poll after completion returns the stored result.
func (s *Service) PollTranscription(ctx context.Context, id string) (*TranscriptionView, error) {
	if err := s.requireWorker(); err != nil {
		return nil, err
	}
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	job := sess.Transcription
	if job == nil {
		return nil, conflictf("transcription has not been queued")
	}
	if job.Status == worker.JobComplete || job.Status == worker.JobError {
		return viewOf(sess), nil
	}

	st, err := s.worker.TranscriptionStatus(ctx, sess.WorkerSessionID)
	switch {
	case errors.Is(err, worker.ErrNotFound):
		return s.requeue(ctx, sess)
	case err != nil:
		s.logger.Warn("transcription poll failed", "session_id", id, "error", err)
		return nil, err
	}
	return s.applyJob(ctx, sess, st, false)
}

func (s *Service) requeue(ctx context.Context, snap *session.Session) (*TranscriptionView, error) {
	req := snap.Transcription.Request
	s.logger.Info("worker lost transcription job, requeueing", "session_id", snap.ID)

	st, err := s.worker.QueueTranscription(ctx, worker.TranscribeRequest{
		SessionID: snap.WorkerSessionID,
		VideoKey:  req.VideoKey,
		Language:  req.Language,
	})
	if err != nil {
		return nil, err
	}

	queuedAt := snap.Transcription.QueuedAt
	sess, err := s.update(ctx, snap.ID, func(sess *session.Session) error {
		if !sameGeneration(sess, queuedAt) {
			return nil
		}
		if err := sess.Transition(session.StatusTranscribing); err != nil {
			return err
		}
		job := sess.Transcription
		job.JobID = st.JobID
		job.Status = jobStatus(st)
		job.Stage = st.Stage
		job.Progress = st.Progress
		job.Requeues++
		job.UpdatedAt = time.Now().UTC()
		sess.Logf("transcription requeued after worker restart (attempt %d)", job.Requeues)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if st.Done() {
		return s.applyJob(ctx, sess, st, true)
	}
	v := viewOf(sess)
	v.Requeued = true
	return v, nil
}

// applyJob folds a worker job status into the session.
func (s *Service) applyJob(ctx context.Context, snap *session.Session, st *worker.JobStatus, requeued bool) (*TranscriptionView, error) {
	queuedAt := snap.Transcription.QueuedAt

	switch st.Status {
	case worker.JobComplete:
		return s.complete(ctx, snap, st, requeued)

	case worker.JobError:
		msg := st.Error
		if msg == "" {
			msg = "worker reported an error"
		}
		if err := s.failJob(ctx, snap.ID, queuedAt, errors.New(msg)); err != nil {
			return nil, err
		}
		return nil, &StageFailedError{Stage: "transcription", Msg: msg}

	default:
		sess, err := s.update(ctx, snap.ID, func(sess *session.Session) error {
			if !sameGeneration(sess, queuedAt) {
				return nil
			}
			job := sess.Transcription
			job.Status = jobStatus(st)
			job.Stage = st.Stage
			job.Progress = st.Progress
			job.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			return nil, err
		}
		v := viewOf(sess)
		v.Requeued = requeued
		return v, nil
	}
}

func (s *Service) complete(ctx context.Context, snap *session.Session, st *worker.JobStatus, requeued bool) (*TranscriptionView, error) {
	queuedAt := snap.Transcription.QueuedAt

	segs, language, err := transcript.ReconcileRaw(st.Result, snap.Duration())
	if err != nil {
		if uerr := s.failJob(ctx, snap.ID, queuedAt, err); uerr != nil {
			return nil, uerr
		}
		var empty *transcript.EmptyTranscriptError
		if errors.As(err, &empty) {
			return nil, &EmptyResultError{Stage: "transcription", Msg: err.Error(), Raw: empty.Raw}
		}
		return nil, &StageFailedError{Stage: "transcription", Msg: err.Error()}
	}
	if language == "" {
		language = snap.Transcription.Request.Language
	}
	raw := transcript.CapRaw(st.Result, session.MaxRawTranscriptBytes)

	sess, err := s.update(ctx, snap.ID, func(sess *session.Session) error {
		if !sameGeneration(sess, queuedAt) {
			return nil
		}
		// The job stays open so a poll after the render applies it.
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering; poll again when the render finishes")
		}
		sess.Transcript = &session.Transcript{
			Segments:  segs,
			Language:  language,
			Raw:       raw,
			CreatedAt: time.Now().UTC(),
		}
		sess.ResetHighlights()
		sess.Outputs = []session.Output{}
		sess.Transcription.Status = worker.JobComplete
		sess.Transcription.Progress = 1
		sess.Transcription.UpdatedAt = time.Now().UTC()
		sess.Logf("transcript ready: %d segments", len(segs))
		return sess.Transition(session.StatusTranscribed)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transcription complete", "session_id", snap.ID, "segments", len(segs), "language", language)

	v := viewOf(sess)
	v.Requeued = requeued
	return v, nil
}

// failJob marks the job of the given generation as errored and fails the
// session. Results of a superseded generation are ignored.
func (s *Service) failJob(ctx context.Context, id string, queuedAt time.Time, cause error) error {
	current := false
	_, err := s.update(ctx, id, func(sess *session.Session) error {
		if !sameGeneration(sess, queuedAt) {
			return nil
		}
		if sess.Status == session.StatusRendering {
			return conflictf("session is rendering; poll again when the render finishes")
		}
		sess.Transcription.Status = worker.JobError
		sess.Transcription.UpdatedAt = time.Now().UTC()
		current = true
		return nil
	})
	if err != nil {
		return err
	}
	if current {
		s.fail(ctx, id, "transcription", cause)
	}
	return nil
}

// sameGeneration reports whether the stored job is the one a snapshot
// was taken from. A newer queue call wins over a late result.
func sameGeneration(sess *session.Session, queuedAt time.Time) bool {
	return sess.Transcription != nil && sess.Transcription.QueuedAt.Equal(queuedAt)
}

func jobStatus(st *worker.JobStatus) string {
	if st.Status == "" {
		return worker.JobQueued
	}
	return st.Status
}
