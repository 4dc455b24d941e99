package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type (
	// ActionRequest is the pending student action of a reconciliation pass.
	ActionRequest struct {
		Action          Action
		Audio           []byte  // record
		TranscriptText  *string // edit_prompt
		FinalPromptText *string // edit_prompt
	}

	ResultStatus string

	ActionResult struct {
		Action Action       `json:"action"`
		Status ResultStatus `json:"status"`
		Notice string       `json:"notice,omitempty"`
		Error  string       `json:"error,omitempty"`
		Shared bool         `json:"shared,omitempty"` // joined a call already in progress
	}

	CheckpointResult struct {
		ID        string       `json:"id"`
		Threshold int64        `json:"threshold_seconds"`
		Status    ResultStatus `json:"status"`
		Message   string       `json:"message,omitempty"`
	}

	View struct {
		ID               string     `json:"id"`
		AssignmentID     string     `json:"assignment_id"`
		StudentName      string     `json:"student_name"`
		StartedAt        time.Time  `json:"started_at"`
		Phase            Phase      `json:"phase"`
		ElapsedSeconds   int64      `json:"elapsed_seconds"`
		RemainingSeconds int64      `json:"remaining_seconds"`
		FiredCheckpoints []string   `json:"fired_checkpoints"`
		HasAudio         bool       `json:"has_audio"`
		AudioBytes       int        `json:"audio_bytes"`
		TranscriptText   string     `json:"transcript_text"`
		FinalPromptText  string     `json:"final_prompt_text"`
		GradeFeedback    *string    `json:"grade_feedback"`
		Submitted        bool       `json:"submitted"`
		SubmittedAt      *time.Time `json:"submitted_at"`
		SubmissionID     string     `json:"submission_id,omitempty"`
		AllowedActions   []Action   `json:"allowed_actions"`
		InProgress       []string   `json:"in_progress"`
		Version          int64      `json:"version"`
	}

	// Outcome is the result of one reconciliation pass.
	Outcome struct {
		Session  View               `json:"session"`
		Fired    []CheckpointResult `json:"fired"`
		Action   *ActionResult      `json:"action,omitempty"`
		Warnings []string           `json:"warnings"`
		// RefreshIn is when the client should run the next pass.
		RefreshIn float64 `json:"refresh_in"`
		// NextDeadlineIn is the time until the next checkpoint or phase change, -1 when none remains.
		NextDeadlineIn float64 `json:"next_deadline_in"`
	}
)

const (
	StatusDone      ResultStatus = "done"
	StatusRejected  ResultStatus = "rejected"  // gate or precondition, collaborator not called
	StatusFailed    ResultStatus = "failed"    // collaborator or store failure
	StatusDiscarded ResultStatus = "discarded" // result arrived but no longer applies
	StatusSkipped   ResultStatus = "skipped"   // checkpoint fired with nothing to do
)

func (o *Outcome) warn(format string, args ...interface{}) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Reconcile runs one pass: it re-derives the phase, claims and dispatches every due checkpoint,
// finishes a stale submit claim, then gates and executes the pending action, if any.
// Running it again with no new stimulus and no time advance changes nothing.
func (svc *Service) Reconcile(ctx context.Context, id string, req *ActionRequest) (Outcome, error) {
	var out Outcome

	sess, due, phase, err := svc.claimDueCheckpoints(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	out.Fired = svc.runCheckpoints(ctx, sess, due, phase, &out)

	reload := len(due) > 0
	if svc.submitPending(sess, phase, req) {
		res := submitResult(svc.closeSubmission(ctx, sess))
		if res.Status != StatusDone {
			out.warn("pending submission not closed: %s", res.Error)
		}
		if req != nil && req.Action == ActionSubmit {
			// the claim being finished is the student's own submit
			out.Action = &res
			req = nil
		}
		reload = true
	}

	if req != nil {
		res, err := svc.perform(ctx, id, *req)
		if err != nil {
			return Outcome{}, err
		}
		out.Action = &res
		reload = true
	}

	if reload {
		if sess, err = svc.repo.GetSession(ctx, id); err != nil {
			return Outcome{}, errors.Wrap(err, "reloading session")
		}
	}
	return svc.render(sess, out), nil
}

// claimDueCheckpoints marks every due checkpoint fired with one compare-and-set save and
// returns them with the phase of the pass. Only the pass whose save succeeds gets them back,
// so no checkpoint is dispatched twice. Submitted attempts fire nothing.
func (svc *Service) claimDueCheckpoints(ctx context.Context, id string) (AttemptSession, []Checkpoint, Phase, error) {
	var (
		due   []Checkpoint
		phase Phase
	)
	sess, err := svc.update(ctx, id, func(s *AttemptSession, now time.Time) error {
		st := svc.derive(*s, now)
		due, phase = nil, st.Phase
		if !s.IsSubmitted() {
			due = DueCheckpoints(st.Elapsed, s.FiredCheckpoints, svc.opts.Checkpoints)
		}
		if len(due) == 0 && s.PhaseCache == st.Phase {
			return errNoChange
		}
		s.markFired(due...)
		s.PhaseCache = st.Phase
		return nil
	})
	if err != nil {
		return AttemptSession{}, nil, "", err
	}
	return sess, due, phase, nil
}

// runCheckpoints dispatches the checkpoints claimed by one pass. They would all transcribe the
// same audio, so a single call serves them and its result is reported on each.
// Once locked nothing is dispatched: crossed checkpoints are only marked fired.
func (svc *Service) runCheckpoints(ctx context.Context, sess AttemptSession, due []Checkpoint, phase Phase, out *Outcome) []CheckpointResult {
	results := make([]CheckpointResult, 0, len(due))
	if len(due) == 0 {
		return results
	}

	var shared CheckpointResult
	switch {
	case phase == PhaseLocked:
		shared = CheckpointResult{Status: StatusSkipped, Message: "the attempt was locked before this checkpoint ran"}
	case !sess.HasAudio():
		shared = CheckpointResult{Status: StatusSkipped, Message: "no recorded audio to transcribe"}
	default:
		shared = svc.runCheckpoint(ctx, sess, due[len(due)-1])
	}

	for _, cp := range due {
		res := shared
		res.ID, res.Threshold = cp.ID, int64(cp.Threshold/time.Second)
		if res.Status != StatusDone {
			out.warn("checkpoint %s: %s", cp.ID, res.Message)
		}
		results = append(results, res)
	}
	return results
}

// runCheckpoint attempts the auto-transcription of a claimed checkpoint exactly once.
// Failures are warnings: the checkpoint stays fired and is not retried.
func (svc *Service) runCheckpoint(ctx context.Context, sess AttemptSession, cp Checkpoint) CheckpointResult {
	var res CheckpointResult

	v, _, err := svc.flights.do(checkpointKey(sess.ID, cp.ID), func() (interface{}, error) {
		cctx, cancel := svc.callCtx(ctx)
		defer cancel()
		return svc.transcriber.Transcribe(cctx, sess.RecordedAudio)
	})
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("checkpoint %s transcription failed", cp.ID), err, sess.Person())
		res.Status = StatusFailed
		res.Message = fmt.Sprintf("automatic transcription failed: %v", err)
		return res
	}

	status, err := svc.applyTranscript(ctx, sess.ID, v.(string))
	res.Status = status
	switch {
	case err != nil:
		res.Message = fmt.Sprintf("transcript could not be saved: %v", err)
	case status == StatusDiscarded:
		res.Message = "transcript discarded: " + noticeSubmitted
	}
	return res
}

// applyTranscript merges a transcription result into the latest record.
// Results are applied even after lock since the call started earlier; a submitted record is never changed.
func (svc *Service) applyTranscript(ctx context.Context, id, text string) (ResultStatus, error) {
	discarded := false
	_, err := svc.update(ctx, id, func(s *AttemptSession, _ time.Time) error {
		discarded = false
		if s.IsSubmitted() {
			discarded = true
			return errNoChange
		}
		if !s.setTranscript(text) {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return StatusFailed, err
	}
	if discarded {
		return StatusDiscarded, nil
	}
	return StatusDone, nil
}

func (svc *Service) render(sess AttemptSession, out Outcome) Outcome {
	now := svc.clock.Now().UTC()
	st := svc.derive(sess, now)

	view := View{
		ID:               sess.ID,
		AssignmentID:     sess.AssignmentID,
		StudentName:      sess.StudentName,
		StartedAt:        sess.StartedAt,
		Phase:            st.Phase,
		ElapsedSeconds:   int64(st.Elapsed / time.Second),
		RemainingSeconds: st.RemainingSeconds(),
		FiredCheckpoints: append([]string{}, sess.FiredCheckpoints...),
		HasAudio:         sess.HasAudio(),
		AudioBytes:       len(sess.RecordedAudio),
		TranscriptText:   sess.TranscriptText,
		FinalPromptText:  sess.FinalPromptText,
		Submitted:        sess.IsSubmitted(),
		SubmissionID:     sess.SubmissionID,
		AllowedActions:   allowedFor(sess, st),
		InProgress:       svc.flights.inProgress(sess.ID),
		Version:          sess.Version,
	}
	if sess.GradeFeedback != "" {
		fb := sess.GradeFeedback
		view.GradeFeedback = &fb
	}
	if sess.IsSubmitted() {
		at := sess.SubmittedAt
		view.SubmittedAt = &at
	}
	out.Session = view

	if out.Fired == nil {
		out.Fired = []CheckpointResult{}
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}

	out.RefreshIn = svc.opts.RefreshInterval.Seconds()
	out.NextDeadlineIn = -1
	if st.Phase == PhaseLocked || sess.IsSubmitted() {
		out.RefreshIn = svc.opts.LockedRefreshInterval.Seconds()
		return out
	}
	deadline := st.untilNextPhase(svc.opts.ActiveDuration, svc.opts.GraceDuration)
	if cp, ok := svc.opts.Checkpoints.next(st.Elapsed, sess.FiredCheckpoints); ok {
		if d := cp.Threshold - st.Elapsed; d < deadline {
			deadline = d
		}
	}
	out.NextDeadlineIn = deadline.Seconds()
	return out
}
