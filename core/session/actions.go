package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	noticeNoAudio      = "record an answer before transcribing"
	noticeEmptyAudio   = "no audio was received"
	noticeEmptyPrompt  = "final prompt is empty: write your final prompt first"
	noticeNoEdit       = "nothing to edit"
	noticeSubmitting   = "a submission is already in progress"
	noticeAnswerMoved  = "your answer changed while grading: grade again to refresh the feedback"
	noticeResubmission = "submission recorded but the attempt could not be closed yet: submit again to finish"

	// abort an update with a notice for the student
	errRejected = errors.New("rejected")
)

type gradeResult struct {
	feedback    string
	transcript  string
	finalPrompt string
}

// perform gates and executes one student action. Collaborator and gate failures are reported
// on the ActionResult; only store failures are returned as errors.
func (svc *Service) perform(ctx context.Context, id string, req ActionRequest) (ActionResult, error) {
	res := ActionResult{Action: req.Action}

	sess, err := svc.repo.GetSession(ctx, id)
	if err != nil {
		return res, errors.Wrap(err, "loading session")
	}
	st := svc.derive(sess, svc.clock.Now().UTC())
	if ok, notice := gate(sess, st, req.Action); !ok {
		return reject(res, notice), nil
	}

	switch req.Action {
	case ActionRecord:
		res, err = svc.record(ctx, sess, req.Audio, res)
	case ActionTranscribe:
		res, err = svc.transcribe(ctx, sess, res)
	case ActionEditPrompt:
		res, err = svc.editAnswer(ctx, sess, req, res)
	case ActionGrade:
		res, err = svc.grade(ctx, sess, res)
	case ActionSubmit:
		res, err = svc.submit(ctx, sess, res)
	}

	if errors.Cause(err) == ErrConflict {
		res.Status = StatusFailed
		res.Error = ErrConflict.Error()
		return res, nil
	}
	return res, err
}

func reject(res ActionResult, notice string) ActionResult {
	res.Status = StatusRejected
	res.Notice = notice
	return res
}

// gatedUpdate re-checks the gate against the instant of the write itself.
func (svc *Service) gatedUpdate(ctx context.Context, id string, action Action, notice *string, apply func(s *AttemptSession, now time.Time) error) error {
	_, err := svc.update(ctx, id, func(s *AttemptSession, now time.Time) error {
		if ok, n := gate(*s, svc.derive(*s, now), action); !ok {
			*notice = n
			return errRejected
		}
		return apply(s, now)
	})
	return err
}

func (svc *Service) record(ctx context.Context, sess AttemptSession, audio []byte, res ActionResult) (ActionResult, error) {
	if len(audio) == 0 {
		return reject(res, noticeEmptyAudio), nil
	}

	var notice string
	err := svc.gatedUpdate(ctx, sess.ID, ActionRecord, &notice, func(s *AttemptSession, _ time.Time) error {
		s.RecordedAudio = audio
		return nil
	})
	if err == errRejected {
		return reject(res, notice), nil
	}
	if err != nil {
		return res, err
	}
	res.Status = StatusDone
	return res, nil
}

func (svc *Service) transcribe(ctx context.Context, sess AttemptSession, res ActionResult) (ActionResult, error) {
	if !sess.HasAudio() {
		return reject(res, noticeNoAudio), nil
	}

	v, shared, err := svc.flights.do(actionKey(sess.ID, ActionTranscribe), func() (interface{}, error) {
		cctx, cancel := svc.callCtx(ctx)
		defer cancel()
		return svc.transcriber.Transcribe(cctx, sess.RecordedAudio)
	})
	res.Shared = shared
	if err != nil {
		svc.logger.Warn("manual transcription failed", err, sess.Person())
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("transcription failed: %v", err)
		return res, nil
	}

	status, err := svc.applyTranscript(ctx, sess.ID, v.(string))
	if err != nil {
		return res, err
	}
	res.Status = status
	if status == StatusDiscarded {
		res.Notice = noticeSubmitted
	}
	return res, nil
}

func (svc *Service) editAnswer(ctx context.Context, sess AttemptSession, req ActionRequest, res ActionResult) (ActionResult, error) {
	if req.TranscriptText == nil && req.FinalPromptText == nil {
		return reject(res, noticeNoEdit), nil
	}

	var notice string
	err := svc.gatedUpdate(ctx, sess.ID, ActionEditPrompt, &notice, func(s *AttemptSession, _ time.Time) error {
		changed := false
		if req.TranscriptText != nil {
			changed = s.setTranscript(*req.TranscriptText) || changed
		}
		if req.FinalPromptText != nil {
			changed = s.setFinalPrompt(*req.FinalPromptText) || changed
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err == errRejected {
		return reject(res, notice), nil
	}
	if err != nil {
		return res, err
	}
	res.Status = StatusDone
	return res, nil
}

func (svc *Service) grade(ctx context.Context, sess AttemptSession, res ActionResult) (ActionResult, error) {
	if strings.TrimSpace(sess.FinalPromptText) == "" {
		return reject(res, noticeEmptyPrompt), nil
	}

	v, shared, err := svc.flights.do(actionKey(sess.ID, ActionGrade), func() (interface{}, error) {
		cctx, cancel := svc.callCtx(ctx)
		defer cancel()
		fb, err := svc.grader.Grade(cctx, sess.TranscriptText, sess.FinalPromptText, svc.rubric)
		if err != nil {
			return nil, err
		}
		return gradeResult{feedback: fb, transcript: sess.TranscriptText, finalPrompt: sess.FinalPromptText}, nil
	})
	res.Shared = shared
	if err != nil {
		svc.logger.Warn("grading failed", err, sess.Person())
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("grading failed: %v", err)
		return res, nil
	}
	gr := v.(gradeResult)

	// a grade only ever sits next to the answer it was computed on
	var notice string
	_, err = svc.update(ctx, sess.ID, func(s *AttemptSession, _ time.Time) error {
		notice = ""
		if s.IsSubmitted() {
			notice = noticeSubmitted
			return errNoChange
		}
		if s.TranscriptText != gr.transcript || s.FinalPromptText != gr.finalPrompt {
			notice = noticeAnswerMoved
			return errNoChange
		}
		if s.GradeFeedback == gr.feedback {
			return errNoChange
		}
		s.GradeFeedback = gr.feedback
		return nil
	})
	if err != nil {
		return res, err
	}
	if notice != "" {
		res.Status = StatusDiscarded
		res.Notice = notice
		return res, nil
	}
	res.Status = StatusDone
	return res, nil
}

// submit claims the attempt, records the submission once, then marks the attempt terminal.
func (svc *Service) submit(ctx context.Context, sess AttemptSession, res ActionResult) (ActionResult, error) {
	if strings.TrimSpace(sess.FinalPromptText) == "" {
		return reject(res, noticeEmptyPrompt), nil
	}

	var notice string
	claimed, err := svc.update(ctx, sess.ID, func(s *AttemptSession, now time.Time) error {
		if ok, n := gate(*s, svc.derive(*s, now), ActionSubmit); !ok {
			notice = n
			return errRejected
		}
		if !s.SubmitClaimedAt.IsZero() && now.Sub(s.SubmitClaimedAt) < svc.opts.SubmitClaimTTL {
			notice = noticeSubmitting
			return errRejected
		}
		if strings.TrimSpace(s.FinalPromptText) == "" {
			notice = noticeEmptyPrompt
			return errRejected
		}
		s.SubmitClaimedAt = now
		return nil
	})
	if err == errRejected {
		return reject(res, notice), nil
	}
	if err != nil {
		return res, err
	}

	return submitResult(svc.closeSubmission(ctx, claimed)), nil
}

// submitOutcome is the result of recording a claimed submission.
type submitOutcome struct {
	subID  string // set once the submission store holds the attempt
	shared bool
	err    error
}

func submitResult(so submitOutcome) ActionResult {
	res := ActionResult{Action: ActionSubmit, Shared: so.shared}
	switch {
	case so.subID == "":
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("submission failed: %v", so.err)
	case so.err != nil:
		// the submission exists, the claim stays pending until a later pass closes the attempt
		res.Status = StatusDone
		res.Notice = noticeResubmission
	default:
		res.Status = StatusDone
	}
	return res
}

// submitPending reports whether this pass should finish the outstanding submit claim of sess:
// on the student's own submit, once the claim is older than SubmitClaimTTL, or once locked.
// A claim taken before lock stays finishable after it.
func (svc *Service) submitPending(sess AttemptSession, phase Phase, req *ActionRequest) bool {
	if sess.IsSubmitted() || sess.SubmitClaimedAt.IsZero() {
		return false
	}
	if req != nil && req.Action == ActionSubmit {
		return true
	}
	return phase == PhaseLocked || svc.clock.Now().UTC().Sub(sess.SubmitClaimedAt) >= svc.opts.SubmitClaimTTL
}

// closeSubmission records the submission of a claimed attempt and marks the attempt submitted.
// The submission store is idempotent per attempt, so finishing a claim again is safe.
// A failed store call releases the claim, unless the attempt is locked and the claim is all
// that is left to submit it.
func (svc *Service) closeSubmission(ctx context.Context, claimed AttemptSession) submitOutcome {
	submittedAt := claimed.SubmitClaimedAt
	v, shared, err := svc.flights.do(actionKey(claimed.ID, ActionSubmit), func() (interface{}, error) {
		cctx, cancel := svc.callCtx(ctx)
		defer cancel()
		return svc.submissions.RecordSubmission(cctx, claimed.summary(submittedAt))
	})
	if err != nil {
		svc.logger.Error("recording submission", err, claimed.Person())
		if _, uErr := svc.update(ctx, claimed.ID, func(s *AttemptSession, now time.Time) error {
			if s.IsSubmitted() || !s.SubmitClaimedAt.Equal(submittedAt) || svc.derive(*s, now).Phase == PhaseLocked {
				return errNoChange
			}
			s.SubmitClaimedAt = time.Time{}
			return nil
		}); uErr != nil {
			svc.logger.Error("releasing submit claim", uErr, claimed.Person())
		}
		return submitOutcome{shared: shared, err: err}
	}
	subID := v.(string)

	_, err = svc.update(ctx, claimed.ID, func(s *AttemptSession, _ time.Time) error {
		if s.IsSubmitted() {
			return errNoChange
		}
		s.SubmittedAt = submittedAt
		s.SubmissionID = subID
		s.SubmitClaimedAt = time.Time{}
		return nil
	})
	if err != nil {
		svc.logger.Warn("closing submitted attempt", err, claimed.Person(), map[string]interface{}{"submission_id": subID})
		return submitOutcome{subID: subID, shared: shared, err: err}
	}
	svc.logger.Info("attempt submitted", claimed.Person(), map[string]interface{}{"submission_id": subID})
	return submitOutcome{subID: subID, shared: shared}
}
