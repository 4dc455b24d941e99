package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/session"
	testutil "github.com/trezcool/tathmini/tests"
)

func TestActions_Preconditions(t *testing.T) {
	tests := []struct {
		name       string
		req        session.ActionRequest
		wantNotice string
	}{
		{"record without audio", session.ActionRequest{Action: session.ActionRecord}, "no audio was received"},
		{"transcribe before recording", session.ActionRequest{Action: session.ActionTranscribe}, "record an answer before transcribing"},
		{"edit nothing", session.ActionRequest{Action: session.ActionEditPrompt}, "nothing to edit"},
		{"grade an empty prompt", session.ActionRequest{Action: session.ActionGrade}, "final prompt is empty"},
		{"submit an empty prompt", session.ActionRequest{Action: session.ActionSubmit}, "final prompt is empty"},
		{"unknown action", session.ActionRequest{Action: "dance"}, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.start(t)

			out, err := f.svc.Reconcile(ctx, id, &tt.req)
			require.NoError(t, err)
			require.NotNil(t, out.Action)
			assert.Equal(t, tt.req.Action, out.Action.Action)
			assert.Equal(t, session.StatusRejected, out.Action.Status)
			assert.Contains(t, out.Action.Notice, tt.wantNotice)
			assert.Equal(t, 0, f.tr.Calls())
			assert.Equal(t, 0, f.gr.Calls())
			assert.Equal(t, 0, f.subs.Calls())
			assert.Equal(t, int64(1), f.stored(t, id).Version)
		})
	}
}

func TestActions_RecordAndTranscribe(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	f.at(30)
	out, err := f.svc.Record(ctx, id, []byte("first take"))
	require.NoError(t, err)
	assert.True(t, out.Session.HasAudio)
	assert.Equal(t, 10, out.Session.AudioBytes)

	// a new recording replaces the previous one
	f.record(t, id)
	assert.Equal(t, []byte("RIFF....WAVE audio"), f.stored(t, id).RecordedAudio)

	out, err = f.svc.Transcribe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)
	assert.False(t, out.Action.Shared)
	assert.Equal(t, "transcript #1 of 18 bytes", out.Session.TranscriptText)
	assert.Empty(t, out.Session.InProgress)

	f.tr.set(errors.New("quota exceeded"), nil)
	out, err = f.svc.Transcribe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, out.Action.Status)
	assert.Equal(t, "transcription failed: quota exceeded", out.Action.Error)
	assert.Equal(t, "transcript #1 of 18 bytes", out.Session.TranscriptText)
}

func TestActions_GraceWindow(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.record(t, id)
	f.edit(t, id, "spoken answer", "You are a tutor. Explain recursion.")

	f.at(3630)
	out, err := f.svc.Record(ctx, id, []byte("too late"))
	require.NoError(t, err)
	assert.Equal(t, session.StatusRejected, out.Action.Status)
	assert.Contains(t, out.Action.Notice, "recording time is over")
	assert.Equal(t, []byte("RIFF....WAVE audio"), f.stored(t, id).RecordedAudio)

	out, err = f.svc.Transcribe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)

	out, err = f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)
	assert.Equal(t, session.PhaseGrace, out.Session.Phase)
	assert.True(t, out.Session.Submitted)
	assert.Equal(t, "sub-"+id, out.Session.SubmissionID)
	assert.Empty(t, out.Session.AllowedActions)
}

func TestActions_LockedRejectsEverything(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.record(t, id)
	f.edit(t, id, "spoken answer", "final prompt")

	f.at(3660)
	for _, action := range session.Actions {
		out, err := f.svc.Reconcile(ctx, id, &session.ActionRequest{Action: action, Audio: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, session.StatusRejected, out.Action.Status, action)
		assert.Contains(t, out.Action.Notice, "time is up", action)
		assert.Equal(t, session.PhaseLocked, out.Session.Phase)
	}
	assert.Equal(t, 0, f.subs.Calls())
	assert.Equal(t, 0, f.gr.Calls())
	assert.False(t, f.stored(t, id).IsSubmitted())
}

func TestActions_LateTranscriptionAfterLock(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.record(t, id)

	f.at(3590)
	_, err := f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, f.tr.Calls())

	g := newGate()
	f.tr.set(nil, g)
	done := make(chan session.Outcome)
	go func() {
		out, err := f.svc.Transcribe(ctx, id)
		assert.NoError(t, err)
		done <- out
	}()
	g.waitStarted(t)

	f.at(3700)
	close(g.release)
	out := <-done

	assert.Equal(t, session.StatusDone, out.Action.Status)
	assert.Equal(t, session.PhaseLocked, out.Session.Phase)
	assert.Equal(t, "transcript #2 of 18 bytes", f.stored(t, id).TranscriptText)

	// checkpoint 3600 is marked fired without a call, a new manual call is refused
	f.tr.set(nil, nil)
	out, err = f.svc.Transcribe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"3600"}, firedIDs(out))
	assert.Equal(t, session.StatusSkipped, out.Fired[0].Status)
	assert.Equal(t, session.StatusRejected, out.Action.Status)
	assert.Contains(t, out.Action.Notice, "time is up")
	assert.Equal(t, 2, f.tr.Calls())
	assert.Equal(t, "transcript #2 of 18 bytes", f.stored(t, id).TranscriptText)
}

func TestActions_CheckpointResultAfterSubmitIsDiscarded(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.record(t, id)
	f.edit(t, id, "spoken answer", "final prompt")

	g := newGate()
	f.tr.set(nil, g)
	f.at(905)
	done := make(chan session.Outcome)
	go func() {
		out, err := f.svc.Refresh(ctx, id)
		assert.NoError(t, err)
		done <- out
	}()
	g.waitStarted(t)

	out, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.StatusDone, out.Action.Status)

	close(g.release)
	late := <-done
	require.Len(t, late.Fired, 1)
	assert.Equal(t, session.StatusDiscarded, late.Fired[0].Status)
	assert.Len(t, late.Warnings, 1)
	assert.Equal(t, "spoken answer", f.stored(t, id).TranscriptText)
	assert.Equal(t, "spoken answer", f.subs.sums[0].TranscriptText)
}

func TestActions_Grade(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "spoken answer", "Summarize this article.")

	out, err := f.svc.Grade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)
	require.NotNil(t, out.Session.GradeFeedback)
	assert.Equal(t, "Concept: Prompting\nGrade: Proficient\n(on: Summarize this article.)", *out.Session.GradeFeedback)

	// editing the answer drops the stale grade
	prompt := "Summarize this article in three bullets."
	out, err = f.svc.EditAnswer(ctx, id, session.EditAnswer{FinalPromptText: &prompt})
	require.NoError(t, err)
	assert.Nil(t, out.Session.GradeFeedback)
	assert.Empty(t, f.stored(t, id).GradeFeedback)

	f.gr.set(errors.New("overloaded"), nil)
	out, err = f.svc.Grade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, out.Action.Status)
	assert.Equal(t, "grading failed: overloaded", out.Action.Error)
	assert.Nil(t, out.Session.GradeFeedback)
}

func TestActions_GradeDiscardedWhenAnswerMoves(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "spoken answer", "first prompt")

	g := newGate()
	f.gr.set(nil, g)
	done := make(chan session.Outcome)
	go func() {
		out, err := f.svc.Grade(ctx, id)
		assert.NoError(t, err)
		done <- out
	}()
	g.waitStarted(t)

	f.edit(t, id, "spoken answer", "second prompt")
	close(g.release)
	out := <-done

	assert.Equal(t, session.StatusDiscarded, out.Action.Status)
	assert.Contains(t, out.Action.Notice, "changed while grading")
	assert.Nil(t, out.Session.GradeFeedback)
	assert.Equal(t, "second prompt", out.Session.FinalPromptText)
}

func TestActions_GradeIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "spoken answer", "final prompt")

	g := newGate()
	f.gr.set(nil, g)

	const callers = 3
	var wg sync.WaitGroup
	outs := make([]session.Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.svc.Grade(ctx, id)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	g.waitStarted(t)
	time.Sleep(100 * time.Millisecond) // let the other callers join

	view, err := f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"grade"}, view.Session.InProgress)

	close(g.release)
	wg.Wait()

	assert.Equal(t, 1, f.gr.Calls())
	for _, out := range outs {
		assert.Equal(t, session.StatusDone, out.Action.Status)
		assert.True(t, out.Action.Shared)
		require.NotNil(t, out.Session.GradeFeedback)
	}

	view, err = f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Session.InProgress)
}

func TestActions_Submit(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.record(t, id)
	f.edit(t, id, "spoken answer", "final prompt")

	f.at(1200)
	out, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)
	assert.True(t, out.Session.Submitted)
	require.NotNil(t, out.Session.SubmittedAt)
	assert.True(t, out.Session.SubmittedAt.Equal(f.clock.Now()))
	assert.Equal(t, 30.0, out.RefreshIn)

	require.Equal(t, 1, f.subs.Calls())
	sum := f.subs.sums[0]
	assert.Equal(t, id, sum.SessionID)
	assert.Equal(t, "prompting-101", sum.AssignmentID)
	assert.Equal(t, "Ada Lovelace", sum.StudentName)
	// checkpoint 900 fired on the submitting pass and replaced the edited transcript
	assert.Equal(t, "transcript #1 of 18 bytes", sum.TranscriptText)
	assert.Equal(t, "final prompt", sum.FinalPromptText)
	assert.Equal(t, 18, sum.AudioBytes)
	assert.True(t, sum.SubmittedAt.Equal(f.clock.Now()))

	stored := f.stored(t, id)
	assert.Equal(t, "sub-"+id, stored.SubmissionID)
	assert.True(t, stored.SubmitClaimedAt.IsZero())

	f.at(1300)
	for _, action := range session.Actions {
		out, err = f.svc.Reconcile(ctx, id, &session.ActionRequest{Action: action, Audio: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, session.StatusRejected, out.Action.Status, action)
		assert.Contains(t, out.Action.Notice, "already been submitted", action)
	}
	assert.Equal(t, 1, f.subs.Calls())

	// a submitted attempt fires no more checkpoints
	f.at(3000)
	out, err = f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, out.Fired)
	assert.Equal(t, 1, f.tr.Calls())
}

func TestActions_SubmitFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "", "final prompt")

	f.subs.set(errors.New("database is down"))
	out, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, out.Action.Status)
	assert.Equal(t, "submission failed: database is down", out.Action.Error)
	assert.False(t, out.Session.Submitted)
	assert.True(t, f.stored(t, id).SubmitClaimedAt.IsZero())
	assert.Len(t, f.logger.Errors, 1)

	f.subs.set(nil)
	out, err = f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, out.Action.Status)
	assert.True(t, out.Session.Submitted)
	assert.Equal(t, 2, f.subs.Calls())
}

func TestActions_StaleClaimIsFinished(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "", "final prompt")

	// another process claimed the submission and died
	sess := f.stored(t, id)
	sess.SubmitClaimedAt = f.clock.Now()
	_, err := f.repo.SaveSession(ctx, sess)
	require.NoError(t, err)

	f.at(60)
	out, err := f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Session.Submitted)
	assert.Equal(t, 0, f.subs.Calls())

	f.at(121)
	out, err = f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Session.Submitted)
	require.NotNil(t, out.Session.SubmittedAt)
	assert.True(t, out.Session.SubmittedAt.Equal(testutil.Epoch))
	assert.Equal(t, 1, f.subs.Calls())
	assert.True(t, f.stored(t, id).SubmitClaimedAt.IsZero())
}

func TestActions_SubmittedAttemptThatCouldNotBeClosed(t *testing.T) {
	tests := []struct {
		name   string
		at     int
		submit bool // false: a plain refresh
	}{
		{"submit again", 3640, true},
		{"submit after lock", 3700, true},
		{"refresh after lock", 3700, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.start(t)
			f.edit(t, id, "", "final prompt")
			repo := &flakyRepo{Repository: f.repo}
			svc := f.newService(t, repo)

			// every save conflicts right after the submission is recorded
			var once sync.Once
			f.subs.onRecord = func() { once.Do(func() { repo.failNext(5) }) }

			f.at(3630)
			out, err := svc.Submit(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, session.StatusDone, out.Action.Status)
			assert.Contains(t, out.Action.Notice, "submit again")
			assert.False(t, out.Session.Submitted)
			assert.False(t, f.stored(t, id).SubmitClaimedAt.IsZero())
			assert.Equal(t, 1, f.subs.Calls())

			f.at(tt.at)
			if tt.submit {
				out, err = svc.Submit(ctx, id)
				require.NoError(t, err)
				require.NotNil(t, out.Action)
				assert.Equal(t, session.StatusDone, out.Action.Status)
			} else {
				out, err = svc.Refresh(ctx, id)
				require.NoError(t, err)
			}
			assert.True(t, out.Session.Submitted)
			assert.Equal(t, "sub-"+id, out.Session.SubmissionID)
			require.NotNil(t, out.Session.SubmittedAt)
			assert.True(t, out.Session.SubmittedAt.Equal(testutil.Epoch.Add(3630*time.Second)))
			assert.Equal(t, 2, f.subs.Calls())

			stored := f.stored(t, id)
			assert.True(t, stored.IsSubmitted())
			assert.True(t, stored.SubmitClaimedAt.IsZero())
		})
	}
}

func TestActions_LockedClaimSurvivesStoreFailure(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "", "final prompt")

	sess := f.stored(t, id)
	sess.SubmitClaimedAt = testutil.Epoch.Add(3650 * time.Second)
	_, err := f.repo.SaveSession(ctx, sess)
	require.NoError(t, err)

	f.subs.set(errors.New("database is down"))
	f.at(3700)
	out, err := f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Session.Submitted)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[len(out.Warnings)-1], "database is down")
	assert.False(t, f.stored(t, id).SubmitClaimedAt.IsZero())

	f.subs.set(nil)
	f.at(3730)
	out, err = f.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Session.Submitted)
	assert.Equal(t, 2, f.subs.Calls())
}

func TestActions_StoreConflictIsReported(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.edit(t, id, "", "final prompt")
	svc := f.newService(t, conflictRepo{Repository: f.repo})

	out, err := svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, out.Action.Status)
	assert.Equal(t, session.ErrConflict.Error(), out.Action.Error)
	assert.Equal(t, 0, f.subs.Calls())
}

func TestNewAttempt_Validate(t *testing.T) {
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	tests := []struct {
		name    string
		na      session.NewAttempt
		wantErr bool
	}{
		{"valid", session.NewAttempt{FirstName: " Ada ", LastName: "Lovelace", AssignmentID: "a1", Affirmation: true}, false},
		{"hyphenated", session.NewAttempt{FirstName: "Jean-Luc", LastName: "O'Neil", AssignmentID: "a1", Affirmation: true}, false},
		{"missing first name", session.NewAttempt{LastName: "Lovelace", AssignmentID: "a1", Affirmation: true}, true},
		{"digits in name", session.NewAttempt{FirstName: "R2D2", LastName: "Droid", AssignmentID: "a1", Affirmation: true}, true},
		{"missing assignment", session.NewAttempt{FirstName: "Ada", LastName: "Lovelace", AssignmentID: "  ", Affirmation: true}, true},
		{"no affirmation", session.NewAttempt{FirstName: "Ada", LastName: "Lovelace", AssignmentID: "a1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.na.Validate(validate)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	na := session.NewAttempt{FirstName: " Ada ", LastName: "Lovelace ", AssignmentID: " a1", Affirmation: true}
	require.NoError(t, na.Validate(validate))
	assert.Equal(t, "Ada", na.FirstName)
	assert.Equal(t, "Lovelace", na.LastName)
	assert.Equal(t, "a1", na.AssignmentID)
}

func TestEditAnswer_Validate(t *testing.T) {
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	err := (&session.EditAnswer{}).Validate(validate)
	assert.True(t, core.IsValidationError(err))

	prompt := "final prompt"
	assert.NoError(t, (&session.EditAnswer{FinalPromptText: &prompt}).Validate(validate))
}
