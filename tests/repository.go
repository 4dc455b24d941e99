package testutil

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/core/submission"
)

// SessionRepositoryContract exercises the behaviour every session.Repository must share.
// `newRepo` must return an empty repository.
func SessionRepositoryContract(t *testing.T, newRepo func(t *testing.T) session.Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		created := CreateSession(t, repo, "s-create", "a1", "Ada Lovelace", Epoch)
		assert.Equal(t, int64(1), created.Version)

		got, err := repo.GetSession(ctx, "s-create")
		require.NoError(t, err)
		assert.Equal(t, "a1", got.AssignmentID)
		assert.Equal(t, "Ada Lovelace", got.StudentName)
		assert.True(t, got.StartedAt.Equal(Epoch))
		assert.Empty(t, got.FiredCheckpoints)
		assert.False(t, got.HasAudio())
		assert.False(t, got.IsSubmitted())
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("get unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetSession(ctx, "nope")
		assert.Equal(t, session.ErrNotFound, errors.Cause(err))
	})

	t.Run("save round trip", func(t *testing.T) {
		repo := newRepo(t)
		sess := CreateSession(t, repo, "s-save", "a1", "Ada Lovelace", Epoch)

		submittedAt := Epoch.Add(50 * time.Minute)
		sess.FiredCheckpoints = []string{"900", "1800"}
		sess.PhaseCache = session.PhaseGrace
		sess.RecordedAudio = []byte("RIFF....WAVEfmt audio bytes")
		sess.TranscriptText = "spoken answer"
		sess.FinalPromptText = "final prompt"
		sess.GradeFeedback = "Grade: 80"
		sess.SubmittedAt = submittedAt
		sess.SubmissionID = "sub-1"
		sess.UpdatedAt = submittedAt

		saved, err := repo.SaveSession(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, int64(2), saved.Version)

		got, err := repo.GetSession(ctx, "s-save")
		require.NoError(t, err)
		assert.Equal(t, []string{"900", "1800"}, got.FiredCheckpoints)
		assert.Equal(t, session.PhaseGrace, got.PhaseCache)
		assert.Equal(t, []byte("RIFF....WAVEfmt audio bytes"), got.RecordedAudio)
		assert.Equal(t, "spoken answer", got.TranscriptText)
		assert.Equal(t, "final prompt", got.FinalPromptText)
		assert.Equal(t, "Grade: 80", got.GradeFeedback)
		assert.True(t, got.SubmittedAt.Equal(submittedAt))
		assert.True(t, got.SubmitClaimedAt.IsZero())
		assert.Equal(t, "sub-1", got.SubmissionID)
		assert.True(t, got.StartedAt.Equal(Epoch))
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("stale save conflicts", func(t *testing.T) {
		repo := newRepo(t)
		sess := CreateSession(t, repo, "s-stale", "a1", "Ada Lovelace", Epoch)

		first := sess
		first.TranscriptText = "first"
		_, err := repo.SaveSession(ctx, first)
		require.NoError(t, err)

		second := sess
		second.TranscriptText = "second"
		_, err = repo.SaveSession(ctx, second)
		assert.Equal(t, session.ErrConflict, errors.Cause(err))

		got, err := repo.GetSession(ctx, "s-stale")
		require.NoError(t, err)
		assert.Equal(t, "first", got.TranscriptText)
	})

	t.Run("save unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.SaveSession(ctx, session.AttemptSession{ID: "nope", Version: 1, StartedAt: Epoch})
		assert.Equal(t, session.ErrNotFound, errors.Cause(err))
	})

	t.Run("concurrent saves have one winner", func(t *testing.T) {
		repo := newRepo(t)
		sess := CreateSession(t, repo, "s-race", "a1", "Ada Lovelace", Epoch)

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				upd := sess
				upd.FiredCheckpoints = []string{"900"}
				_, err := repo.SaveSession(ctx, upd)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		var wins int
		for err := range results {
			if err == nil {
				wins++
			} else {
				assert.Equal(t, session.ErrConflict, errors.Cause(err))
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("query open sessions", func(t *testing.T) {
		repo := newRepo(t)
		CreateSession(t, repo, "s-old", "a1", "Old Timer", Epoch.Add(-3*time.Hour))
		CreateSession(t, repo, "s-open-2", "a1", "Second Student", Epoch.Add(10*time.Minute))
		CreateSession(t, repo, "s-open-1", "a1", "First Student", Epoch)
		done := CreateSession(t, repo, "s-done", "a1", "Done Student", Epoch)
		done.SubmittedAt = Epoch.Add(time.Minute)
		_, err := repo.SaveSession(ctx, done)
		require.NoError(t, err)

		open, err := repo.QueryOpenSessions(ctx, Epoch.Add(-time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(open))
		for _, s := range open {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"s-open-1", "s-open-2"}, ids)
	})
}

// CreateSubmission stores a submission created `offset` after Epoch; a negative grade means ungraded.
func CreateSubmission(t *testing.T, repo submission.Repository, id, sessionID, assignmentID, name string, grade float64, offset time.Duration) submission.Submission {
	t.Helper()
	at := Epoch.Add(offset)
	sub := submission.Submission{
		ID:             id,
		SessionID:      sessionID,
		AssignmentID:   assignmentID,
		StudentName:    name,
		TranscriptText: "transcript of " + name,
		StudentPrompt:  "prompt of " + name,
		AudioBytes:     1024,
		StartedAt:      Epoch,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if grade >= 0 {
		sub.GradeJSON = null.JSONFrom([]byte(`{"text":"Grade: ` + strconv.FormatFloat(grade, 'f', -1, 64) + `"}`))
		sub.GradeOverall = null.Float64From(grade)
	}
	sub, err := repo.CreateSubmission(context.Background(), sub)
	if err != nil {
		t.Fatalf("CreateSubmission() failed: %v", err)
	}
	return sub
}

func submissionIDs(subs []submission.Submission) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	return ids
}

// SubmissionRepositoryContract exercises the behaviour every submission.Repository must share.
func SubmissionRepositoryContract(t *testing.T, newRepo func(t *testing.T) submission.Repository) {
	ctx := context.Background()

	seed := func(t *testing.T) submission.Repository {
		repo := newRepo(t)
		CreateSubmission(t, repo, "sub-1", "s-1", "a1", "bob Marley", 80, time.Minute)
		CreateSubmission(t, repo, "sub-2", "s-2", "a1", "Alice Walker", 100, 2*time.Minute)
		CreateSubmission(t, repo, "sub-3", "s-3", "a2", "Carol King", -1, 3*time.Minute)
		return repo
	}

	t.Run("get", func(t *testing.T) {
		repo := seed(t)
		got, err := repo.GetSubmission(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "s-1", got.SessionID)
		assert.Equal(t, "Grade: 80", got.GradeText())
		assert.Equal(t, null.Float64From(80), got.GradeOverall)
		assert.True(t, got.CreatedAt.Equal(Epoch.Add(time.Minute)))

		got, err = repo.GetSubmissionBySession(ctx, "s-3")
		require.NoError(t, err)
		assert.Equal(t, "sub-3", got.ID)
		assert.False(t, got.GradeJSON.Valid)
		assert.False(t, got.GradeOverall.Valid)

		_, err = repo.GetSubmission(ctx, "nope")
		assert.Equal(t, submission.ErrNotFound, errors.Cause(err))
		_, err = repo.GetSubmissionBySession(ctx, "nope")
		assert.Equal(t, submission.ErrNotFound, errors.Cause(err))
	})

	t.Run("duplicate session", func(t *testing.T) {
		repo := seed(t)
		_, err := repo.CreateSubmission(ctx, submission.Submission{
			ID: "sub-dup", SessionID: "s-1", AssignmentID: "a1", StudentName: "bob Marley",
			StartedAt: Epoch, CreatedAt: Epoch, UpdatedAt: Epoch,
		})
		assert.Equal(t, submission.ErrDuplicate, errors.Cause(err))
	})

	t.Run("query", func(t *testing.T) {
		repo := seed(t)
		tests := []struct {
			name     string
			filter   submission.QueryFilter
			ordering []core.DBOrdering
			want     []string
		}{
			{"newest first", submission.QueryFilter{}, []core.DBOrdering{{Field: "created_at"}}, []string{"sub-3", "sub-2", "sub-1"}},
			{"by name", submission.QueryFilter{}, []core.DBOrdering{{Field: "student_name", Ascending: true}}, []string{"sub-2", "sub-1", "sub-3"}},
			{"by grade", submission.QueryFilter{}, []core.DBOrdering{{Field: "grade_overall", Ascending: true}}, []string{"sub-3", "sub-1", "sub-2"}},
			{"by grade desc", submission.QueryFilter{}, []core.DBOrdering{{Field: "grade_overall"}}, []string{"sub-2", "sub-1", "sub-3"}},
			{"assignment", submission.QueryFilter{AssignmentID: "a1"}, []core.DBOrdering{{Field: "created_at", Ascending: true}}, []string{"sub-1", "sub-2"}},
			{"search", submission.QueryFilter{Search: "king"}, nil, []string{"sub-3"}},
			{"no match", submission.QueryFilter{AssignmentID: "a2", Search: "alice"}, nil, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := repo.QuerySubmissions(ctx, tt.filter, tt.ordering...)
				require.NoError(t, err)
				assert.Equal(t, tt.want, submissionIDs(got))
			})
		}
	})

	t.Run("update", func(t *testing.T) {
		repo := seed(t)
		sub, err := repo.GetSubmission(ctx, "sub-3")
		require.NoError(t, err)
		sub.GradeJSON = null.JSONFrom([]byte(`{"text":"Grade: 50"}`))
		sub.GradeOverall = null.Float64From(50)
		sub.UpdatedAt = Epoch.Add(time.Hour)
		_, err = repo.UpdateSubmission(ctx, sub)
		require.NoError(t, err)

		got, err := repo.GetSubmission(ctx, "sub-3")
		require.NoError(t, err)
		assert.Equal(t, "Grade: 50", got.GradeText())
		assert.Equal(t, null.Float64From(50), got.GradeOverall)
		assert.True(t, got.UpdatedAt.Equal(Epoch.Add(time.Hour)))

		_, err = repo.UpdateSubmission(ctx, submission.Submission{ID: "nope"})
		assert.Equal(t, submission.ErrNotFound, errors.Cause(err))
	})

	t.Run("summarize", func(t *testing.T) {
		repo := seed(t)
		sums, err := repo.SummarizeByAssignment(ctx)
		require.NoError(t, err)
		require.Len(t, sums, 2)

		assert.Equal(t, "a1", sums[0].AssignmentID)
		assert.Equal(t, 2, sums[0].Count)
		assert.Equal(t, null.Float64From(90), sums[0].AverageGrade)
		assert.True(t, sums[0].LastSubmissionAt.Equal(Epoch.Add(2*time.Minute)))

		assert.Equal(t, "a2", sums[1].AssignmentID)
		assert.Equal(t, 1, sums[1].Count)
		assert.False(t, sums[1].AverageGrade.Valid)
	})
}
