package submission_test

import (
	"context"
	"net/mail"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/core/submission"
	emailsvc "github.com/trezcool/tathmini/services/email"
	dummydb "github.com/trezcool/tathmini/storage/database/dummy"
	testutil "github.com/trezcool/tathmini/tests"
)

var ctx = context.Background()

const feedback = `Assessment Scores:

Concept: Prompt Engineering
Grade: Proficient
Reasoning: clear instructions

Concept: Prompt Workflow Breakdown
Grade: Nearly Proficient
Reasoning: some steps are missing

Concept: Evaluation Metrics
Grade: Major Misconceptions
Reasoning: few metrics`

func newService(t *testing.T) (*submission.Service, *emailsvc.ConsoleServiceMock, *testutil.Clock) {
	t.Helper()
	logger := &testutil.Logger{}
	core.ParseEmailTemplates(logger, true /* strict */)
	require.Empty(t, logger.Errors)

	conf := &core.Config{AppName: "Tathmini", DefaultFromEmail: mail.Address{Name: "Tathmini", Address: "noreply@tathmini.test"}}
	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	clock := testutil.NewClock(testutil.Epoch.Add(time.Hour))
	svc := submission.NewService(submission.ServiceDeps{
		Repo:    dummydb.NewSubmissionRepository(dummydb.Open()),
		Rubric:  rubric.Default(),
		MailSvc: mailSvc,
		Clock:   clock,
		Notify:  &mail.Address{Name: "Grace Hopper", Address: "instructor@tathmini.test"},
	})
	return svc, mailSvc, clock
}

func summary(sessionID, assignmentID, name, grade string, offset time.Duration) session.AttemptSummary {
	return session.AttemptSummary{
		SessionID:       sessionID,
		AssignmentID:    assignmentID,
		StudentName:     name,
		TranscriptText:  "my reflections",
		FinalPromptText: "my final prompt",
		GradeFeedback:   grade,
		AudioBytes:      42,
		StartedAt:       testutil.Epoch,
		SubmittedAt:     testutil.Epoch.Add(offset),
	}
}

func TestService_RecordSubmission(t *testing.T) {
	svc, mailSvc, _ := newService(t)

	id, err := svc.RecordSubmission(ctx, summary("sess-1", "a1", "Ada Lovelace", feedback, 30*time.Minute))
	require.NoError(t, err)

	sub, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sub.SessionID)
	assert.Equal(t, "a1", sub.AssignmentID)
	assert.Equal(t, "Ada Lovelace", sub.StudentName)
	assert.Equal(t, "my reflections", sub.TranscriptText)
	assert.Equal(t, "my final prompt", sub.StudentPrompt)
	assert.Equal(t, feedback, sub.GradeText())
	assert.True(t, sub.GradeOverall.Valid)
	assert.InDelta(t, (100.0+80+50)/3, sub.GradeOverall.Float64, 0.001)
	assert.Equal(t, 42, sub.AudioBytes)
	assert.True(t, sub.CreatedAt.Equal(testutil.Epoch.Add(30*time.Minute)))

	sent := mailSvc.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "instructor@tathmini.test", sent[0].To[0].Address)
	assert.Equal(t, "New submission from Ada Lovelace", sent[0].Subject)
	assert.Contains(t, sent[0].TextContent, "Student: Ada Lovelace")
	assert.Contains(t, sent[0].TextContent, "Grade: 77%")

	// recording the same session again returns the first submission and sends nothing
	again, err := svc.RecordSubmission(ctx, summary("sess-1", "a1", "Ada Lovelace", "", 40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, mailSvc.SentMessages(), 1)
}

func TestService_RecordSubmission_Ungraded(t *testing.T) {
	svc, mailSvc, clock := newService(t)

	sum := summary("sess-1", "a1", "Ada Lovelace", "  ", 0)
	sum.SubmittedAt = time.Time{}
	id, err := svc.RecordSubmission(ctx, sum)
	require.NoError(t, err)

	sub, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sub.GradeJSON.Valid)
	assert.False(t, sub.GradeOverall.Valid)
	assert.Empty(t, sub.GradeText())
	assert.True(t, sub.CreatedAt.Equal(clock.Now()))

	sent := mailSvc.SentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].TextContent, "Grade: not graded")
}

func TestService_Get_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(ctx, "nope")
	assert.Equal(t, submission.ErrNotFound, err)
}

func TestService_Query(t *testing.T) {
	svc, _, _ := newService(t)
	for _, sum := range []session.AttemptSummary{
		summary("s1", "a1", "bob Marley", "Grade: Nearly Proficient", time.Minute),
		summary("s2", "a1", "Alice Walker", "Grade: Proficient", 2*time.Minute),
		summary("s3", "a2", "Carol King", "", 3*time.Minute),
	} {
		_, err := svc.RecordSubmission(ctx, sum)
		require.NoError(t, err)
	}

	names := func(subs []submission.Submission) []string {
		out := make([]string, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.StudentName)
		}
		return out
	}

	tests := []struct {
		name     string
		filter   submission.QueryFilter
		ordering []core.DBOrdering
		want     []string
	}{
		{"default newest first", submission.QueryFilter{}, nil, []string{"Carol King", "Alice Walker", "bob Marley"}},
		{"unknown ordering falls back", submission.QueryFilter{}, []core.DBOrdering{{Field: "audio_bytes; DROP TABLE"}}, []string{"Carol King", "Alice Walker", "bob Marley"}},
		{"by name", submission.QueryFilter{}, []core.DBOrdering{{Field: "student_name", Ascending: true}}, []string{"Alice Walker", "bob Marley", "Carol King"}},
		{"by grade", submission.QueryFilter{}, []core.DBOrdering{{Field: "grade_overall"}}, []string{"Alice Walker", "bob Marley", "Carol King"}},
		{"assignment filter", submission.QueryFilter{AssignmentID: " a1 "}, nil, []string{"Alice Walker", "bob Marley"}},
		{"search", submission.QueryFilter{Search: " MARLEY "}, nil, []string{"bob Marley"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, err := svc.Query(ctx, tt.filter, tt.ordering...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(subs))
		})
	}
}

func TestService_UpdateGrade(t *testing.T) {
	svc, _, clock := newService(t)
	id, err := svc.RecordSubmission(ctx, summary("sess-1", "a1", "Ada Lovelace", "", 0))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	text := "Concept: Prompt Engineering\nGrade: Mastery"
	sub, err := svc.UpdateGrade(ctx, id, submission.UpdateGrade{GradeText: &text})
	require.NoError(t, err)
	assert.Equal(t, text, sub.GradeText())
	assert.Equal(t, 102.0, sub.GradeOverall.Float64)
	assert.True(t, sub.UpdatedAt.Equal(clock.Now()))

	overall := 88.5
	sub, err = svc.UpdateGrade(ctx, id, submission.UpdateGrade{GradeText: &text, GradeOverall: &overall})
	require.NoError(t, err)
	assert.Equal(t, 88.5, sub.GradeOverall.Float64)

	plain := "good work"
	sub, err = svc.UpdateGrade(ctx, id, submission.UpdateGrade{GradeText: &plain})
	require.NoError(t, err)
	assert.Equal(t, "good work", sub.GradeText())
	assert.False(t, sub.GradeOverall.Valid)

	stored, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sub, stored)

	_, err = svc.UpdateGrade(ctx, "nope", submission.UpdateGrade{GradeText: &plain})
	assert.Equal(t, submission.ErrNotFound, err)
}

func TestService_Summaries(t *testing.T) {
	svc, _, _ := newService(t)
	for _, sum := range []session.AttemptSummary{
		summary("s1", "a1", "bob Marley", "Grade: Nearly Proficient", time.Minute),
		summary("s2", "a1", "Alice Walker", "Grade: Proficient", 2*time.Minute),
		summary("s3", "a2", "Carol King", "", 3*time.Minute),
	} {
		_, err := svc.RecordSubmission(ctx, sum)
		require.NoError(t, err)
	}

	sums, err := svc.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	assert.Equal(t, "a2", sums[0].AssignmentID)
	assert.Equal(t, 1, sums[0].Count)
	assert.False(t, sums[0].AverageGrade.Valid)
	assert.True(t, sums[0].LastSubmissionAt.Equal(testutil.Epoch.Add(3*time.Minute)))

	assert.Equal(t, "a1", sums[1].AssignmentID)
	assert.Equal(t, 2, sums[1].Count)
	assert.Equal(t, 90.0, sums[1].AverageGrade.Float64)
}
