package submission

import (
	"context"
	"net/mail"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
)

var (
	// errors
	ErrNotFound = errors.New("submission not found")
	// ErrDuplicate is returned by CreateSubmission when the session already has a submission.
	ErrDuplicate = errors.New("a submission for this session already exists")
)

type (
	Repository interface {
		CreateSubmission(ctx context.Context, sub Submission) (Submission, error)
		GetSubmission(ctx context.Context, id string) (Submission, error)
		GetSubmissionBySession(ctx context.Context, sessionID string) (Submission, error)
		QuerySubmissions(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Submission, error)
		UpdateSubmission(ctx context.Context, sub Submission) (Submission, error)
		SummarizeByAssignment(ctx context.Context) ([]AssignmentSummary, error)
	}

	ServiceDeps struct {
		Repo    Repository
		Rubric  rubric.Rubric
		MailSvc core.EmailService
		Clock   core.Clock
		Notify  *mail.Address // instructor notified of every new submission, if set
	}

	Service struct {
		repo    Repository
		rubric  rubric.Rubric
		mailSvc core.EmailService
		clock   core.Clock
		notify  *mail.Address
	}
)

var _ session.SubmissionStore = (*Service)(nil) // interface compliance check

func NewService(deps ServiceDeps) *Service {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock
	}
	return &Service{
		repo:    deps.Repo,
		rubric:  deps.Rubric,
		mailSvc: deps.MailSvc,
		clock:   deps.Clock,
		notify:  deps.Notify,
	}
}

// RecordSubmission stores the summary of a submitted attempt. It is idempotent per session.
func (svc *Service) RecordSubmission(ctx context.Context, sum session.AttemptSummary) (string, error) {
	if existing, err := svc.repo.GetSubmissionBySession(ctx, sum.SessionID); err == nil {
		return existing.ID, nil
	} else if errors.Cause(err) != ErrNotFound {
		return "", errors.Wrap(err, "finding submission by session")
	}

	now := svc.clock.Now().UTC()
	createdAt := sum.SubmittedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	sub := Submission{
		ID:             uuid.NewString(),
		SessionID:      sum.SessionID,
		AssignmentID:   sum.AssignmentID,
		StudentName:    sum.StudentName,
		TranscriptText: sum.TranscriptText,
		StudentPrompt:  sum.FinalPromptText,
		GradeJSON:      gradeJSON(sum.GradeFeedback),
		AudioBytes:     sum.AudioBytes,
		StartedAt:      sum.StartedAt.UTC(),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	if score, ok := svc.rubric.OverallScore(sum.GradeFeedback); ok {
		sub.GradeOverall = null.Float64From(score)
	}

	sub, err := svc.repo.CreateSubmission(ctx, sub)
	if err != nil {
		if errors.Cause(err) == ErrDuplicate {
			existing, gErr := svc.repo.GetSubmissionBySession(ctx, sum.SessionID)
			if gErr != nil {
				return "", errors.Wrap(gErr, "finding submission by session")
			}
			return existing.ID, nil
		}
		return "", errors.Wrap(err, "creating submission")
	}

	svc.notifyInstructor(sub)
	return sub.ID, nil
}

func (svc *Service) notifyInstructor(sub Submission) {
	if svc.notify == nil || svc.mailSvc == nil {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{*svc.notify},
		Subject:      "New submission from " + sub.StudentName,
		TemplateName: "submission_received",
		TemplateData: sub,
	})
}

func (svc *Service) Get(ctx context.Context, id string) (Submission, error) {
	return svc.repo.GetSubmission(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]Submission, error) {
	filter.Clean()
	kept := make([]core.DBOrdering, 0, len(ordering))
	for _, ord := range ordering {
		if IsOrderingField(ord.Field) {
			kept = append(kept, ord)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, core.DBOrdering{Field: "created_at"})
	}
	return svc.repo.QuerySubmissions(ctx, filter, kept...)
}

// UpdateGrade overwrites the grade of a submission. The overall score is re-derived from the text
// unless the instructor sets it explicitly.
func (svc *Service) UpdateGrade(ctx context.Context, id string, ug UpdateGrade) (Submission, error) {
	sub, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}

	var text string
	if ug.GradeText != nil {
		text = *ug.GradeText
	}
	sub.GradeJSON = gradeJSON(text)
	switch {
	case ug.GradeOverall != nil:
		sub.GradeOverall = null.Float64From(*ug.GradeOverall)
	default:
		if score, ok := svc.rubric.OverallScore(text); ok {
			sub.GradeOverall = null.Float64From(score)
		} else {
			sub.GradeOverall = null.Float64{}
		}
	}
	sub.UpdatedAt = svc.clock.Now().UTC()

	sub, err = svc.repo.UpdateSubmission(ctx, sub)
	if err != nil {
		return Submission{}, errors.Wrap(err, "updating submission")
	}
	return sub, nil
}

// Summaries returns one summary per assignment, most recently submitted first.
func (svc *Service) Summaries(ctx context.Context) ([]AssignmentSummary, error) {
	sums, err := svc.repo.SummarizeByAssignment(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "summarizing submissions")
	}
	sort.SliceStable(sums, func(i, j int) bool { return sums[i].LastSubmissionAt.After(sums[j].LastSubmissionAt) })
	return sums, nil
}

// NewServiceMock returns a service with no notifications and a fixed clock, for tests.
func NewServiceMock(repo Repository, now time.Time) *Service {
	return NewService(ServiceDeps{
		Repo:   repo,
		Rubric: rubric.Default(),
		Clock:  core.ClockFunc(func() time.Time { return now }),
	})
}
