package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/rubric"
)

var (
	// errors
	ErrNotFound = errors.New("attempt session not found")
	ErrConflict = errors.New("attempt session was updated concurrently, please retry")
)

type (
	// Repository persists attempt sessions with optimistic concurrency.
	Repository interface {
		// CreateSession stores a new session and returns it with its initial version.
		CreateSession(ctx context.Context, sess AttemptSession) (AttemptSession, error)
		GetSession(ctx context.Context, id string) (AttemptSession, error)
		// SaveSession stores sess only if the stored version still equals sess.Version, otherwise it returns ErrConflict.
		// The returned session carries the new version.
		SaveSession(ctx context.Context, sess AttemptSession) (AttemptSession, error)
		// QueryOpenSessions returns the unsubmitted sessions started after `since`.
		QueryOpenSessions(ctx context.Context, since time.Time) ([]AttemptSession, error)
	}

	Transcriber interface {
		Transcribe(ctx context.Context, audio []byte) (string, error)
	}

	Grader interface {
		Grade(ctx context.Context, transcript, finalPrompt string, rb rubric.Rubric) (string, error)
	}

	// SubmissionStore records a terminal submission. Recording the same session twice returns the first submission.
	SubmissionStore interface {
		RecordSubmission(ctx context.Context, sum AttemptSummary) (string, error)
	}

	Options struct {
		ActiveDuration        time.Duration
		GraceDuration         time.Duration
		Checkpoints           CheckpointTable
		MaxSaveAttempts       int
		RefreshInterval       time.Duration
		LockedRefreshInterval time.Duration
		SubmitClaimTTL        time.Duration
		CallTimeout           time.Duration // 0: no timeout on collaborator calls
		SweepConcurrency      int
	}

	ServiceDeps struct {
		Repo        Repository
		Transcriber Transcriber
		Grader      Grader
		Submissions SubmissionStore
		Rubric      rubric.Rubric
		Clock       core.Clock
		Logger      core.Logger
	}

	Service struct {
		repo        Repository
		transcriber Transcriber
		grader      Grader
		submissions SubmissionStore
		rubric      rubric.Rubric
		clock       core.Clock
		logger      core.Logger
		opts        Options
		flights     *flightGroup
	}
)

// OptionsFromConfig builds the session options from the deployment configuration.
func OptionsFromConfig(conf *core.Config) (Options, error) {
	table, err := NewCheckpointTable(conf.Session.Checkpoints...)
	if err != nil {
		return Options{}, errors.Wrap(err, "building checkpoint table")
	}
	return Options{
		ActiveDuration:        conf.Session.ActiveDuration,
		GraceDuration:         conf.Session.GraceDuration,
		Checkpoints:           table,
		MaxSaveAttempts:       conf.Session.MaxSaveAttempts,
		RefreshInterval:       conf.Session.RefreshInterval,
		LockedRefreshInterval: conf.Session.LockedRefreshInterval,
		SubmitClaimTTL:        conf.Session.SubmitClaimTTL,
		CallTimeout:           conf.Providers.Timeout,
		SweepConcurrency:      conf.Session.SweepConcurrency,
	}, nil
}

func NewService(deps ServiceDeps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock
	}
	if opts.MaxSaveAttempts < 1 {
		opts.MaxSaveAttempts = 1
	}
	return &Service{
		repo:        deps.Repo,
		transcriber: deps.Transcriber,
		grader:      deps.Grader,
		submissions: deps.Submissions,
		rubric:      deps.Rubric,
		clock:       deps.Clock,
		logger:      deps.Logger,
		opts:        opts,
		flights:     newFlightGroup(),
	}
}

func (svc *Service) Options() Options { return svc.opts }

func (svc *Service) derive(sess AttemptSession, now time.Time) PhaseStatus {
	return DerivePhase(sess.StartedAt, now, svc.opts.ActiveDuration, svc.opts.GraceDuration)
}

// Start creates a new attempt; its timer starts now.
func (svc *Service) Start(ctx context.Context, na NewAttempt) (Outcome, error) {
	now := svc.clock.Now().UTC()
	sess := AttemptSession{
		ID:           uuid.NewString(),
		AssignmentID: na.AssignmentID,
		StudentName:  core.JoinNonEmpty(na.FirstName, na.LastName),
		StartedAt:    now,
		PhaseCache:   PhaseActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sess, err := svc.repo.CreateSession(ctx, sess)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "creating session")
	}
	svc.logger.Info("attempt started", sess.Person(), map[string]interface{}{"assignment_id": sess.AssignmentID})
	return svc.render(sess, Outcome{}), nil
}

// Refresh runs one reconciliation pass with no pending action (a timer tick).
func (svc *Service) Refresh(ctx context.Context, id string) (Outcome, error) {
	return svc.Reconcile(ctx, id, nil)
}

func (svc *Service) Record(ctx context.Context, id string, audio []byte) (Outcome, error) {
	return svc.Reconcile(ctx, id, &ActionRequest{Action: ActionRecord, Audio: audio})
}

func (svc *Service) Transcribe(ctx context.Context, id string) (Outcome, error) {
	return svc.Reconcile(ctx, id, &ActionRequest{Action: ActionTranscribe})
}

func (svc *Service) EditAnswer(ctx context.Context, id string, ea EditAnswer) (Outcome, error) {
	return svc.Reconcile(ctx, id, &ActionRequest{
		Action:          ActionEditPrompt,
		TranscriptText:  ea.TranscriptText,
		FinalPromptText: ea.FinalPromptText,
	})
}

func (svc *Service) Grade(ctx context.Context, id string) (Outcome, error) {
	return svc.Reconcile(ctx, id, &ActionRequest{Action: ActionGrade})
}

func (svc *Service) Submit(ctx context.Context, id string) (Outcome, error) {
	return svc.Reconcile(ctx, id, &ActionRequest{Action: ActionSubmit})
}

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// update applies `mutate` to the latest stored session and saves it with a compare-and-set,
// reloading and re-applying on conflict up to MaxSaveAttempts times.
// `mutate` may return errNoChange to skip the write, or any other error to abort.
func (svc *Service) update(ctx context.Context, id string, mutate func(s *AttemptSession, now time.Time) error) (AttemptSession, error) {
	for attempt := 1; attempt <= svc.opts.MaxSaveAttempts; attempt++ {
		sess, err := svc.repo.GetSession(ctx, id)
		if err != nil {
			return AttemptSession{}, err
		}

		now := svc.clock.Now().UTC()
		upd := sess.clone()
		if err = mutate(&upd, now); err != nil {
			if err == errNoChange {
				return sess, nil
			}
			return sess, err
		}
		upd.UpdatedAt = now

		saved, err := svc.repo.SaveSession(ctx, upd)
		if err == nil {
			return saved, nil
		}
		if errors.Cause(err) != ErrConflict {
			return AttemptSession{}, errors.Wrap(err, "saving session")
		}
		svc.logger.Debug("session save conflict, retrying", sess.Person(), map[string]interface{}{"attempt": attempt})
	}
	return AttemptSession{}, ErrConflict
}

// callCtx detaches collaborator calls from the caller's cancellation so late results still land.
func (svc *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if svc.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, svc.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}
