package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
	dummydb "github.com/trezcool/tathmini/storage/database/dummy"
	testutil "github.com/trezcool/tathmini/tests"
)

var ctx = context.Background()

// gate is a call barrier: each call announces itself on started, then waits for release if set.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) pass() {
	if g == nil {
		return
	}
	g.started <- struct{}{}
	<-g.release
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("call never started")
	}
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  *gate
}

func (f *fakeTranscriber) set(err error, g *gate) {
	f.mu.Lock()
	f.err, f.gate = err, g
	f.mu.Unlock()
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	n, err, g := f.calls, f.err, f.gate
	f.mu.Unlock()

	g.pass()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("transcript #%d of %d bytes", n, len(audio)), nil
}

type fakeGrader struct {
	mu       sync.Mutex
	calls    int
	err      error
	gate     *gate
	feedback string
}

func (f *fakeGrader) set(err error, g *gate) {
	f.mu.Lock()
	f.err, f.gate = err, g
	f.mu.Unlock()
}

func (f *fakeGrader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGrader) Grade(_ context.Context, transcript, finalPrompt string, _ rubric.Rubric) (string, error) {
	f.mu.Lock()
	f.calls++
	err, g, fb := f.err, f.gate, f.feedback
	f.mu.Unlock()

	g.pass()
	if err != nil {
		return "", err
	}
	if fb == "" {
		fb = "Concept: Prompting\nGrade: Proficient"
	}
	return fb + "\n(on: " + finalPrompt + ")", nil
}

type fakeSubmissions struct {
	mu       sync.Mutex
	sums     []session.AttemptSummary
	err      error
	onRecord func() // runs after each successful call
}

func (f *fakeSubmissions) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSubmissions) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sums)
}

func (f *fakeSubmissions) RecordSubmission(_ context.Context, sum session.AttemptSummary) (string, error) {
	f.mu.Lock()
	f.sums = append(f.sums, sum)
	err, hook := f.err, f.onRecord
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	if hook != nil {
		hook()
	}
	return "sub-" + sum.SessionID, nil
}

// hookRepo runs beforeSave once, on the first save it sees.
type hookRepo struct {
	session.Repository
	once       sync.Once
	beforeSave func()
}

func (r *hookRepo) SaveSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	r.once.Do(func() {
		if r.beforeSave != nil {
			r.beforeSave()
		}
	})
	return r.Repository.SaveSession(ctx, sess)
}

// flakyRepo fails the next `n` saves with a conflict.
type flakyRepo struct {
	session.Repository
	mu sync.Mutex
	n  int
}

func (r *flakyRepo) failNext(n int) {
	r.mu.Lock()
	r.n = n
	r.mu.Unlock()
}

func (r *flakyRepo) SaveSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	r.mu.Lock()
	fail := r.n > 0
	if fail {
		r.n--
	}
	r.mu.Unlock()
	if fail {
		return session.AttemptSession{}, session.ErrConflict
	}
	return r.Repository.SaveSession(ctx, sess)
}

// conflictRepo fails every save with a conflict.
type conflictRepo struct {
	session.Repository
}

func (r conflictRepo) SaveSession(context.Context, session.AttemptSession) (session.AttemptSession, error) {
	return session.AttemptSession{}, session.ErrConflict
}

type fixture struct {
	repo   session.Repository
	clock  *testutil.Clock
	tr     *fakeTranscriber
	gr     *fakeGrader
	subs   *fakeSubmissions
	logger *testutil.Logger
	svc    *session.Service
}

func testOptions(t *testing.T) session.Options {
	t.Helper()
	table, err := session.NewCheckpointTable(900*time.Second, 1800*time.Second, 3000*time.Second, 3600*time.Second)
	require.NoError(t, err)
	return session.Options{
		ActiveDuration:        3600 * time.Second,
		GraceDuration:         60 * time.Second,
		Checkpoints:           table,
		MaxSaveAttempts:       5,
		RefreshInterval:       time.Second,
		LockedRefreshInterval: 30 * time.Second,
		SubmitClaimTTL:        2 * time.Minute,
		CallTimeout:           5 * time.Second,
		SweepConcurrency:      4,
	}
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		repo:   dummydb.NewSessionRepository(dummydb.Open()),
		clock:  testutil.NewClock(testutil.Epoch),
		tr:     &fakeTranscriber{},
		gr:     &fakeGrader{},
		subs:   &fakeSubmissions{},
		logger: &testutil.Logger{},
	}
	f.svc = f.newService(t, f.repo)
	return f
}

// newService builds another controller over `repo` sharing the fixture's collaborators, like a second process.
func (f *fixture) newService(t *testing.T, repo session.Repository) *session.Service {
	return session.NewService(session.ServiceDeps{
		Repo:        repo,
		Transcriber: f.tr,
		Grader:      f.gr,
		Submissions: f.subs,
		Rubric:      rubric.Default(),
		Clock:       f.clock,
		Logger:      f.logger,
	}, testOptions(t))
}

// start begins an attempt at Epoch and returns its id.
func (f *fixture) start(t *testing.T) string {
	t.Helper()
	f.clock.Set(testutil.Epoch)
	out, err := f.svc.Start(ctx, session.NewAttempt{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		AssignmentID: "prompting-101",
		Affirmation:  true,
	})
	require.NoError(t, err)
	return out.Session.ID
}

// at moves the clock to `sec` seconds after the attempt start.
func (f *fixture) at(sec int) {
	f.clock.Set(testutil.Epoch.Add(time.Duration(sec) * time.Second))
}

func (f *fixture) stored(t *testing.T, id string) session.AttemptSession {
	t.Helper()
	sess, err := f.repo.GetSession(ctx, id)
	require.NoError(t, err)
	return sess
}

func (f *fixture) record(t *testing.T, id string) {
	t.Helper()
	out, err := f.svc.Record(ctx, id, []byte("RIFF....WAVE audio"))
	require.NoError(t, err)
	require.Equal(t, session.StatusDone, out.Action.Status, out.Action.Notice)
}

func (f *fixture) edit(t *testing.T, id, transcript, prompt string) {
	t.Helper()
	out, err := f.svc.EditAnswer(ctx, id, session.EditAnswer{TranscriptText: &transcript, FinalPromptText: &prompt})
	require.NoError(t, err)
	require.Equal(t, session.StatusDone, out.Action.Status, out.Action.Notice)
}

func firedIDs(out session.Outcome) []string {
	ids := make([]string, 0, len(out.Fired))
	for _, cp := range out.Fired {
		ids = append(ids, cp.ID)
	}
	return ids
}
