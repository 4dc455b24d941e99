// Package mongostore keeps attempt sessions in a MongoDB collection. Saves replace the document
// only while its version is unchanged.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/storage/blob"
)

const (
	defaultCollection = "attempt_sessions"
	defaultOpTimeout  = 5 * time.Second
)

type (
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	sessionRepository struct {
		sessions collection
		timeout  time.Duration
	}

	// instants are unix nanoseconds, 0 when unset
	sessionDocument struct {
		ID               string   `bson:"_id"`
		AssignmentID     string   `bson:"assignment_id"`
		StudentName      string   `bson:"student_name"`
		StartedAt        int64    `bson:"started_at"`
		FiredCheckpoints []string `bson:"fired_checkpoints"`
		PhaseCache       string   `bson:"phase_cache"`
		RecordedAudio    []byte   `bson:"recorded_audio,omitempty"` // zstd
		TranscriptText   string   `bson:"transcript_text"`
		FinalPromptText  string   `bson:"final_prompt_text"`
		GradeFeedback    string   `bson:"grade_feedback"`
		SubmitClaimedAt  int64    `bson:"submit_claimed_at"`
		SubmittedAt      int64    `bson:"submitted_at"`
		SubmissionID     string   `bson:"submission_id"`
		Version          int64    `bson:"version"`
		CreatedAt        int64    `bson:"created_at"`
		UpdatedAt        int64    `bson:"updated_at"`
	}
)

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

// Connect opens a client for `uri` and checks the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "pinging mongo")
	}
	return client, nil
}

func NewSessionRepository(opts Options) (session.Repository, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	return newSessionRepository(coll, opts.Timeout)
}

func newSessionRepository(coll collection, timeout time.Duration) (*sessionRepository, error) {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	repo := &sessionRepository{sessions: coll, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	openIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "submitted_at", Value: 1}, {Key: "started_at", Value: 1}},
	}
	if err := coll.CreateIndex(ctx, openIndex); err != nil {
		return nil, errors.Wrap(err, "creating open sessions index")
	}
	return repo, nil
}

func (repo *sessionRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, repo.timeout)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func instant(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func fromSession(sess session.AttemptSession) sessionDocument {
	fired := sess.FiredCheckpoints
	if fired == nil {
		fired = []string{}
	}
	return sessionDocument{
		ID:               sess.ID,
		AssignmentID:     sess.AssignmentID,
		StudentName:      sess.StudentName,
		StartedAt:        nanos(sess.StartedAt),
		FiredCheckpoints: fired,
		PhaseCache:       string(sess.PhaseCache),
		RecordedAudio:    blob.Compress(sess.RecordedAudio),
		TranscriptText:   sess.TranscriptText,
		FinalPromptText:  sess.FinalPromptText,
		GradeFeedback:    sess.GradeFeedback,
		SubmitClaimedAt:  nanos(sess.SubmitClaimedAt),
		SubmittedAt:      nanos(sess.SubmittedAt),
		SubmissionID:     sess.SubmissionID,
		Version:          sess.Version,
		CreatedAt:        nanos(sess.CreatedAt),
		UpdatedAt:        nanos(sess.UpdatedAt),
	}
}

func (doc sessionDocument) toSession() (session.AttemptSession, error) {
	audio, err := blob.Decompress(doc.RecordedAudio)
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "decoding recorded audio")
	}
	return session.AttemptSession{
		ID:               doc.ID,
		AssignmentID:     doc.AssignmentID,
		StudentName:      doc.StudentName,
		StartedAt:        instant(doc.StartedAt),
		FiredCheckpoints: append([]string(nil), doc.FiredCheckpoints...),
		PhaseCache:       session.Phase(doc.PhaseCache),
		RecordedAudio:    audio,
		TranscriptText:   doc.TranscriptText,
		FinalPromptText:  doc.FinalPromptText,
		GradeFeedback:    doc.GradeFeedback,
		SubmitClaimedAt:  instant(doc.SubmitClaimedAt),
		SubmittedAt:      instant(doc.SubmittedAt),
		SubmissionID:     doc.SubmissionID,
		Version:          doc.Version,
		CreatedAt:        instant(doc.CreatedAt),
		UpdatedAt:        instant(doc.UpdatedAt),
	}, nil
}

func (repo *sessionRepository) CreateSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	sess.Version = 1
	ctx, cancel := repo.withTimeout(ctx)
	defer cancel()

	if err := repo.sessions.InsertOne(ctx, fromSession(sess)); err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "inserting session")
	}
	return sess, nil
}

func (repo *sessionRepository) GetSession(ctx context.Context, id string) (session.AttemptSession, error) {
	ctx, cancel := repo.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	if err := repo.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.AttemptSession{}, session.ErrNotFound
		}
		return session.AttemptSession{}, errors.Wrap(err, "loading session")
	}
	return doc.toSession()
}

func (repo *sessionRepository) SaveSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	ctx, cancel := repo.withTimeout(ctx)
	defer cancel()

	expected := sess.Version
	sess.Version++
	matched, err := repo.sessions.ReplaceOne(ctx, bson.M{"_id": sess.ID, "version": expected}, fromSession(sess))
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "saving session")
	}
	if matched == 0 {
		var doc sessionDocument
		if err = repo.sessions.FindOne(ctx, bson.M{"_id": sess.ID}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return session.AttemptSession{}, session.ErrNotFound
			}
			return session.AttemptSession{}, errors.Wrap(err, "checking session")
		}
		return session.AttemptSession{}, session.ErrConflict
	}
	return sess, nil
}

func (repo *sessionRepository) QueryOpenSessions(ctx context.Context, since time.Time) ([]session.AttemptSession, error) {
	ctx, cancel := repo.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"submitted_at": int64(0), "started_at": bson.M{"$gt": nanos(since)}}
	cur, err := repo.sessions.Find(ctx, filter, bson.D{{Key: "started_at", Value: 1}})
	if err != nil {
		return nil, errors.Wrap(err, "querying open sessions")
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	sessions := make([]session.AttemptSession, 0)
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding session")
		}
		sess, err := doc.toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, "querying open sessions")
	}
	return sessions, nil
}
