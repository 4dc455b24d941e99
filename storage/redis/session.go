// Package redisstore keeps attempt sessions in Redis. Saves are optimistic transactions on the session key.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/storage/blob"
)

const defaultPrefix = "tathmini:"

type (
	sessionRepository struct {
		rdb    redis.UniversalClient
		prefix string
	}

	// sessionRecord is the JSON value stored under a session key. Instants are unix nanoseconds.
	sessionRecord struct {
		ID               string   `json:"id"`
		AssignmentID     string   `json:"assignment_id"`
		StudentName      string   `json:"student_name"`
		StartedAt        int64    `json:"started_at"`
		FiredCheckpoints []string `json:"fired_checkpoints"`
		PhaseCache       string   `json:"phase_cache"`
		RecordedAudio    []byte   `json:"recorded_audio,omitempty"` // zstd
		TranscriptText   string   `json:"transcript_text"`
		FinalPromptText  string   `json:"final_prompt_text"`
		GradeFeedback    string   `json:"grade_feedback,omitempty"`
		SubmitClaimedAt  int64    `json:"submit_claimed_at,omitempty"`
		SubmittedAt      int64    `json:"submitted_at,omitempty"`
		SubmissionID     string   `json:"submission_id,omitempty"`
		Version          int64    `json:"version"`
		CreatedAt        int64    `json:"created_at"`
		UpdatedAt        int64    `json:"updated_at"`
	}
)

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

// NewSessionRepository stores sessions under `<prefix>session:<id>` and indexes the open ones
// in the sorted set `<prefix>sessions:open`, scored by start time in milliseconds.
func NewSessionRepository(rdb redis.UniversalClient, prefix string) session.Repository {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &sessionRepository{rdb: rdb, prefix: prefix}
}

func (repo *sessionRepository) key(id string) string { return repo.prefix + "session:" + id }
func (repo *sessionRepository) openKey() string      { return repo.prefix + "sessions:open" }

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

func encode(sess session.AttemptSession) ([]byte, error) {
	rec := sessionRecord{
		ID:               sess.ID,
		AssignmentID:     sess.AssignmentID,
		StudentName:      sess.StudentName,
		StartedAt:        nanos(sess.StartedAt),
		FiredCheckpoints: sess.FiredCheckpoints,
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
	if rec.FiredCheckpoints == nil {
		rec.FiredCheckpoints = []string{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encoding session")
	}
	return data, nil
}

func decode(data []byte) (session.AttemptSession, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "decoding session")
	}
	audio, err := blob.Decompress(rec.RecordedAudio)
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "decoding recorded audio")
	}
	return session.AttemptSession{
		ID:               rec.ID,
		AssignmentID:     rec.AssignmentID,
		StudentName:      rec.StudentName,
		StartedAt:        instant(rec.StartedAt),
		FiredCheckpoints: rec.FiredCheckpoints,
		PhaseCache:       session.Phase(rec.PhaseCache),
		RecordedAudio:    audio,
		TranscriptText:   rec.TranscriptText,
		FinalPromptText:  rec.FinalPromptText,
		GradeFeedback:    rec.GradeFeedback,
		SubmitClaimedAt:  instant(rec.SubmitClaimedAt),
		SubmittedAt:      instant(rec.SubmittedAt),
		SubmissionID:     rec.SubmissionID,
		Version:          rec.Version,
		CreatedAt:        instant(rec.CreatedAt),
		UpdatedAt:        instant(rec.UpdatedAt),
	}, nil
}

func openScore(sess session.AttemptSession) redis.Z {
	return redis.Z{Score: float64(sess.StartedAt.UnixMilli()), Member: sess.ID}
}

func (repo *sessionRepository) CreateSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	sess.Version = 1
	data, err := encode(sess)
	if err != nil {
		return session.AttemptSession{}, err
	}

	ok, err := repo.rdb.SetNX(ctx, repo.key(sess.ID), data, 0).Result()
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "storing session")
	}
	if !ok {
		return session.AttemptSession{}, errors.Errorf("session %s already exists", sess.ID)
	}
	if err = repo.rdb.ZAdd(ctx, repo.openKey(), openScore(sess)).Err(); err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "indexing session")
	}
	return sess, nil
}

func (repo *sessionRepository) GetSession(ctx context.Context, id string) (session.AttemptSession, error) {
	data, err := repo.rdb.Get(ctx, repo.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return session.AttemptSession{}, session.ErrNotFound
		}
		return session.AttemptSession{}, errors.Wrap(err, "loading session")
	}
	return decode(data)
}

// SaveSession watches the session key, checks the stored version and writes in a MULTI/EXEC block.
// A concurrent write to the key aborts the transaction, which is reported as a conflict.
func (repo *sessionRepository) SaveSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	key := repo.key(sess.ID)
	expected := sess.Version
	sess.Version++
	data, err := encode(sess)
	if err != nil {
		return session.AttemptSession{}, err
	}

	err = repo.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return session.ErrNotFound
			}
			return errors.Wrap(err, "loading session")
		}
		stored, err := decode(current)
		if err != nil {
			return err
		}
		if stored.Version != expected {
			return session.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if sess.IsSubmitted() {
				pipe.ZRem(ctx, repo.openKey(), sess.ID)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return sess, nil
	case err == redis.TxFailedErr:
		return session.AttemptSession{}, session.ErrConflict
	case errors.Cause(err) == session.ErrConflict, errors.Cause(err) == session.ErrNotFound:
		return session.AttemptSession{}, err
	}
	return session.AttemptSession{}, errors.Wrap(err, "saving session")
}

// QueryOpenSessions also drops the index entries of attempts started before `since`, which can no longer be open.
func (repo *sessionRepository) QueryOpenSessions(ctx context.Context, since time.Time) ([]session.AttemptSession, error) {
	if err := repo.rdb.ZRemRangeByScore(ctx, repo.openKey(), "-inf", "("+strconv.FormatInt(since.UnixMilli(), 10)).Err(); err != nil {
		return nil, errors.Wrap(err, "pruning open sessions")
	}

	ids, err := repo.rdb.ZRangeByScore(ctx, repo.openKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "querying open sessions")
	}
	if len(ids) == 0 {
		return []session.AttemptSession{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, repo.key(id))
	}
	values, err := repo.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "loading open sessions")
	}

	sessions := make([]session.AttemptSession, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired or deleted
		}
		sess, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		// scores are millisecond-grained and the index may lag a submission
		if sess.IsSubmitted() || !sess.StartedAt.After(since) {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
