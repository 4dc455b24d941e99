package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/tathmini/core/session"
)

type sessionRepository struct {
	db *sessionTable
}

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db *DB) session.Repository {
	return &sessionRepository{db: db.session}
}

func copySession(s session.AttemptSession) session.AttemptSession {
	if s.FiredCheckpoints != nil {
		s.FiredCheckpoints = append([]string(nil), s.FiredCheckpoints...)
	}
	if s.RecordedAudio != nil {
		s.RecordedAudio = append([]byte(nil), s.RecordedAudio...)
	}
	return s
}

func (repo *sessionRepository) CreateSession(_ context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sess.Version = 1
	repo.db.table[sess.ID] = copySession(sess)
	return sess, nil
}

func (repo *sessionRepository) GetSession(_ context.Context, id string) (session.AttemptSession, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sess, ok := repo.db.table[id]; ok {
		return copySession(sess), nil
	}
	return session.AttemptSession{}, session.ErrNotFound
}

func (repo *sessionRepository) SaveSession(_ context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored, ok := repo.db.table[sess.ID]
	if !ok {
		return session.AttemptSession{}, session.ErrNotFound
	}
	if stored.Version != sess.Version {
		return session.AttemptSession{}, session.ErrConflict
	}
	sess.Version++
	repo.db.table[sess.ID] = copySession(sess)
	return sess, nil
}

func (repo *sessionRepository) QueryOpenSessions(_ context.Context, since time.Time) ([]session.AttemptSession, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	sessions := make([]session.AttemptSession, 0)
	for _, sess := range repo.db.table {
		if !sess.IsSubmitted() && sess.StartedAt.After(since) {
			sessions = append(sessions, copySession(sess))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return sessions, nil
}
