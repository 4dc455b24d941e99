package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/storage/blob"
)

const sessionColumns = `id, assignment_id, student_name, started_at, fired_checkpoints, phase_cache, recorded_audio,
	transcript_text, final_prompt_text, grade_feedback, submit_claimed_at, submitted_at, submission_id,
	version, created_at, updated_at`

type (
	sessionRepository struct {
		exec core.DBExecutor
	}

	sessionRow struct {
		ID               string      `db:"id"`
		AssignmentID     string      `db:"assignment_id"`
		StudentName      string      `db:"student_name"`
		StartedAt        int64       `db:"started_at"`
		FiredCheckpoints string      `db:"fired_checkpoints"`
		PhaseCache       string      `db:"phase_cache"`
		RecordedAudio    null.Bytes  `db:"recorded_audio"`
		TranscriptText   string      `db:"transcript_text"`
		FinalPromptText  string      `db:"final_prompt_text"`
		GradeFeedback    null.String `db:"grade_feedback"`
		SubmitClaimedAt  null.Int64  `db:"submit_claimed_at"`
		SubmittedAt      null.Int64  `db:"submitted_at"`
		SubmissionID     null.String `db:"submission_id"`
		Version          int64       `db:"version"`
		CreatedAt        int64       `db:"created_at"`
		UpdatedAt        int64       `db:"updated_at"`
	}
)

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(exec core.DBExecutor) session.Repository {
	return &sessionRepository{exec: exec}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t time.Time) null.Int64 {
	return null.NewInt64(toNanos(t), !t.IsZero())
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func fromNullNanos(ns null.Int64) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return fromNanos(ns.Int64)
}

func (repo sessionRepository) toRow(sess session.AttemptSession) (sessionRow, error) {
	fired := sess.FiredCheckpoints
	if fired == nil {
		fired = []string{}
	}
	firedJSON, err := json.Marshal(fired)
	if err != nil {
		return sessionRow{}, errors.Wrap(err, "encoding fired checkpoints")
	}
	row := sessionRow{
		ID:               sess.ID,
		AssignmentID:     sess.AssignmentID,
		StudentName:      sess.StudentName,
		StartedAt:        toNanos(sess.StartedAt),
		FiredCheckpoints: string(firedJSON),
		PhaseCache:       string(sess.PhaseCache),
		TranscriptText:   sess.TranscriptText,
		FinalPromptText:  sess.FinalPromptText,
		GradeFeedback:    null.NewString(sess.GradeFeedback, sess.GradeFeedback != ""),
		SubmitClaimedAt:  nullNanos(sess.SubmitClaimedAt),
		SubmittedAt:      nullNanos(sess.SubmittedAt),
		SubmissionID:     null.NewString(sess.SubmissionID, sess.SubmissionID != ""),
		Version:          sess.Version,
		CreatedAt:        toNanos(sess.CreatedAt),
		UpdatedAt:        toNanos(sess.UpdatedAt),
	}
	if sess.HasAudio() {
		row.RecordedAudio = null.BytesFrom(blob.Compress(sess.RecordedAudio))
	}
	return row, nil
}

func (repo sessionRepository) fromRow(row sessionRow) (session.AttemptSession, error) {
	var fired []string
	if err := json.Unmarshal([]byte(row.FiredCheckpoints), &fired); err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "decoding fired checkpoints")
	}
	sess := session.AttemptSession{
		ID:               row.ID,
		AssignmentID:     row.AssignmentID,
		StudentName:      row.StudentName,
		StartedAt:        fromNanos(row.StartedAt),
		FiredCheckpoints: fired,
		PhaseCache:       session.Phase(row.PhaseCache),
		TranscriptText:   row.TranscriptText,
		FinalPromptText:  row.FinalPromptText,
		GradeFeedback:    row.GradeFeedback.String,
		SubmitClaimedAt:  fromNullNanos(row.SubmitClaimedAt),
		SubmittedAt:      fromNullNanos(row.SubmittedAt),
		SubmissionID:     row.SubmissionID.String,
		Version:          row.Version,
		CreatedAt:        fromNanos(row.CreatedAt),
		UpdatedAt:        fromNanos(row.UpdatedAt),
	}
	if row.RecordedAudio.Valid {
		audio, err := blob.Decompress(row.RecordedAudio.Bytes)
		if err != nil {
			return session.AttemptSession{}, errors.Wrap(err, "decoding recorded audio")
		}
		sess.RecordedAudio = audio
	}
	return sess, nil
}

func (repo sessionRepository) CreateSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	sess.Version = 1
	row, err := repo.toRow(sess)
	if err != nil {
		return session.AttemptSession{}, err
	}

	q := repo.exec.Rebind(`INSERT INTO attempt_session (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = repo.exec.ExecContext(ctx, q,
		row.ID, row.AssignmentID, row.StudentName, row.StartedAt, row.FiredCheckpoints, row.PhaseCache,
		row.RecordedAudio, row.TranscriptText, row.FinalPromptText, row.GradeFeedback, row.SubmitClaimedAt,
		row.SubmittedAt, row.SubmissionID, row.Version, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "inserting session")
	}
	return sess, nil
}

func (repo sessionRepository) GetSession(ctx context.Context, id string) (session.AttemptSession, error) {
	var row sessionRow
	q := repo.exec.Rebind(`SELECT ` + sessionColumns + ` FROM attempt_session WHERE id = ?`)
	if err := repo.exec.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return session.AttemptSession{}, session.ErrNotFound
		}
		return session.AttemptSession{}, errors.Wrap(err, "selecting session")
	}
	return repo.fromRow(row)
}

// SaveSession is a compare-and-set on the version column. started_at and created_at are never rewritten.
func (repo sessionRepository) SaveSession(ctx context.Context, sess session.AttemptSession) (session.AttemptSession, error) {
	row, err := repo.toRow(sess)
	if err != nil {
		return session.AttemptSession{}, err
	}

	q := repo.exec.Rebind(`UPDATE attempt_session SET
		assignment_id = ?, student_name = ?, fired_checkpoints = ?, phase_cache = ?, recorded_audio = ?,
		transcript_text = ?, final_prompt_text = ?, grade_feedback = ?, submit_claimed_at = ?, submitted_at = ?,
		submission_id = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`)
	res, err := repo.exec.ExecContext(ctx, q,
		row.AssignmentID, row.StudentName, row.FiredCheckpoints, row.PhaseCache, row.RecordedAudio,
		row.TranscriptText, row.FinalPromptText, row.GradeFeedback, row.SubmitClaimedAt, row.SubmittedAt,
		row.SubmissionID, row.UpdatedAt,
		row.ID, row.Version,
	)
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "updating session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.AttemptSession{}, errors.Wrap(err, "updating session")
	}
	if n == 0 {
		var count int
		if err = repo.exec.GetContext(ctx, &count, repo.exec.Rebind(`SELECT COUNT(*) FROM attempt_session WHERE id = ?`), sess.ID); err != nil {
			return session.AttemptSession{}, errors.Wrap(err, "checking session")
		}
		if count == 0 {
			return session.AttemptSession{}, session.ErrNotFound
		}
		return session.AttemptSession{}, session.ErrConflict
	}
	sess.Version++
	return sess, nil
}

func (repo sessionRepository) QueryOpenSessions(ctx context.Context, since time.Time) ([]session.AttemptSession, error) {
	var rows []sessionRow
	q := repo.exec.Rebind(`SELECT ` + sessionColumns + ` FROM attempt_session
		WHERE submitted_at IS NULL AND started_at > ? ORDER BY started_at`)
	if err := repo.exec.SelectContext(ctx, &rows, q, toNanos(since)); err != nil {
		return nil, errors.Wrap(err, "selecting open sessions")
	}

	sessions := make([]session.AttemptSession, 0, len(rows))
	for _, row := range rows {
		sess, err := repo.fromRow(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
