package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/submission"
)

const submissionColumns = `id, session_id, assignment_id, student_name, transcript_text, student_prompt,
	grade_json, grade_overall, audio_bytes, started_at, created_at, updated_at`

type (
	submissionRepository struct {
		exec core.DBExecutor
	}

	submissionRow struct {
		ID             string       `db:"id"`
		SessionID      string       `db:"session_id"`
		AssignmentID   string       `db:"assignment_id"`
		StudentName    string       `db:"student_name"`
		TranscriptText string       `db:"transcript_text"`
		StudentPrompt  string       `db:"student_prompt"`
		GradeJSON      null.String  `db:"grade_json"`
		GradeOverall   null.Float64 `db:"grade_overall"`
		AudioBytes     int          `db:"audio_bytes"`
		StartedAt      int64        `db:"started_at"`
		CreatedAt      int64        `db:"created_at"`
		UpdatedAt      int64        `db:"updated_at"`
	}

	summaryRow struct {
		AssignmentID     string       `db:"assignment_id"`
		Count            int          `db:"count"`
		AverageGrade     null.Float64 `db:"average_grade"`
		LastSubmissionAt int64        `db:"last_submission_at"`
	}
)

var _ submission.Repository = (*submissionRepository)(nil) // interface compliance check

func NewSubmissionRepository(exec core.DBExecutor) submission.Repository {
	return &submissionRepository{exec: exec}
}

func (repo submissionRepository) toRow(sub submission.Submission) submissionRow {
	row := submissionRow{
		ID:             sub.ID,
		SessionID:      sub.SessionID,
		AssignmentID:   sub.AssignmentID,
		StudentName:    sub.StudentName,
		TranscriptText: sub.TranscriptText,
		StudentPrompt:  sub.StudentPrompt,
		GradeOverall:   sub.GradeOverall,
		AudioBytes:     sub.AudioBytes,
		StartedAt:      toNanos(sub.StartedAt),
		CreatedAt:      toNanos(sub.CreatedAt),
		UpdatedAt:      toNanos(sub.UpdatedAt),
	}
	if sub.GradeJSON.Valid {
		row.GradeJSON = null.StringFrom(string(sub.GradeJSON.JSON))
	}
	return row
}

func (repo submissionRepository) fromRow(row submissionRow) submission.Submission {
	sub := submission.Submission{
		ID:             row.ID,
		SessionID:      row.SessionID,
		AssignmentID:   row.AssignmentID,
		StudentName:    row.StudentName,
		TranscriptText: row.TranscriptText,
		StudentPrompt:  row.StudentPrompt,
		GradeOverall:   row.GradeOverall,
		AudioBytes:     row.AudioBytes,
		StartedAt:      fromNanos(row.StartedAt),
		CreatedAt:      fromNanos(row.CreatedAt),
		UpdatedAt:      fromNanos(row.UpdatedAt),
	}
	if row.GradeJSON.Valid {
		sub.GradeJSON = null.JSONFrom([]byte(row.GradeJSON.String))
	}
	return sub
}

func (repo submissionRepository) CreateSubmission(ctx context.Context, sub submission.Submission) (submission.Submission, error) {
	if _, err := repo.GetSubmissionBySession(ctx, sub.SessionID); err == nil {
		return submission.Submission{}, submission.ErrDuplicate
	} else if errors.Cause(err) != submission.ErrNotFound {
		return submission.Submission{}, err
	}

	row := repo.toRow(sub)
	q := repo.exec.Rebind(`INSERT INTO submission (` + submissionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := repo.exec.ExecContext(ctx, q,
		row.ID, row.SessionID, row.AssignmentID, row.StudentName, row.TranscriptText, row.StudentPrompt,
		row.GradeJSON, row.GradeOverall, row.AudioBytes, row.StartedAt, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		// a concurrent insert for the same session trips the unique index
		if _, gErr := repo.GetSubmissionBySession(ctx, sub.SessionID); gErr == nil {
			return submission.Submission{}, submission.ErrDuplicate
		}
		return submission.Submission{}, errors.Wrap(err, "inserting submission")
	}
	return sub, nil
}

func (repo submissionRepository) get(ctx context.Context, where string, arg interface{}) (submission.Submission, error) {
	var row submissionRow
	q := repo.exec.Rebind(`SELECT ` + submissionColumns + ` FROM submission WHERE ` + where)
	if err := repo.exec.GetContext(ctx, &row, q, arg); err != nil {
		if err == sql.ErrNoRows {
			return submission.Submission{}, submission.ErrNotFound
		}
		return submission.Submission{}, errors.Wrap(err, "selecting submission")
	}
	return repo.fromRow(row), nil
}

func (repo submissionRepository) GetSubmission(ctx context.Context, id string) (submission.Submission, error) {
	return repo.get(ctx, "id = ?", id)
}

func (repo submissionRepository) GetSubmissionBySession(ctx context.Context, sessionID string) (submission.Submission, error) {
	return repo.get(ctx, "session_id = ?", sessionID)
}

func (repo submissionRepository) QuerySubmissions(
	ctx context.Context,
	filter submission.QueryFilter,
	ordering ...core.DBOrdering,
) ([]submission.Submission, error) {
	var conds []string
	var args []interface{}
	if filter.AssignmentID != "" {
		conds = append(conds, "assignment_id = ?")
		args = append(args, filter.AssignmentID)
	}
	if filter.Search != "" {
		conds = append(conds, "LOWER(student_name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	q := `SELECT ` + submissionColumns + ` FROM submission`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	orders := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		if submission.IsOrderingField(ord.Field) {
			orders = append(orders, orderClause(ord))
		}
	}
	orders = append(orders, "id ASC")
	q += " ORDER BY " + strings.Join(orders, ", ")

	var rows []submissionRow
	if err := repo.exec.SelectContext(ctx, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "selecting submissions")
	}
	subs := make([]submission.Submission, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, repo.fromRow(row))
	}
	return subs, nil
}

// orderClause sorts names case-insensitively and null grades first when ascending, on every engine.
func orderClause(ord core.DBOrdering) string {
	switch ord.Field {
	case "student_name":
		return "LOWER(student_name) " + direction(ord.Ascending)
	case "grade_overall":
		return "(grade_overall IS NULL) " + direction(!ord.Ascending) + ", grade_overall " + direction(ord.Ascending)
	}
	return ord.String()
}

func direction(asc bool) string {
	if asc {
		return "ASC"
	}
	return "DESC"
}

func (repo submissionRepository) UpdateSubmission(ctx context.Context, sub submission.Submission) (submission.Submission, error) {
	row := repo.toRow(sub)
	q := repo.exec.Rebind(`UPDATE submission SET grade_json = ?, grade_overall = ?, updated_at = ? WHERE id = ?`)
	res, err := repo.exec.ExecContext(ctx, q, row.GradeJSON, row.GradeOverall, row.UpdatedAt, row.ID)
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "updating submission")
	}
	if n, err := res.RowsAffected(); err != nil {
		return submission.Submission{}, errors.Wrap(err, "updating submission")
	} else if n == 0 {
		return submission.Submission{}, submission.ErrNotFound
	}
	return sub, nil
}

func (repo submissionRepository) SummarizeByAssignment(ctx context.Context) ([]submission.AssignmentSummary, error) {
	var rows []summaryRow
	q := `SELECT assignment_id, COUNT(*) AS count, AVG(grade_overall) AS average_grade,
		MAX(created_at) AS last_submission_at
		FROM submission GROUP BY assignment_id ORDER BY assignment_id`
	if err := repo.exec.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "summarizing submissions")
	}

	sums := make([]submission.AssignmentSummary, 0, len(rows))
	for _, row := range rows {
		sums = append(sums, submission.AssignmentSummary{
			AssignmentID:     row.AssignmentID,
			Count:            row.Count,
			AverageGrade:     row.AverageGrade,
			LastSubmissionAt: fromNanos(row.LastSubmissionAt),
		})
	}
	return sums, nil
}
