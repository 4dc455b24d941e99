package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/submission"
)

type submissionRepository struct {
	db *submissionTable
}

var _ submission.Repository = (*submissionRepository)(nil) // interface compliance check

func NewSubmissionRepository(db *DB) submission.Repository {
	return &submissionRepository{db: db.submission}
}

func (repo *submissionRepository) CreateSubmission(_ context.Context, sub submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, s := range repo.db.table {
		if s.SessionID == sub.SessionID {
			return submission.Submission{}, submission.ErrDuplicate
		}
	}
	repo.db.table[sub.ID] = sub
	return sub, nil
}

func (repo *submissionRepository) GetSubmission(_ context.Context, id string) (submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sub, ok := repo.db.table[id]; ok {
		return sub, nil
	}
	return submission.Submission{}, submission.ErrNotFound
}

func (repo *submissionRepository) GetSubmissionBySession(_ context.Context, sessionID string) (submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, sub := range repo.db.table {
		if sub.SessionID == sessionID {
			return sub, nil
		}
	}
	return submission.Submission{}, submission.ErrNotFound
}

func (repo *submissionRepository) QuerySubmissions(
	_ context.Context,
	filter submission.QueryFilter,
	ordering ...core.DBOrdering,
) ([]submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	subs := make([]submission.Submission, 0)
	for _, sub := range repo.db.table {
		if filter.AssignmentID != "" && sub.AssignmentID != filter.AssignmentID {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(sub.StudentName), filter.Search) {
			continue
		}
		subs = append(subs, sub)
	}

	sort.SliceStable(subs, func(i, j int) bool {
		for _, ord := range ordering {
			c := compareSubmissions(subs[i], subs[j], ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func compareSubmissions(a, b submission.Submission, field string) int {
	switch field {
	case "created_at":
		switch {
		case a.CreatedAt.Before(b.CreatedAt):
			return -1
		case a.CreatedAt.After(b.CreatedAt):
			return 1
		}
	case "student_name":
		return strings.Compare(strings.ToLower(a.StudentName), strings.ToLower(b.StudentName))
	case "assignment_id":
		return strings.Compare(a.AssignmentID, b.AssignmentID)
	case "grade_overall":
		return compareNullFloat(a.GradeOverall, b.GradeOverall)
	}
	return 0
}

// compareNullFloat sorts nulls first, like ascending NULLS FIRST.
func compareNullFloat(a, b null.Float64) int {
	switch {
	case !a.Valid && !b.Valid:
		return 0
	case !a.Valid:
		return -1
	case !b.Valid:
		return 1
	case a.Float64 < b.Float64:
		return -1
	case a.Float64 > b.Float64:
		return 1
	}
	return 0
}

func (repo *submissionRepository) UpdateSubmission(_ context.Context, sub submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[sub.ID]; !ok {
		return submission.Submission{}, submission.ErrNotFound
	}
	repo.db.table[sub.ID] = sub
	return sub, nil
}

func (repo *submissionRepository) SummarizeByAssignment(_ context.Context) ([]submission.AssignmentSummary, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	type acc struct {
		sum    submission.AssignmentSummary
		total  float64
		graded int
	}
	byAssignment := make(map[string]*acc)
	for _, sub := range repo.db.table {
		a, ok := byAssignment[sub.AssignmentID]
		if !ok {
			a = &acc{sum: submission.AssignmentSummary{AssignmentID: sub.AssignmentID}}
			byAssignment[sub.AssignmentID] = a
		}
		a.sum.Count++
		if sub.CreatedAt.After(a.sum.LastSubmissionAt) {
			a.sum.LastSubmissionAt = sub.CreatedAt
		}
		if sub.GradeOverall.Valid {
			a.total += sub.GradeOverall.Float64
			a.graded++
		}
	}

	sums := make([]submission.AssignmentSummary, 0, len(byAssignment))
	for _, a := range byAssignment {
		if a.graded > 0 {
			a.sum.AverageGrade = null.Float64From(a.total / float64(a.graded))
		}
		sums = append(sums, a.sum)
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].AssignmentID < sums[j].AssignmentID })
	return sums, nil
}
