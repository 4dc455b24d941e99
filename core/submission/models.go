package submission

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tathmini/core"
)

// Submission is the stored, terminal record of one attempt.
type Submission struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	AssignmentID   string       `json:"assignment_id"`
	StudentName    string       `json:"student_name"`
	TranscriptText string       `json:"transcript_text"`
	StudentPrompt  string       `json:"student_prompt"`
	GradeJSON      null.JSON    `json:"grade_json"` // {"text": feedback}
	GradeOverall   null.Float64 `json:"grade_overall"`
	AudioBytes     int          `json:"audio_bytes"`
	StartedAt      time.Time    `json:"started_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type gradeDoc struct {
	Text string `json:"text"`
}

// GradeText returns the feedback text of the grade, if any.
func (s Submission) GradeText() string {
	if !s.GradeJSON.Valid {
		return ""
	}
	var doc gradeDoc
	if err := json.Unmarshal(s.GradeJSON.JSON, &doc); err != nil {
		return ""
	}
	return doc.Text
}

func gradeJSON(text string) null.JSON {
	if strings.TrimSpace(text) == "" {
		return null.JSON{}
	}
	data, _ := json.Marshal(gradeDoc{Text: text})
	return null.JSONFrom(data)
}

// AssignmentSummary aggregates the submissions of one assignment.
type AssignmentSummary struct {
	AssignmentID     string       `json:"assignment_id"`
	Count            int          `json:"count"`
	AverageGrade     null.Float64 `json:"average_grade"`
	LastSubmissionAt time.Time    `json:"last_submission_at"`
}

type QueryFilter struct {
	AssignmentID string `query:"assignment_id"`
	Search       string `query:"search"` // case-insensitive match on student name
}

func (f *QueryFilter) Clean() {
	f.AssignmentID = core.CleanString(f.AssignmentID)
	f.Search = core.CleanString(f.Search, true /* lower */)
}

// Orderable fields, as accepted by the `ordering` query parameter.
var OrderingFields = []string{"created_at", "student_name", "grade_overall", "assignment_id"}

func IsOrderingField(field string) bool {
	for _, f := range OrderingFields {
		if f == field {
			return true
		}
	}
	return false
}

// UpdateGrade is an instructor's correction of a submission's grade.
type UpdateGrade struct {
	GradeText    *string  `json:"grade_text" validate:"required"`
	GradeOverall *float64 `json:"grade_overall" validate:"omitempty,min=0,max=200"`
}

func (ug *UpdateGrade) Validate(validate *validator.Validate) error {
	if ug.GradeText != nil {
		txt := core.CleanString(*ug.GradeText)
		ug.GradeText = &txt
	}
	return validate.Struct(ug)
}
