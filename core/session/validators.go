package session

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/tathmini/core"
)

type (
	NewAttempt struct {
		FirstName    string `json:"first_name" validate:"required,max=100,personname"`
		LastName     string `json:"last_name" validate:"required,max=100,personname"`
		AssignmentID string `json:"assignment_id" validate:"required,max=100"`
		Affirmation  bool   `json:"affirmation" validate:"accepted"`
	}

	// EditAnswer carries the fields to overwrite; nil fields are left untouched.
	EditAnswer struct {
		TranscriptText  *string `json:"transcript_text" validate:"omitempty,max=50000"`
		FinalPromptText *string `json:"final_prompt_text" validate:"omitempty,max=50000"`
	}
)

func (na *NewAttempt) Validate(validate *validator.Validate) error {
	na.FirstName = core.CleanString(na.FirstName)
	na.LastName = core.CleanString(na.LastName)
	na.AssignmentID = core.CleanString(na.AssignmentID)
	return validate.Struct(na)
}

func (ea *EditAnswer) Validate(validate *validator.Validate) error {
	if ea.TranscriptText == nil && ea.FinalPromptText == nil {
		return core.NewValidationError(nil,
			core.FieldError{Field: "transcript_text", Error: "transcript_text or final_prompt_text is required"},
			core.FieldError{Field: "final_prompt_text", Error: "transcript_text or final_prompt_text is required"},
		)
	}
	return validate.Struct(ea)
}
