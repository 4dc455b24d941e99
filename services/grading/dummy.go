package gradingsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
)

type dummyGrader struct{}

var _ session.Grader = (*dummyGrader)(nil) // interface compliance check

// NewDummyGrader grades offline: an empty answer is Missing, anything else is the rubric's highest level below the top.
func NewDummyGrader() session.Grader {
	return &dummyGrader{}
}

func (dummyGrader) Grade(ctx context.Context, transcript, finalPrompt string, rb rubric.Rubric) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(rb.Levels) == 0 {
		return "", fmt.Errorf("rubric has no levels")
	}

	level := rb.Levels[0]
	reasoning := "missing submission"
	if strings.TrimSpace(transcript) != "" || strings.TrimSpace(finalPrompt) != "" {
		level = rb.Levels[len(rb.Levels)-1]
		if len(rb.Levels) > 1 {
			level = rb.Levels[len(rb.Levels)-2]
		}
		reasoning = "graded offline"
	}

	var b strings.Builder
	b.WriteString("Assessment Scores:\n")
	for _, c := range rb.Concepts {
		fmt.Fprintf(&b, "\nConcept: %s\nGrade: %s\nReasoning: %s\n", c.Name, level.Label, reasoning)
	}
	return b.String(), nil
}
