package rubric

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	gradeLineRegex = regexp.MustCompile(`(?im)^[\s*_#-]*grade[\s*_]*:[\s*_]*(.+?)\s*$`)
	percentRegex   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
)

// SystemPrompt frames the grader as a teaching assistant for the course.
func (rb Rubric) SystemPrompt() string {
	concepts := strings.Join(rb.ConceptNames(), ", ")
	return fmt.Sprintf(
		"You are a Teaching Assistant and you will be evaluating student submissions based on a given rubric. "+
			"Students are taking part in a %s course %s. This includes learning the key concepts of %s. "+
			"If a student's submission does not include anything to grade (empty submission) then provide 0s for all "+
			"the concepts and say missing submission for the reasoning since every student still requires a grade.",
		rb.CourseName, rb.CourseGoals, concepts,
	)
}

// GradingPrompt assembles the full grading request for one transcript/final prompt pair.
func (rb Rubric) GradingPrompt(transcript, finalPrompt string) string {
	concepts := strings.Join(rb.ConceptNames(), ", ")
	labels := make([]string, 0, len(rb.Levels))
	for _, lvl := range rb.Levels {
		labels = append(labels, lvl.Label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Assessment Context: Students were given an assessment where they had to solve a complex problem "+
		"to test their understanding of %s. Students were required to submit both their initial thoughts/reflections "+
		"on how they plan to tackle the problem AND their final prompt/solution.\n", concepts)
	if rb.ReflectionInstructions != "" {
		fmt.Fprintf(&b, "%s\n", strings.TrimSpace(rb.ReflectionInstructions))
	}
	b.WriteString("\nYour task is to evaluate both the student's initial thoughts/reflections AND their final " +
		"prompt/solution to assess their understanding of key concepts given in the rubric below. " +
		"Consider both components when grading.\n\nRubric:\n")
	for _, c := range rb.Concepts {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		for _, lvl := range rb.Levels {
			if desc, ok := c.Grades[lvl.Label]; ok {
				fmt.Fprintf(&b, "    %s (%s%%): %s\n", lvl.Label, formatScore(lvl.Score), desc)
			}
		}
	}
	fmt.Fprintf(&b, "\nFor each of the key concepts in the rubric: %s, assign the student one of the Grades between %s "+
		"based on their understanding. Ensure the grades directly reflect the sum of the strengths and weaknesses "+
		"identified in the critiques.\n", concepts, strings.Join(labels, ", "))

	b.WriteString("\nOutput Format\nUse the following output format to output your results:\n\nAssessment Scores:\n")
	for range rb.Concepts {
		b.WriteString("\nConcept: [Concept Name]\nGrade: [Grade]\nReasoning: [Rationale for score]\n")
	}

	if rb.ProblemStatement != "" {
		fmt.Fprintf(&b, "\nStudents Assessment Problem Statement:\n%s\n", strings.TrimSpace(rb.ProblemStatement))
	}
	fmt.Fprintf(&b, "\nStudent Submission:\n\nSTUDENT'S INITIAL THOUGHTS/REFLECTIONS:\n%s\n\nSTUDENT'S FINAL PROMPT/SOLUTION:\n%s\n",
		strings.TrimSpace(transcript), strings.TrimSpace(finalPrompt))
	return b.String()
}

// OverallScore averages the "Grade:" lines of a feedback text into one percentage.
// Labels are matched against the rubric levels first; an explicit "NN%" is used otherwise.
func (rb Rubric) OverallScore(feedback string) (float64, bool) {
	var total float64
	var count int
	for _, m := range gradeLineRegex.FindAllStringSubmatch(feedback, -1) {
		grade := strings.Trim(m[1], "*[] ")
		label := grade
		if i := strings.Index(label, "("); i >= 0 {
			label = label[:i]
		}
		if lvl, ok := rb.Level(label); ok {
			total += lvl.Score
			count++
			continue
		}
		if pm := percentRegex.FindStringSubmatch(grade); pm != nil {
			if v, err := strconv.ParseFloat(pm[1], 64); err == nil {
				total += v
				count++
			}
		}
	}
	if count == 0 {
		return 0, false
	}
	return total / float64(count), true
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
