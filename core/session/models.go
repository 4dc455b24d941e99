package session

import (
	"time"

	"github.com/trezcool/tathmini/core"
)

type Phase string

const (
	PhaseActive Phase = "active" // full functionality
	PhaseGrace  Phase = "grace"  // wind-down window, no new recording
	PhaseLocked Phase = "locked" // terminal, read-only
)

// rank orders phases as they progress.
func (p Phase) rank() int {
	switch p {
	case PhaseActive:
		return 0
	case PhaseGrace:
		return 1
	case PhaseLocked:
		return 2
	}
	return -1
}

type Action string

const (
	ActionRecord     Action = "record"
	ActionTranscribe Action = "manual_transcribe"
	ActionEditPrompt Action = "edit_prompt"
	ActionGrade      Action = "grade"
	ActionSubmit     Action = "submit"
)

// Actions lists every student action in display order.
var Actions = []Action{ActionRecord, ActionTranscribe, ActionEditPrompt, ActionGrade, ActionSubmit}

// AttemptSession is the persisted state of one student attempt.
type AttemptSession struct {
	ID               string
	AssignmentID     string
	StudentName      string
	StartedAt        time.Time // set once at start
	FiredCheckpoints []string  // only ever grows
	PhaseCache       Phase     // display hint, never authoritative
	RecordedAudio    []byte
	TranscriptText   string
	FinalPromptText  string
	GradeFeedback    string // empty when absent
	SubmitClaimedAt  time.Time
	SubmittedAt      time.Time
	SubmissionID     string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s AttemptSession) HasFired(id string) bool {
	for _, f := range s.FiredCheckpoints {
		if f == id {
			return true
		}
	}
	return false
}

func (s AttemptSession) HasAudio() bool    { return len(s.RecordedAudio) > 0 }
func (s AttemptSession) IsSubmitted() bool { return !s.SubmittedAt.IsZero() }

func (s AttemptSession) Person() core.Person {
	return core.Person{ID: s.ID, Name: s.StudentName}
}

func (s AttemptSession) clone() AttemptSession {
	c := s
	if s.FiredCheckpoints != nil {
		c.FiredCheckpoints = append([]string(nil), s.FiredCheckpoints...)
	}
	if s.RecordedAudio != nil {
		c.RecordedAudio = append([]byte(nil), s.RecordedAudio...)
	}
	return c
}

func (s *AttemptSession) markFired(cps ...Checkpoint) {
	for _, cp := range cps {
		if !s.HasFired(cp.ID) {
			s.FiredCheckpoints = append(s.FiredCheckpoints, cp.ID)
		}
	}
}

// setTranscript overwrites the transcript and drops a grade computed on the previous one.
func (s *AttemptSession) setTranscript(text string) bool {
	if s.TranscriptText == text {
		return false
	}
	s.TranscriptText = text
	s.GradeFeedback = ""
	return true
}

// setFinalPrompt overwrites the final prompt and drops a grade computed on the previous one.
func (s *AttemptSession) setFinalPrompt(text string) bool {
	if s.FinalPromptText == text {
		return false
	}
	s.FinalPromptText = text
	s.GradeFeedback = ""
	return true
}

// AttemptSummary is what the submission store receives at terminal submission.
type AttemptSummary struct {
	SessionID       string
	AssignmentID    string
	StudentName     string
	TranscriptText  string
	FinalPromptText string
	GradeFeedback   string
	AudioBytes      int
	StartedAt       time.Time
	SubmittedAt     time.Time
}

func (s AttemptSession) summary(at time.Time) AttemptSummary {
	return AttemptSummary{
		SessionID:       s.ID,
		AssignmentID:    s.AssignmentID,
		StudentName:     s.StudentName,
		TranscriptText:  s.TranscriptText,
		FinalPromptText: s.FinalPromptText,
		GradeFeedback:   s.GradeFeedback,
		AudioBytes:      len(s.RecordedAudio),
		StartedAt:       s.StartedAt,
		SubmittedAt:     at,
	}
}
