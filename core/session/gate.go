package session

var (
	allowedByPhase = map[Phase][]Action{
		PhaseActive: {ActionRecord, ActionTranscribe, ActionEditPrompt, ActionGrade, ActionSubmit},
		PhaseGrace:  {ActionTranscribe, ActionEditPrompt, ActionGrade, ActionSubmit},
		PhaseLocked: {},
	}

	noticeSubmitted   = "this attempt has already been submitted and can no longer be changed"
	noticeLocked      = "time is up: the attempt is locked and can no longer be changed"
	noticeGraceRecord = "recording time is over: you can still transcribe, edit, grade and submit during the grace period"
	noticeUnknown     = "unknown action"
)

// AllowedActions returns the student actions permitted in `phase`, in display order.
func AllowedActions(phase Phase) []Action {
	return append([]Action{}, allowedByPhase[phase]...)
}

func IsAllowed(phase Phase, action Action) bool {
	for _, a := range allowedByPhase[phase] {
		if a == action {
			return true
		}
	}
	return false
}

// gate decides whether `action` may be dispatched for `sess` in phase `st`.
// A rejection comes with the notice to show the student.
func gate(sess AttemptSession, st PhaseStatus, action Action) (bool, string) {
	if !isKnownAction(action) {
		return false, noticeUnknown
	}
	if sess.IsSubmitted() {
		return false, noticeSubmitted
	}
	if IsAllowed(st.Phase, action) {
		return true, ""
	}
	if st.Phase == PhaseGrace {
		return false, noticeGraceRecord
	}
	return false, noticeLocked
}

// allowedFor is AllowedActions narrowed by the attempt's own terminal state.
func allowedFor(sess AttemptSession, st PhaseStatus) []Action {
	if sess.IsSubmitted() {
		return []Action{}
	}
	return AllowedActions(st.Phase)
}

func isKnownAction(action Action) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}
