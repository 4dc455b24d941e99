package session

import (
	"math"
	"time"
)

// NoTimeLeft is the remaining time reported once an attempt is locked.
const NoTimeLeft = -time.Second

type PhaseStatus struct {
	Phase     Phase
	Elapsed   time.Duration
	Remaining time.Duration // active: time left to record, grace: 0, locked: NoTimeLeft
}

// DerivePhase maps an attempt's start instant and the current instant to its phase.
// A start instant in the future (clock skew) counts as zero elapsed time.
func DerivePhase(startedAt, now time.Time, active, grace time.Duration) PhaseStatus {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	switch {
	case elapsed < active:
		return PhaseStatus{Phase: PhaseActive, Elapsed: elapsed, Remaining: active - elapsed}
	case elapsed < active+grace:
		return PhaseStatus{Phase: PhaseGrace, Elapsed: elapsed}
	default:
		return PhaseStatus{Phase: PhaseLocked, Elapsed: elapsed, Remaining: NoTimeLeft}
	}
}

// RemainingSeconds rounds the remaining recording time up to whole seconds, -1 once locked.
func (st PhaseStatus) RemainingSeconds() int64 {
	if st.Remaining < 0 {
		return -1
	}
	return int64(math.Ceil(st.Remaining.Seconds()))
}

// untilNextPhase is the time left before the phase changes, 0 once locked.
func (st PhaseStatus) untilNextPhase(active, grace time.Duration) time.Duration {
	switch st.Phase {
	case PhaseActive:
		return active - st.Elapsed
	case PhaseGrace:
		return active + grace - st.Elapsed
	}
	return 0
}
