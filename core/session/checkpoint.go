package session

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidCheckpoints = errors.New("checkpoint thresholds must be whole, positive and strictly increasing seconds")

// Checkpoint is an elapsed-time threshold at which an automatic transcription is attempted once.
type Checkpoint struct {
	ID        string
	Threshold time.Duration
}

// CheckpointTable is a fixed list of checkpoints ordered by threshold.
type CheckpointTable struct {
	checkpoints []Checkpoint
}

// NewCheckpointTable builds a table from strictly increasing thresholds.
// Each checkpoint is identified by its threshold in seconds, e.g. "900".
func NewCheckpointTable(thresholds ...time.Duration) (CheckpointTable, error) {
	cps := make([]Checkpoint, 0, len(thresholds))
	var prev time.Duration
	for _, th := range thresholds {
		if th <= prev || th%time.Second != 0 {
			return CheckpointTable{}, errors.Wrapf(ErrInvalidCheckpoints, "got %s after %s", th, prev)
		}
		cps = append(cps, Checkpoint{ID: strconv.FormatInt(int64(th/time.Second), 10), Threshold: th})
		prev = th
	}
	return CheckpointTable{checkpoints: cps}, nil
}

func (t CheckpointTable) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), t.checkpoints...)
}

func (t CheckpointTable) Len() int { return len(t.checkpoints) }

func (t CheckpointTable) Lookup(id string) (Checkpoint, bool) {
	for _, cp := range t.checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// DueCheckpoints returns, in threshold order, every checkpoint crossed by `elapsed` that is not in `fired`.
func DueCheckpoints(elapsed time.Duration, fired []string, table CheckpointTable) []Checkpoint {
	firedSet := make(map[string]struct{}, len(fired))
	for _, id := range fired {
		firedSet[id] = struct{}{}
	}

	var due []Checkpoint
	for _, cp := range table.checkpoints {
		if elapsed < cp.Threshold {
			break
		}
		if _, ok := firedSet[cp.ID]; !ok {
			due = append(due, cp)
		}
	}
	return due
}

// next returns the first unfired checkpoint still ahead of `elapsed`.
func (t CheckpointTable) next(elapsed time.Duration, fired []string) (Checkpoint, bool) {
	for _, cp := range t.checkpoints {
		if cp.Threshold <= elapsed {
			continue
		}
		fd := false
		for _, id := range fired {
			if id == cp.ID {
				fd = true
				break
			}
		}
		if !fd {
			return cp, true
		}
	}
	return Checkpoint{}, false
}
