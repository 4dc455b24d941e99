package session

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flightGroup runs at most one call per key at a time; concurrent callers share its result.
type flightGroup struct {
	group singleflight.Group

	mu     sync.Mutex
	active map[string]int
}

func newFlightGroup() *flightGroup {
	return &flightGroup{active: make(map[string]int)}
}

func actionKey(sessionID string, action Action) string {
	return sessionID + ":" + string(action)
}

func checkpointKey(sessionID, checkpointID string) string {
	return sessionID + ":checkpoint:" + checkpointID
}

func (fg *flightGroup) do(key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	fg.mu.Lock()
	fg.active[key]++
	fg.mu.Unlock()

	defer func() {
		fg.mu.Lock()
		if fg.active[key]--; fg.active[key] <= 0 {
			delete(fg.active, key)
		}
		fg.mu.Unlock()
	}()

	v, err, shared := fg.group.Do(key, fn)
	return v, shared, err
}

// inProgress lists the operations currently in flight for a session, e.g. "grade" or "checkpoint:900".
func (fg *flightGroup) inProgress(sessionID string) []string {
	prefix := sessionID + ":"

	fg.mu.Lock()
	defer fg.mu.Unlock()

	ops := make([]string, 0)
	for key := range fg.active {
		if strings.HasPrefix(key, prefix) {
			ops = append(ops, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(ops)
	return ops
}
