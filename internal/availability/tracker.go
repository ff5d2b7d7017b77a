package availability

import "sync"

// State is a source's availability phase. Transitions are one-way:
// Probing to Active on the first data event, Probing or Active to Inactive
// on error or grace expiry. A source never returns from Inactive.
type State int

const (
	Probing State = iota
	Active
	Inactive
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// MinSources is the smallest active set that can produce a comparison.
const MinSources = 2

// Tracker maintains the availability state of every configured source.
// Reads return snapshots; races that transiently mis-include a source only
// affect which event triggers a scoring check, never scoring itself.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
}

// New creates a tracker with every source in Probing.
func New(sourceIDs []string) *Tracker {
	states := make(map[string]State, len(sourceIDs))
	for _, id := range sourceIDs {
		states[id] = Probing
	}

	return &Tracker{states: states}
}

// Observe records a data event for a source; a probing source becomes
// active. It reports whether the source is active afterward — events from
// inactive or unknown sources must be discarded by the caller.
func (t *Tracker) Observe(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok || st == Inactive {
		return false
	}

	if st == Probing {
		t.states[id] = Active
	}

	return true
}

// Deactivate moves a source to Inactive. It reports whether the call
// changed the state.
func (t *Tracker) Deactivate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok || st == Inactive {
		return false
	}

	t.states[id] = Inactive

	return true
}

// ExpireProbing demotes every source still probing and returns their IDs.
// Called once, at the grace deadline.
func (t *Tracker) ExpireProbing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string

	for id, st := range t.states {
		if st == Probing {
			t.states[id] = Inactive
			expired = append(expired, id)
		}
	}

	return expired
}

// ActiveSet returns a snapshot of the currently active sources.
func (t *Tracker) ActiveSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make(map[string]struct{})

	for id, st := range t.states {
		if st == Active {
			active[id] = struct{}{}
		}
	}

	return active
}

// ActiveCount returns the number of currently active sources.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0

	for _, st := range t.states {
		if st == Active {
			n++
		}
	}

	return n
}

// NoneProbing reports whether every source has either produced its first
// event or been ruled out, i.e. waiting longer cannot grow the active set.
func (t *Tracker) NoneProbing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, st := range t.states {
		if st == Probing {
			return false
		}
	}

	return true
}

// State returns the current state of a source.
func (t *Tracker) State(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return Inactive
	}

	return st
}
