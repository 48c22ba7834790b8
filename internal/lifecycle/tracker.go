package lifecycle

import (
	"sync"
	"time"

	"github.com/sbswitch/sbswitch/internal/models"
)

// Tracker remembers the last lifecycle state of every session it has seen.
// It is process memory only; the persisted expired flag is the durable part.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]models.SessionStatus
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		statuses: make(map[string]models.SessionStatus),
		now:      now,
	}
}

// Begin marks a refresh for id as in flight.
func (t *Tracker) Begin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.statuses[id]
	status.State = models.StateRefreshing
	status.LastAttempt = t.now()
	t.statuses[id] = status
}

// Record stores the final state of an attempt or a skip.
func (t *Tracker) Record(id string, outcome models.RefreshOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.statuses[id]
	status.State = outcome.State
	if outcome.Refreshed {
		status.LastSuccess = t.now()
		status.LastError = ""
	}
	if outcome.Err != nil {
		status.LastError = outcome.Err.Error()
	}
	t.statuses[id] = status
}

// Reset sets the state of id and clears its last error, for results that
// were discarded because the record changed meanwhile.
func (t *Tracker) Reset(id string, state models.SessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.statuses[id]
	status.State = state
	status.LastError = ""
	t.statuses[id] = status
}

// Get returns the status of id.
func (t *Tracker) Get(id string) (models.SessionStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.statuses[id]
	return status, ok
}

// States returns a copy of every tracked status.
func (t *Tracker) States() map[string]models.SessionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.SessionStatus, len(t.statuses))
	for id, status := range t.statuses {
		out[id] = status
	}
	return out
}

// Forget drops id, e.g. after the session was deleted.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, id)
}

// Counts returns how many sessions are in each state.
func (t *Tracker) Counts() map[models.SessionState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.SessionState]int)
	for _, status := range t.statuses {
		out[status.State]++
	}
	return out
}
