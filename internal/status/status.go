// Package status derives the per-camera display status from negotiator states.
package status

import (
	"sync"

	"secops_dashboard/camstream/internal/domain"
)

// Project maps a negotiator state to the status shown to operators.
func Project(s domain.NegotiatorState) domain.ConnectionStatus {
	switch s {
	case domain.StateOffering, domain.StateAwaitingAnswer:
		return domain.StatusConnecting
	case domain.StateConnected:
		return domain.StatusConnected
	case domain.StateFailed:
		return domain.StatusFailed
	default:
		return domain.StatusDisconnected
	}
}

// Board holds the projected status of every camera with a session.
// It is the only writer of those statuses.
type Board struct {
	mu       sync.RWMutex
	statuses map[string]domain.ConnectionStatus
	listener func(cameraID string, st domain.ConnectionStatus)
}

// NewBoard creates an empty board. listener, if non-nil, is called with every
// projected value in transition order.
func NewBoard(listener func(cameraID string, st domain.ConnectionStatus)) *Board {
	return &Board{
		statuses: make(map[string]domain.ConnectionStatus),
		listener: listener,
	}
}

// Observe records a negotiator transition.
func (b *Board) Observe(cameraID string, s domain.NegotiatorState) {
	st := Project(s)

	b.mu.Lock()
	b.statuses[cameraID] = st
	listener := b.listener
	// Notify under the lock so listeners see transitions in order.
	if listener != nil {
		listener(cameraID, st)
	}
	b.mu.Unlock()
}

// Prune drops every camera for which keep returns false.
func (b *Board) Prune(keep func(cameraID string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id := range b.statuses {
		if !keep(id) {
			delete(b.statuses, id)
		}
	}
}

// Get returns the status of one camera.
func (b *Board) Get(cameraID string) (domain.ConnectionStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.statuses[cameraID]
	return st, ok
}

// Snapshot returns a copy of all statuses.
func (b *Board) Snapshot() map[string]domain.ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]domain.ConnectionStatus, len(b.statuses))
	for id, st := range b.statuses {
		out[id] = st
	}
	return out
}
