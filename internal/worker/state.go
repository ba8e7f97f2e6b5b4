package worker

import (
	"sync"
	"time"

	"mathtutor/internal/models"
	"mathtutor/internal/service/assistant"
)

// workspace pairs a state holder with the bookkeeping the manager needs:
// the pending upload flag, the last activity time and the listener of the
// running upload.
type workspace struct {
	state *assistant.State

	mu       sync.Mutex
	lastUsed time.Time
	pending  bool
	listener chan models.Snapshot
}

func newWorkspace(id string, now time.Time) *workspace {
	return &workspace{
		state:    assistant.NewState(id),
		lastUsed: now,
	}
}

func (w *workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastUsed = now
	w.mu.Unlock()
}

// claim reserves the workspace for an upload and attaches its listener.
func (w *workspace) claim(listener chan models.Snapshot, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending || w.state.Phase() == models.PhaseProcessing {
		return ErrUploadInProgress
	}
	w.pending = true
	w.listener = listener
	w.lastUsed = now
	return nil
}

// release ends the upload: the listener is closed and the workspace can
// take a new upload.
func (w *workspace) release(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		close(w.listener)
		w.listener = nil
	}
	w.pending = false
	w.lastUsed = now
}

// forward passes a snapshot to the upload listener, dropping it when the
// listener is not keeping up.
func (w *workspace) forward(snap models.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return
	}
	select {
	case w.listener <- snap:
	default:
	}
}

func (w *workspace) isPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// expired reports whether the workspace has been idle for at least ttl.
func (w *workspace) expired(now time.Time, ttl time.Duration) bool {
	w.mu.Lock()
	pending, last := w.pending, w.lastUsed
	w.mu.Unlock()
	if pending || ttl <= 0 {
		return false
	}
	snap := w.state.Snapshot()
	if snap.Busy || snap.Phase == models.PhaseProcessing {
		return false
	}
	return now.Sub(last) >= ttl
}
