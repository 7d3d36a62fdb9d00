package session

import (
	"golang.org/x/sync/semaphore"

	"github.com/youruser/quill/internal/apperr"
)

// Guard admits one generation at a time. A second caller is rejected
// immediately rather than queued.
type Guard struct {
	sem *semaphore.Weighted
}

// NewGuard returns an idle guard.
func NewGuard() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// TryAcquire claims the guard. The returned release func must be called
// exactly once; calling it again is a no-op.
func (g *Guard) TryAcquire() (release func(), err error) {
	if !g.sem.TryAcquire(1) {
		return nil, apperr.ErrAlreadyInProgress
	}
	released := false
	return func() {
		if !released {
			released = true
			g.sem.Release(1)
		}
	}, nil
}

// Busy reports whether a generation currently holds the guard.
func (g *Guard) Busy() bool {
	if g.sem.TryAcquire(1) {
		g.sem.Release(1)
		return false
	}
	return true
}
