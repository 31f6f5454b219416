package application

import (
	"context"
	"sync"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
)

// DefaultLoginWaitTimeout is how long a poll waits for the browser to finish
const DefaultLoginWaitTimeout = 5 * time.Minute

// LoginResult is what a completed callback reports to a polling client
type LoginResult struct {
	RedirectURL      string `json:"redirect_url"`
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type parkedResult struct {
	result *LoginResult
	at     time.Time
}

// LoginWaiters lets a client block until the callback for its login completes.
// A result that arrives before anyone waits is parked for up to the timeout.
type LoginWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan *LoginResult
	parked  map[string]parkedResult
	timeout time.Duration
	now     func() time.Time
}

func NewLoginWaiters(timeout time.Duration) *LoginWaiters {
	if timeout <= 0 {
		timeout = DefaultLoginWaitTimeout
	}
	return &LoginWaiters{
		waiters: make(map[string]chan *LoginResult),
		parked:  make(map[string]parkedResult),
		timeout: timeout,
		now:     time.Now,
	}
}

// LoginKey identifies a login by client and the client's own state
func LoginKey(clientID, clientState string) string {
	return clientID + "\x00" + clientState
}

// Wait blocks until a result for key is delivered, the timeout passes or ctx ends.
// The registration is always removed before Wait returns.
func (w *LoginWaiters) Wait(ctx context.Context, key string) (*LoginResult, error) {
	w.mu.Lock()
	if p, ok := w.parked[key]; ok {
		delete(w.parked, key)
		w.mu.Unlock()
		return p.result, nil
	}
	if _, exists := w.waiters[key]; exists {
		w.mu.Unlock()
		return nil, domain.ErrWaiterPresent
	}
	ch := make(chan *LoginResult, 1)
	w.waiters[key] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.waiters[key] == ch {
			delete(w.waiters, key)
		}
		w.mu.Unlock()
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return nil, domain.ErrLoginTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands result to the waiter for key, or parks it. It reports whether a
// waiter was woken.
func (w *LoginWaiters) Deliver(key string, result *LoginResult) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ch, ok := w.waiters[key]; ok {
		delete(w.waiters, key)
		ch <- result
		return true
	}
	w.parked[key] = parkedResult{result: result, at: w.now()}
	return false
}

// Pending returns the number of registered waiters
func (w *LoginWaiters) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// Sweep drops parked results nobody collected within the timeout
func (w *LoginWaiters) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.timeout)
	removed := 0
	for key, p := range w.parked {
		if p.at.Before(cutoff) {
			delete(w.parked, key)
			removed++
		}
	}
	return removed
}
