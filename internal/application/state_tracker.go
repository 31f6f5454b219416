package application

import (
	"context"
	"errors"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"go.uber.org/zap"
)

// DefaultStateTTL bounds how long a login may take
const DefaultStateTTL = 15 * time.Minute

// StateTracker maps internal OAuth state values to in-flight attempts
type StateTracker struct {
	attempts domain.AttemptRepository
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
	newState func() (string, error)
}

func NewStateTracker(attempts domain.AttemptRepository, ttl time.Duration, logger *zap.Logger) *StateTracker {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateTracker{
		attempts: attempts,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		newState: func() (string, error) { return hashing.RandomString(32) },
	}
}

// Begin stores attempt under a fresh state and returns that state
func (t *StateTracker) Begin(ctx context.Context, attempt *domain.AuthorizationAttempt) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		state, err := t.newState()
		if err != nil {
			return "", domain.Wrap(domain.ErrStorage, err)
		}

		now := t.now()
		attempt.State = state
		attempt.CreatedAt = now
		attempt.ExpiresAt = now.Add(t.ttl)

		ok, err := t.attempts.Create(ctx, attempt)
		if err != nil {
			return "", storageError(err)
		}
		if ok {
			t.logger.Debug("Began authorization attempt",
				zap.String("client_id", attempt.ClientID),
				zap.Time("expires_at", attempt.ExpiresAt))
			return state, nil
		}
		t.logger.Warn("State collision, retrying")
	}
	return "", domain.Wrap(domain.ErrStorage, errors.New("could not allocate a unique state"))
}

// Resolve returns the live attempt for state without consuming it. An expired
// attempt is removed and reported as ErrStateExpired.
func (t *StateTracker) Resolve(ctx context.Context, state string) (*domain.AuthorizationAttempt, error) {
	if state == "" {
		return nil, domain.ErrStateNotFound
	}

	attempt, err := t.attempts.Find(ctx, state)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}

	if t.now().Sub(attempt.CreatedAt) > t.ttl {
		if _, err := t.attempts.Delete(ctx, state); err != nil {
			t.logger.Error("Failed to delete expired attempt", zap.Error(err))
		}
		return nil, domain.ErrStateExpired
	}
	return attempt, nil
}

// Consume removes the attempt. It reports true only to the caller that removed it.
func (t *StateTracker) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	removed, err := t.attempts.Delete(ctx, state)
	if err != nil {
		return false, storageError(err)
	}
	return removed, nil
}

// Sweep removes every attempt older than the TTL
func (t *StateTracker) Sweep(ctx context.Context) (int, error) {
	return t.attempts.DeleteExpired(ctx, t.now())
}
