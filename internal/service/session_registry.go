package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// ErrSessionAlreadyActive is returned when the candidate already has an exam open elsewhere.
var ErrSessionAlreadyActive = errors.New("another exam session is already active for this candidate")

// refreshScript extends the lock only while it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only while it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultSessionLockTTL is used when a non-positive TTL is configured.
const DefaultSessionLockTTL = 90 * time.Second

// SessionRegistry enforces one live exam session per candidate across
// gateway instances with a Redis lock keyed by candidate.
type SessionRegistry struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewSessionRegistry creates a new SessionRegistry.
// A non-positive ttl falls back to DefaultSessionLockTTL.
func NewSessionRegistry(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *SessionRegistry {
	log = log.With().Str("component", "session_registry").Logger()
	if ttl <= 0 {
		log.Warn().Dur("ttl", ttl).Dur("default", DefaultSessionLockTTL).Msg("Invalid session lock TTL, using default")
		ttl = DefaultSessionLockTTL
	}
	return &SessionRegistry{rdb: rdb, ttl: ttl, log: log}
}

// TTL returns the lock lifetime.
func (r *SessionRegistry) TTL() time.Duration { return r.ttl }

// Acquire takes the candidate's lock for sessionID.
func (r *SessionRegistry) Acquire(ctx context.Context, candidateID int, sessionID uuid.UUID) error {
	key := config.CacheKey.CandidateActiveSessionKey(candidateID)
	ok, err := r.rdb.SetNX(ctx, key, sessionID.String(), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return ErrSessionAlreadyActive
	}
	return nil
}

// Refresh extends the lock. It reports false when the lock was lost.
func (r *SessionRegistry) Refresh(ctx context.Context, candidateID int, sessionID uuid.UUID) (bool, error) {
	key := config.CacheKey.CandidateActiveSessionKey(candidateID)
	n, err := refreshScript.Run(ctx, r.rdb, []string{key}, sessionID.String(), r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh session lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if sessionID still holds it.
func (r *SessionRegistry) Release(ctx context.Context, candidateID int, sessionID uuid.UUID) error {
	key := config.CacheKey.CandidateActiveSessionKey(candidateID)
	if err := releaseScript.Run(ctx, r.rdb, []string{key}, sessionID.String()).Err(); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// Active returns the session holding the candidate's lock, if any.
func (r *SessionRegistry) Active(ctx context.Context, candidateID int) (uuid.UUID, bool, error) {
	key := config.CacheKey.CandidateActiveSessionKey(candidateID)
	raw, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("read session lock: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse session lock: %w", err)
	}
	return id, true, nil
}

// Hold refreshes the lock until ctx is done and then releases it. lost is
// called once if another holder took the lock in the meantime.
func (r *SessionRegistry) Hold(ctx context.Context, candidateID int, sessionID uuid.UUID, lost func()) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.Release(releaseCtx, candidateID, sessionID); err != nil {
			r.log.Error().Err(err).Int("candidate_id", candidateID).Msg("Failed to release session lock")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := r.Refresh(ctx, candidateID, sessionID)
			if err != nil {
				r.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Session lock refresh failed")
				continue
			}
			if !held {
				r.log.Warn().Int("candidate_id", candidateID).Str("session_id", sessionID.String()).Msg("Session lock lost")
				if lost != nil {
					lost()
				}
				return
			}
		}
	}
}
