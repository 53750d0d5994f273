package orglock

import (
	"context"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/client"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/google/uuid"
)

// RedisLocker is a SET NX lock owned by a random token. The TTL bounds how
// long a crashed holder can block its org; release only deletes our own token.
type RedisLocker struct {
	rc   *client.RedisClient
	ttl  time.Duration
	poll time.Duration
}

func NewRedisLocker(rc *client.RedisClient, ttl, poll time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &RedisLocker{rc: rc, ttl: ttl, poll: poll}
}

func (l *RedisLocker) Acquire(ctx context.Context, orgID string, wait time.Duration) (Unlock, error) {
	key := l.rc.Key("orglock", orgID)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rc.AcquireToken(ctx, key, token, l.ttl)
		if err != nil {
			return nil, apperr.Internal("org_lock", err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, &apperr.BusyError{OrgID: orgID, Waited: wait}
		}
		select {
		case <-time.After(l.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := l.rc.ReleaseToken(rctx, key, token)
		if err != nil {
			logger.Warnf("[OrgLock] Release for org %s failed: %v", orgID, err)
			return
		}
		if !ok {
			logger.Warnf("[OrgLock] Lock for org %s expired before release", orgID)
		}
	}, nil
}
