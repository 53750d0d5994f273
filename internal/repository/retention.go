package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purgeable row classes. Insights and daily metrics are never purged.
const (
	PurgeContributions   = "contributions"
	PurgeInactiveDevices = "inactive_devices"
)

var ErrUnknownCategory = errors.New("unknown retention category")

// RetentionRepository drops aged rows. With dryRun it only counts them.
type RetentionRepository interface {
	PurgeBefore(ctx context.Context, category string, cutoff time.Time, dryRun bool) (int64, error)
}

// purgePredicates is keyed by category; $1 is the cutoff.
var purgePredicates = map[string]struct{ table, where string }{
	PurgeContributions:   {"contributions", "day < $1"},
	PurgeInactiveDevices: {"devices", "last_seen < $1"},
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, category string, cutoff time.Time, dryRun bool) (int64, error) {
	p, ok := purgePredicates[category]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if dryRun {
		var n int64
		q := `SELECT count(*) FROM ` + p.table + ` WHERE ` + p.where
		if err := s.db.QueryRowContext(ctx, q, cutoff.UTC()).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", category, err)
		}
		return n, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+p.table+` WHERE `+p.where, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", category, err)
	}
	return res.RowsAffected()
}

func (s *MemoryStore) PurgeBefore(_ context.Context, category string, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		s.mu.RLock()
		defer s.mu.RUnlock()
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	var n int64
	switch category {
	case PurgeContributions:
		for k, c := range s.contributions {
			if c.Day.Before(cutoff) {
				n++
				if !dryRun {
					delete(s.contributions, k)
				}
			}
		}
	case PurgeInactiveDevices:
		for k, d := range s.devices {
			if d.LastSeen.Before(cutoff) {
				n++
				if !dryRun {
					delete(s.devices, k)
				}
			}
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return n, nil
}
