package runlock

import (
	"context"
	"fmt"

	"sofr-tracker/internal/storage"
)

// Postgres guards runs with a session-level advisory lock.
type Postgres struct {
	locker storage.AdvisoryLocker
	key    int64
}

// NewPostgres wraps an advisory locker with a fixed key.
func NewPostgres(locker storage.AdvisoryLocker, key int64) *Postgres {
	return &Postgres{locker: locker, key: key}
}

// Acquire takes the advisory lock or returns ErrHeld.
func (p *Postgres) Acquire(ctx context.Context) (func(), error) {
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %d: %w", p.key, err)
	}
	if !acquired {
		return nil, ErrHeld
	}
	return unlock, nil
}
