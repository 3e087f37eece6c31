package didpool

import (
	"context"
	"log/slog"
	"time"
)

// Locker elects one sweeper across replicas. TryLock returns ok=false when
// another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type SweeperConfig struct {
	Interval time.Duration
	// MaxAge is the reservation TTL.
	MaxAge  time.Duration
	LockKey string
}

// Sweeper periodically expires stale reservations.
type Sweeper struct {
	alloc *Allocator
	lock  Locker
	cfg   SweeperConfig
	log   *slog.Logger
}

const defaultSweepLockKey = "didpool:sweeper"

// NewSweeper builds a sweeper. A nil lock runs the sweep unconditionally,
// which is fine for a single replica.
func NewSweeper(alloc *Allocator, lock Locker, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 15 * time.Minute
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultSweepLockKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{alloc: alloc, lock: lock, cfg: cfg, log: log}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reservation sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce runs one expiry pass if this replica wins the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.lock != nil {
		// Hold the lock a little past one interval so a slow sweep is not overlapped.
		unlock, ok, err := s.lock.TryLock(ctx, s.cfg.LockKey, s.cfg.Interval+s.cfg.Interval/2)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				s.log.Warn("release sweeper lock", "err", err)
			}
		}()
	}

	n, err := s.alloc.ExpireStaleReservations(ctx, s.cfg.MaxAge)
	if n > 0 {
		s.log.Info("reservations expired", "count", n, "max_age", s.cfg.MaxAge.String())
	}
	return n, err
}
