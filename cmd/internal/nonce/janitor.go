package nonce

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	minSweepInterval = time.Minute
	maxSweepInterval = time.Hour
)

// SweepObserver receives the outcome of every sweep (metrics hook).
type SweepObserver interface {
	ObserveNonceSweep(removed int64, err error)
}

// Janitor deletes expired nonces on a fixed interval.
// Sweep failures are logged and never propagated to request handling.
type Janitor struct {
	ledger   Ledger
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time
	observer SweepObserver

	mu      sync.Mutex
	running bool
	lastRun time.Time
	runCtx  context.Context
	stopped bool
	sweeps  sync.WaitGroup
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// WithObserver attaches a sweep observer.
func WithObserver(o SweepObserver) JanitorOption {
	return func(j *Janitor) { j.observer = o }
}

// SweepInterval derives the sweep cadence from the nonce TTL.
func SweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < minSweepInterval:
		return minSweepInterval
	case ttl > maxSweepInterval:
		return maxSweepInterval
	default:
		return ttl
	}
}

// NewJanitor constructs a Janitor sweeping every SweepInterval(ttl).
func NewJanitor(ledger Ledger, log *slog.Logger, ttl time.Duration, opts ...JanitorOption) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	j := &Janitor{
		ledger:   ledger,
		log:      log,
		interval: SweepInterval(ttl),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Interval returns the configured sweep interval.
func (j *Janitor) Interval() time.Duration { return j.interval }

// Run sweeps on every tick until ctx is done. Kicked sweeps share ctx, and
// Run returns only after they finish; later kicks are refused.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.mu.Lock()
	j.runCtx = ctx
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.stopped = true
		j.mu.Unlock()
		j.sweeps.Wait()
	}()

	j.log.Info("nonce.janitor.start", "interval", j.interval.String())
	for {
		select {
		case <-ctx.Done():
			j.log.Info("nonce.janitor.stop")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep removes expired rows once and returns the count removed.
// Errors are logged and reported as zero.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	now := j.now()

	j.mu.Lock()
	j.lastRun = now
	j.mu.Unlock()

	n, err := j.ledger.CleanupExpired(ctx, now)
	if j.observer != nil {
		j.observer.ObserveNonceSweep(n, err)
	}
	if err != nil {
		j.log.Warn("nonce.sweep.fail", "err", err)
		return 0
	}
	if n > 0 {
		j.log.Debug("nonce.sweep", "removed", n)
	}
	return n
}

// Kick starts a background sweep if none ran within the last interval and
// none is in flight. It reports whether a sweep was started.
func (j *Janitor) Kick() bool {
	now := j.now()

	j.mu.Lock()
	if j.stopped || j.running || (!j.lastRun.IsZero() && now.Sub(j.lastRun) < j.interval) {
		j.mu.Unlock()
		return false
	}
	j.running = true
	base := j.runCtx
	j.sweeps.Add(1)
	j.mu.Unlock()

	if base == nil {
		base = context.Background()
	}

	go func() {
		defer j.sweeps.Done()
		defer func() {
			j.mu.Lock()
			j.running = false
			j.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(base, 30*time.Second)
		defer cancel()
		j.Sweep(ctx)
	}()
	return true
}
