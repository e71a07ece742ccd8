package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type AdmissionOptions struct {
	// MaxPerWindow caps grants inside the trailing window. Zero or negative
	// disables the volume gate; the concurrency gate still applies.
	MaxPerWindow  int
	Window        time.Duration
	Cooldown      time.Duration
	MaxConcurrent int
	Logger        *zap.Logger
}

// AdmissionController guards the transcription backend with two independent
// constraints: a sliding-window volume cap and a concurrency cap. The volume
// slot is consumed before the concurrency slot so a burst of callers cannot
// overdraw the window while parked on the semaphore.
type AdmissionController struct {
	maxPerWindow int
	window       time.Duration
	cooldown     time.Duration
	sem          *semaphore.Weighted
	logger       *zap.Logger

	mu     sync.Mutex
	grants []time.Time
}

func NewAdmissionController(opts AdmissionOptions) *AdmissionController {
	window := opts.Window
	if window <= 0 {
		window = time.Hour
	}
	cooldown := opts.Cooldown
	if cooldown < 0 {
		cooldown = 0
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionController{
		maxPerWindow: opts.MaxPerWindow,
		window:       window,
		cooldown:     cooldown,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		logger:       logger,
	}
}

// Acquire blocks until both gates admit another call. The returned release
// must run when the gated call finishes, whether or not it succeeded.
func (a *AdmissionController) Acquire(ctx context.Context) (func(), error) {
	if err := a.waitForVolumeSlot(ctx); err != nil {
		return nil, err
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { a.sem.Release(1) }, nil
}

func (a *AdmissionController) waitForVolumeSlot(ctx context.Context) error {
	if a.maxPerWindow <= 0 {
		return nil
	}
	for {
		a.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-a.window)
		kept := a.grants[:0]
		for _, grantedAt := range a.grants {
			if grantedAt.After(cutoff) {
				kept = append(kept, grantedAt)
			}
		}
		a.grants = kept
		if len(a.grants) < a.maxPerWindow {
			a.grants = append(a.grants, now)
			a.mu.Unlock()
			return nil
		}
		wait := a.grants[0].Add(a.window).Sub(now)
		if wait < a.cooldown {
			wait = a.cooldown
		}
		a.mu.Unlock()
		a.logger.Info("transcription volume limit reached, waiting for a slot",
			zap.Int("max_per_window", a.maxPerWindow),
			zap.Duration("wait", wait))
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
