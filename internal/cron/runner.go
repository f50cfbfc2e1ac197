// Package cron runs the periodic missed-dose sweep and batch rescoring
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gmsas95/preventx/internal/engine"
	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds cron runner configuration
type Config struct {
	Interval       time.Duration // Time between passes
	MaxConcurrent  int           // Users rescored at once
	UsersPerSecond float64       // Pacing across users, 0 for unlimited
}

// Rescorer is the per-user work of a pass.
type Rescorer interface {
	Users(ctx context.Context) ([]string, error)
	Rescore(ctx context.Context, userID string) (*engine.RescoreResult, error)
}

// Summary describes one finished pass.
type Summary struct {
	Users     int           `json:"users"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Missed    int           `json:"missed"`
	Fired     int           `json:"fired"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// Runner manages scheduled pass execution
type Runner struct {
	config   Config
	rescorer Rescorer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	passMu   sync.Mutex
	running  bool
	mu       sync.RWMutex
}

// NewRunner creates a new cron runner
func NewRunner(config Config, rescorer Rescorer, m *metrics.Metrics, logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	return &Runner{
		config:   config,
		rescorer: rescorer,
		metrics:  m,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the pass every Interval and runs one immediately
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cron runner already running")
	}

	spec := "@every " + r.config.Interval.String()
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	r.cron.Start()
	r.running = true

	go r.tick()

	r.logger.Info("Cron runner started",
		zap.Duration("interval", r.config.Interval),
		zap.Int("max_concurrent", r.config.MaxConcurrent),
	)
	return nil
}

// Stop cancels the current pass between users and waits for it to end
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.passMu.Lock()
	r.passMu.Unlock()
	r.logger.Info("Cron runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) tick() {
	if _, err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Error("Rescore pass failed", zap.Error(err))
	}
}

// RunOnce sweeps and rescores every user. Cancellation is checked between
// users only; a started user always finishes.
func (r *Runner) RunOnce(ctx context.Context) (*Summary, error) {
	if !r.passMu.TryLock() {
		r.logger.Debug("Rescore pass already in progress, skipping")
		return &Summary{}, nil
	}
	defer r.passMu.Unlock()

	start := time.Now()
	summary := &Summary{}

	users, err := r.rescorer.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	summary.Users = len(users)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if r.config.UsersPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.config.UsersPerSecond), 1)
	}

	// Execute users with semaphore for concurrency control
	sem := make(chan struct{}, r.config.MaxConcurrent)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, userID := range users {
		if err := limiter.Wait(ctx); err != nil {
			summary.Cancelled = true
			break
		}
		sem <- struct{}{} // Acquire
		if ctx.Err() != nil {
			<-sem
			summary.Cancelled = true
			break
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			res, err := r.rescorer.Rescore(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				r.logger.Error("Rescore failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				return
			}
			summary.Succeeded++
			summary.Missed += res.Missed
			summary.Fired += len(res.Fired)
		}(userID)
	}

	wg.Wait()
	summary.Duration = time.Since(start)
	r.metrics.RecordRescore(summary.Succeeded, summary.Failed, summary.Duration)

	r.logger.Info("Rescore pass completed",
		zap.Int("users", summary.Users),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("missed", summary.Missed),
		zap.Int("fired", summary.Fired),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}
