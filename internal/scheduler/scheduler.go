// Package scheduler runs the two background maintenance loops: proactive
// token refresh and account health probing. Each loop ticks independently; a
// tick that runs long skips its next boundary rather than overlapping itself.
package scheduler

import (
	"context"
	"sync"
	"time"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/auth"
	"kiroproxy/internal/models"
	"kiroproxy/internal/pool"
	"kiroproxy/internal/upstream"
	"kiroproxy/internal/utils"
)

// probeFailThreshold parks an account after this many consecutive failed
// probes; a single success clears the counter.
const probeFailThreshold = 2

// Config holds loop cadences.
type Config struct {
	RefreshInterval time.Duration // pre-refresh sweep cadence
	RefreshWindow   time.Duration // refresh tokens expiring within this window
	HealthInterval  time.Duration // probe cadence
}

// Scheduler drives the credential manager and pool on timers.
type Scheduler struct {
	cfg       Config
	pool      *pool.Pool
	refresher *auth.Refresher
	client    *upstream.Client
	logger    *utils.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Start must be called to run the loops.
func New(cfg Config, p *pool.Pool, refresher *auth.Refresher, client *upstream.Client) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		pool:      p,
		refresher: refresher,
		client:    client,
		logger:    utils.NewLogger("scheduler"),
	}
}

// Start launches both loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.RefreshInterval, s.refreshTick)
	go s.loop(ctx, s.cfg.HealthInterval, s.healthTick)
	s.logger.Info("Scheduler started",
		"refresh_interval", s.cfg.RefreshInterval, "health_interval", s.cfg.HealthInterval)
}

// Stop cancels both loops and waits for their current iteration.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// loop runs tick on every interval boundary. Ticks never overlap themselves:
// the ticker fires are consumed one at a time and a slow tick drops the
// boundary it missed.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
			// Drop a boundary that fired while the tick ran.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// refreshTick refreshes every account whose token expires within the window,
// and gives lapsed cooldowns a chance to recover without waiting for a
// selection attempt. Errors are logged, never fatal.
func (s *Scheduler) refreshTick(ctx context.Context) {
	s.pool.PromoteCooldowns()

	now := time.Now()
	for _, a := range s.pool.List() {
		if a.Status == models.StatusDisabled {
			continue
		}
		if !a.Credential.ExpiresWithin(now, s.cfg.RefreshWindow) {
			continue
		}

		res, err := s.refresher.Refresh(ctx, a)
		if err != nil {
			if apierr.KindOf(err) == apierr.KindInvalidRefreshToken {
				s.pool.MarkUnhealthy(a.ID, err.Error())
			}
			s.logger.Error("Pre-refresh failed", "account", a.ID, "error", err)
			continue
		}
		s.pool.ApplyRefresh(a.ID, res.AccessToken, res.RefreshToken, res.ExpiresAt, res.ProfileArn)
		s.logger.Info("Pre-refreshed token", "account", a.ID)
	}
}

// healthTick probes every non-disabled account with the minimal model-list
// request. Two consecutive failures park the account; one success restores it.
func (s *Scheduler) healthTick(ctx context.Context) {
	now := time.Now()
	for _, a := range s.pool.List() {
		if a.Status == models.StatusDisabled {
			continue
		}

		caller := upstream.Caller{
			AccountID:   a.ID,
			AccessToken: a.Credential.AccessToken,
			Fingerprint: a.Fingerprint(now),
			ProfileArn:  a.Credential.ProfileArn,
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.client.Probe(probeCtx, caller)
		cancel()

		if err != nil {
			s.logger.Warn("Health probe failed", "account", a.ID, "error", err)
		}
		s.pool.RecordProbe(a.ID, err == nil, probeFailThreshold)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
