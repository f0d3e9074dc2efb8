// Package pool owns the account list: selection, session stickiness, cooldown
// and health transitions, and snapshot persistence. All mutation happens under
// one mutex so externally visible behaviour is serialised.
package pool

import (
	"sync"
	"time"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/models"
	"kiroproxy/internal/utils"
)

// Persister snapshots the account list after every mutation.
type Persister interface {
	Save(accounts []*models.Account) error
}

// Pool is the process-wide account pool. Accounts handed out by Select are
// read-only outside this package; every state change goes through a Pool
// method.
type Pool struct {
	mu       sync.Mutex
	accounts []*models.Account
	byID     map[string]*models.Account
	cursor   int // index of the last selected account
	affinity *affinityTable
	cooldown time.Duration
	store    Persister
	logger   *utils.Logger
	now      func() time.Time
}

// Config holds pool behaviour settings.
type Config struct {
	CooldownDuration time.Duration
	AffinityTTL      time.Duration
}

// New creates a pool seeded with accounts (usually from the snapshot store).
func New(cfg Config, accounts []*models.Account, store Persister) *Pool {
	p := &Pool{
		byID:     make(map[string]*models.Account),
		cursor:   -1,
		affinity: newAffinityTable(cfg.AffinityTTL),
		cooldown: cfg.CooldownDuration,
		store:    store,
		logger:   utils.NewLogger("pool"),
		now:      time.Now,
	}
	for _, a := range accounts {
		p.accounts = append(p.accounts, a)
		p.byID[a.ID] = a
	}
	return p
}

// Select picks an account for a request. The affinity entry for sessionKey is
// honoured while the bound account is Active; otherwise accounts are walked
// round-robin in insertion order starting after the previous pick. Accounts
// whose cooldown has lapsed are promoted before the pool reports empty.
// Accounts in exclude are skipped; the failover loop passes the ones that
// already failed this request.
func (p *Pool) Select(sessionKey string, exclude ...string) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	// Sticky session first.
	if sessionKey != "" {
		if id, ok := p.affinity.lookup(sessionKey, now); ok {
			if a, exists := p.byID[id]; exists && a.Selectable() && !excluded[id] {
				p.affinity.bind(sessionKey, id, now)
				a.LastUsedAt = now
				return a, nil
			}
			p.affinity.drop(sessionKey)
		}
	}

	a := p.nextActiveLocked(excluded)
	if a == nil {
		// Lapsed cooldowns count as available again.
		if p.promoteCooldownsLocked(now) > 0 {
			a = p.nextActiveLocked(excluded)
		}
	}
	if a == nil {
		return nil, apierr.New(apierr.KindNoAccountAvailable, "no active account in pool")
	}

	p.affinity.bind(sessionKey, a.ID, now)
	a.LastUsedAt = now
	return a, nil
}

// nextActiveLocked walks the ring once starting after the cursor and returns
// the first Active account, advancing the cursor to it.
func (p *Pool) nextActiveLocked(excluded map[string]bool) *models.Account {
	n := len(p.accounts)
	if n == 0 {
		return nil
	}
	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		if p.accounts[idx].Selectable() && !excluded[p.accounts[idx].ID] {
			p.cursor = idx
			return p.accounts[idx]
		}
	}
	return nil
}

// promoteCooldownsLocked returns lapsed-cooldown accounts to Active.
func (p *Pool) promoteCooldownsLocked(now time.Time) int {
	promoted := 0
	for _, a := range p.accounts {
		if a.CooldownOver(now) {
			a.Status = models.StatusActive
			a.CooldownUntil = nil
			promoted++
			p.logger.Info("Cooldown expired, account active again", "account", a.ID)
		}
	}
	if promoted > 0 {
		p.persistLocked()
	}
	return promoted
}

// PromoteCooldowns is the scheduler-tick entry point for cooldown recovery.
func (p *Pool) PromoteCooldowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.promoteCooldownsLocked(p.now())
}

// ReportFailure applies the failover table for an upstream failure observed
// on an account. Quota failures cool the account; auth and refresh handling
// is the orchestrator's job (see MarkUnhealthy / ApplyRefresh); server and
// network errors leave status untouched.
func (p *Pool) ReportFailure(accountID string, kind apierr.Kind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return
	}
	now := p.now()
	a.RecordError(string(kind), message, now)

	if kind == apierr.KindQuotaExceeded {
		until := now.Add(p.cooldown)
		a.Status = models.StatusCooldown
		a.CooldownUntil = &until
		p.affinity.dropAccount(a.ID)
		p.logger.Warn("Account cooling down", "account", a.ID, "until", until.Format(time.RFC3339))
		p.persistLocked()
	}
}

// MarkUnhealthy parks an account after a dead refresh token. Failed health
// probes are counted by RecordProbe instead.
func (p *Pool) MarkUnhealthy(accountID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return
	}
	a.Status = models.StatusUnhealthy
	a.CooldownUntil = nil
	a.RecordError(string(apierr.KindInvalidRefreshToken), reason, p.now())
	p.affinity.dropAccount(a.ID)
	p.logger.Warn("Account marked unhealthy", "account", a.ID, "reason", reason)
	p.persistLocked()
}

// ApplyRefresh atomically installs the new token pair. Readers under the pool
// lock see either the old pair or the new pair, never a mix. A successful
// refresh also recovers an Unhealthy account.
func (p *Pool) ApplyRefresh(accountID, accessToken, refreshToken string, expiresAt time.Time, profileArn string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return
	}
	a.Credential.AccessToken = accessToken
	if refreshToken != "" {
		a.Credential.RefreshToken = refreshToken
	}
	a.Credential.ExpiresAt = expiresAt
	if profileArn != "" {
		a.Credential.ProfileArn = profileArn
	}
	a.ProbeFailures = 0
	if a.Status == models.StatusUnhealthy && a.Enabled {
		a.Status = models.StatusActive
		a.LastError = nil
		p.logger.Info("Account recovered by refresh", "account", a.ID)
	}
	p.persistLocked()
}

// RecordProbe tracks health-check outcomes. failThreshold consecutive
// failures park the account Unhealthy; one success clears the counter and
// recovers it.
func (p *Pool) RecordProbe(accountID string, ok bool, failThreshold int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.byID[accountID]
	if !exists {
		return
	}
	if ok {
		a.ProbeFailures = 0
		if a.Status == models.StatusUnhealthy && a.Enabled {
			a.Status = models.StatusActive
			p.logger.Info("Account recovered by probe", "account", a.ID)
			p.persistLocked()
		}
		return
	}
	a.ProbeFailures++
	if a.ProbeFailures >= failThreshold && a.Status == models.StatusActive {
		a.Status = models.StatusUnhealthy
		a.RecordError("health_check", "consecutive probe failures", p.now())
		p.affinity.dropAccount(a.ID)
		p.logger.Warn("Account unhealthy after failed probes", "account", a.ID, "failures", a.ProbeFailures)
		p.persistLocked()
	}
}

// Restore returns an Unhealthy account to Active. The management API calls
// this only after a successful refresh.
func (p *Pool) Restore(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return apierr.New(apierr.KindInternal, "account %s not found", accountID)
	}
	if !a.Enabled {
		return apierr.New(apierr.KindInternal, "account %s is disabled", accountID)
	}
	a.Status = models.StatusActive
	a.CooldownUntil = nil
	a.ProbeFailures = 0
	a.LastError = nil
	p.persistLocked()
	return nil
}

// SetEnabled flips the user bit. Disabling parks the account immediately;
// enabling returns it to Active.
func (p *Pool) SetEnabled(accountID string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return apierr.New(apierr.KindInternal, "account %s not found", accountID)
	}
	a.Enabled = enabled
	if enabled {
		a.Status = models.StatusActive
		a.CooldownUntil = nil
		a.ProbeFailures = 0
	} else {
		a.Status = models.StatusDisabled
		p.affinity.dropAccount(a.ID)
	}
	p.persistLocked()
	return nil
}

// Add inserts a new account. Its initial state is Active unless the caller
// already knows the credential is dead.
func (p *Pool) Add(a *models.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[a.ID]; exists {
		return apierr.New(apierr.KindInternal, "account %s already exists", a.ID)
	}
	if a.Status == "" {
		a.Status = models.StatusActive
	}
	p.accounts = append(p.accounts, a)
	p.byID[a.ID] = a
	p.persistLocked()
	return nil
}

// Remove deletes an account permanently.
func (p *Pool) Remove(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[accountID]; !ok {
		return apierr.New(apierr.KindInternal, "account %s not found", accountID)
	}
	delete(p.byID, accountID)
	for i, a := range p.accounts {
		if a.ID == accountID {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.accounts) {
		p.cursor = len(p.accounts) - 1
	}
	p.affinity.dropAccount(accountID)
	p.persistLocked()
	return nil
}

// Get returns an account by id.
func (p *Pool) Get(accountID string) (*models.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[accountID]
	return a, ok
}

// List returns the accounts in insertion order.
func (p *Pool) List() []*models.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// AccessToken returns a consistent token/fingerprint/expiry view for an
// account under the pool lock.
func (p *Pool) AccessToken(accountID string) (token, fingerprint, profileArn string, expiresAt time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byID[accountID]
	if !ok {
		return "", "", "", time.Time{}, apierr.New(apierr.KindInternal, "account %s not found", accountID)
	}
	now := p.now()
	return a.Credential.AccessToken, a.Fingerprint(now), a.Credential.ProfileArn, a.Credential.ExpiresAt, nil
}

// Persist writes the current account list through the store.
func (p *Pool) Persist() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistLocked()
}

func (p *Pool) persistLocked() {
	if p.store == nil {
		return
	}
	if err := p.store.Save(p.accounts); err != nil {
		p.logger.Error("Failed to persist account snapshot", "error", err)
	}
}
