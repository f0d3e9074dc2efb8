package pool

import (
	"time"
)

// affinityEntry binds a session key to an account for the stickiness window.
type affinityEntry struct {
	accountID string
	expiresAt time.Time
}

// affinityTable maps session keys to accounts with a sliding TTL. It has no
// background sweeper: expired entries are evicted on read miss. Callers hold
// the pool lock.
type affinityTable struct {
	ttl     time.Duration
	entries map[string]affinityEntry
}

func newAffinityTable(ttl time.Duration) *affinityTable {
	return &affinityTable{
		ttl:     ttl,
		entries: make(map[string]affinityEntry),
	}
}

// lookup returns the bound account id for the session key, evicting the
// entry if it has expired.
func (t *affinityTable) lookup(sessionKey string, now time.Time) (string, bool) {
	entry, ok := t.entries[sessionKey]
	if !ok {
		return "", false
	}
	if now.After(entry.expiresAt) {
		delete(t.entries, sessionKey)
		return "", false
	}
	return entry.accountID, true
}

// bind creates or refreshes the entry for the session key.
func (t *affinityTable) bind(sessionKey, accountID string, now time.Time) {
	if sessionKey == "" {
		return
	}
	t.entries[sessionKey] = affinityEntry{
		accountID: accountID,
		expiresAt: now.Add(t.ttl),
	}
}

// drop removes any binding for the session key.
func (t *affinityTable) drop(sessionKey string) {
	delete(t.entries, sessionKey)
}

// dropAccount removes every binding to the given account. Used when the
// account leaves Active.
func (t *affinityTable) dropAccount(accountID string) {
	for key, entry := range t.entries {
		if entry.accountID == accountID {
			delete(t.entries, key)
		}
	}
}
