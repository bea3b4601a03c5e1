package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/postwatch/postwatch/internal/domain"
)

// Account health as reported by Status.
const (
	HealthOK      = "ok"
	HealthBroken  = "broken"
	HealthBackoff = "backoff"
	HealthPending = "pending"
	HealthFailing = "failing"
)

type entry struct {
	account      domain.Account
	brokenErr    error
	backoffUntil time.Time
	lastErr      error
	lastRun      time.Time
	delivered    int
}

// Registry is the ordered set of tracked accounts together with their
// scheduling health. Iteration order is insertion order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	// locks serialise cycles of one handle. They outlive Remove so a
	// re-added handle cannot start a cycle beside one still in flight.
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Add registers an account or updates the exclusion policy of an existing
// one. The handle is normalised first. Re-adding clears a resolution
// failure; a resolved account id is never replaced.
func (r *Registry) Add(account domain.Account) (domain.Account, error) {
	handle, err := domain.NormalizeHandle(account.Handle)
	if err != nil {
		return domain.Account{}, err
	}
	account.Handle = handle

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[handle]; ok {
		e.account.ExcludeReplies = account.ExcludeReplies
		e.account.ExcludeRetweets = account.ExcludeRetweets
		if e.account.AccountID == "" {
			e.account.AccountID = account.AccountID
		}
		e.brokenErr = nil
		return e.account, nil
	}

	r.entries[handle] = &entry{account: account}
	if _, ok := r.locks[handle]; !ok {
		r.locks[handle] = &sync.Mutex{}
	}
	r.order = append(r.order, handle)
	return account, nil
}

// Remove drops handle from the registry. Persisted state is kept.
func (r *Registry) Remove(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[handle]; !ok {
		return false
	}
	delete(r.entries, handle)
	for i, h := range r.order {
		if h == handle {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the account registered under handle.
func (r *Registry) Get(handle string) (domain.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[handle]
	if !ok {
		return domain.Account{}, false
	}
	return e.account, true
}

// Accounts returns a snapshot of the registered accounts in insertion order.
func (r *Registry) Accounts() []domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Account, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.entries[h].account)
	}
	return out
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// TryAcquire takes the cycle lock of handle without blocking. The returned
// release func must be called when ok is true.
func (r *Registry) TryAcquire(handle string) (release func(), ok bool) {
	r.mu.RLock()
	_, found := r.entries[handle]
	lock := r.locks[handle]
	r.mu.RUnlock()
	if !found || lock == nil || !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// Eligible reports whether handle may run a cycle now. When it may not,
// reason explains why.
func (r *Registry) Eligible(handle string) (ok bool, reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, found := r.entries[handle]
	switch {
	case !found:
		return false, "not registered"
	case e.brokenErr != nil:
		return false, fmt.Sprintf("resolution failed: %v", e.brokenErr)
	case r.now().Before(e.backoffUntil):
		return false, fmt.Sprintf("rate limited until %s", e.backoffUntil.UTC().Format(time.RFC3339))
	default:
		return true, ""
	}
}

// RecordSuccess stores the outcome of a successful cycle.
func (r *Registry) RecordSuccess(handle string, state domain.PersistedState, delivered int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return
	}
	if e.account.AccountID == "" {
		e.account.AccountID = state.AccountID
	}
	if state.Cursor > e.account.Cursor {
		e.account.Cursor = state.Cursor
	}
	e.lastErr = nil
	e.lastRun = r.now()
	e.backoffUntil = time.Time{}
	e.delivered += delivered
}

// RecordFailure stores a failed cycle and updates the account's health
// according to the error kind.
func (r *Registry) RecordFailure(handle string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return
	}
	now := r.now()
	e.lastErr = err
	e.lastRun = now

	switch domain.Classify(err) {
	case domain.KindResolution:
		e.brokenErr = err
	case domain.KindRateLimited:
		if d, ok := domain.RetryAfter(err); ok && d > 0 {
			e.backoffUntil = now.Add(d)
		}
	}
}

// AccountStatus is the externally visible state of one account.
type AccountStatus struct {
	Handle          string     `json:"handle"`
	AccountID       string     `json:"account_id,omitempty"`
	ExcludeReplies  bool       `json:"exclude_replies"`
	ExcludeRetweets bool       `json:"exclude_retweets"`
	Cursor          string     `json:"cursor,omitempty"`
	Health          string     `json:"health"`
	BackoffUntil    *time.Time `json:"backoff_until,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Delivered       int        `json:"delivered"`
}

// Status returns the health of every account in insertion order.
func (r *Registry) Status() []AccountStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]AccountStatus, 0, len(r.order))
	for _, h := range r.order {
		e := r.entries[h]
		st := AccountStatus{
			Handle:          e.account.Handle,
			AccountID:       e.account.AccountID,
			ExcludeReplies:  e.account.ExcludeReplies,
			ExcludeRetweets: e.account.ExcludeRetweets,
			Cursor:          e.account.Cursor.String(),
			Delivered:       e.delivered,
		}
		switch {
		case e.brokenErr != nil:
			st.Health = HealthBroken
		case now.Before(e.backoffUntil):
			st.Health = HealthBackoff
			until := e.backoffUntil.UTC()
			st.BackoffUntil = &until
		case e.lastRun.IsZero():
			st.Health = HealthPending
		case e.lastErr != nil:
			st.Health = HealthFailing
		default:
			st.Health = HealthOK
		}
		if !e.lastRun.IsZero() {
			last := e.lastRun.UTC()
			st.LastRun = &last
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
