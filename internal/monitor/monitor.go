// Package monitor runs one incremental fetch cycle per account: resolve the
// account, fetch what is new since the cursor, drop duplicates, apply the
// exclusion filter and return the updated state for the caller to commit.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/domain"
)

// Fetcher is the remote post provider.
type Fetcher interface {
	// ResolveAccountID maps a handle to the provider's stable account id.
	ResolveAccountID(ctx context.Context, handle string) (string, error)
	// FetchRecentPosts returns one page of posts newer than since, in
	// provider order. A zero since means no cursor.
	FetchRecentPosts(ctx context.Context, accountID string, since domain.PostID) ([]domain.Post, error)
}

// ProviderOrder is the order in which the Fetcher returns a page.
type ProviderOrder string

const (
	NewestFirst ProviderOrder = "newest_first"
	OldestFirst ProviderOrder = "oldest_first"
)

// Options tunes a Monitor.
type Options struct {
	Order ProviderOrder
	// SeenCapacity bounds the dedup window. It must exceed the page size.
	SeenCapacity int
	// FetchTimeout bounds every provider call of a cycle. Zero disables it.
	FetchTimeout time.Duration
	// EmitOnFirstRun delivers the first page of a never-observed account
	// instead of only recording it as the baseline.
	EmitOnFirstRun bool
}

// CycleResult is the outcome of one successful cycle.
type CycleResult struct {
	Handle string
	// Accepted holds new posts that passed the filter, oldest first.
	Accepted []domain.Post
	// State is the state to commit.
	State domain.PersistedState
	// Priming is set on the first cycle of an account when first-run
	// delivery is disabled; Accepted is recorded but not delivered.
	Priming bool

	Fetched    int
	Duplicates int
	Filtered   int

	changed bool
}

// Changed reports whether State differs from the state the cycle started
// from. Unchanged results need no commit.
func (r CycleResult) Changed() bool { return r.changed }

// Deliverable returns the posts observers should receive.
func (r CycleResult) Deliverable() []domain.Post {
	if r.Priming {
		return nil
	}
	return r.Accepted
}

// Monitor executes account cycles against a Fetcher.
type Monitor struct {
	fetcher Fetcher
	opts    Options
	logger  *logrus.Entry
}

// New creates a Monitor.
func New(fetcher Fetcher, opts Options, logger *logrus.Entry) *Monitor {
	if opts.Order == "" {
		opts.Order = NewestFirst
	}
	if opts.SeenCapacity <= 0 {
		opts.SeenCapacity = domain.DefaultSeenCapacity
	}
	return &Monitor{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// RunCycle performs one fetch cycle. On error the returned result is empty
// and state must be left as it was.
func (m *Monitor) RunCycle(ctx context.Context, account domain.Account, state domain.PersistedState) (CycleResult, error) {
	log := m.logger.WithField("handle", account.Handle)
	firstRun := !state.HasCursor() && state.LastUpdated.IsZero()

	next := state.Clone()
	next.Seen.SetCapacity(m.opts.SeenCapacity)
	changed := firstRun

	accountID := state.AccountID
	if accountID == "" {
		accountID = account.AccountID
	}
	if accountID == "" {
		id, err := m.call(ctx, func(ctx context.Context) (string, error) {
			return m.fetcher.ResolveAccountID(ctx, account.Handle)
		})
		if err != nil {
			return CycleResult{}, m.wrap(account.Handle, "resolve", err)
		}
		accountID = id
		log.WithField("account_id", id).Info("resolved account id")
	}
	if next.AccountID != accountID {
		next.AccountID = accountID
		changed = true
	}

	var page []domain.Post
	_, err := m.call(ctx, func(ctx context.Context) (string, error) {
		var err error
		page, err = m.fetcher.FetchRecentPosts(ctx, accountID, state.Cursor)
		return "", err
	})
	if err != nil {
		return CycleResult{}, m.wrap(account.Handle, "fetch", err)
	}

	result := CycleResult{
		Handle:  account.Handle,
		Fetched: len(page),
		Priming: firstRun && !m.opts.EmitOnFirstRun,
	}

	for _, post := range chronological(page, m.opts.Order) {
		if next.IsDuplicate(post.ID) {
			result.Duplicates++
			continue
		}
		next.Seen.Add(post.ID)
		if post.ID > next.Cursor {
			next.Cursor = post.ID
		}
		changed = true

		if !Accept(post, account) {
			result.Filtered++
			continue
		}
		result.Accepted = append(result.Accepted, post)
	}

	result.State = next
	result.changed = changed

	log.WithFields(logrus.Fields{
		"fetched":    result.Fetched,
		"accepted":   len(result.Accepted),
		"duplicates": result.Duplicates,
		"filtered":   result.Filtered,
		"cursor":     next.Cursor.String(),
		"priming":    result.Priming,
	}).Debug("cycle complete")

	return result, nil
}

// call runs fn under the configured fetch timeout.
func (m *Monitor) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if m.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.FetchTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// wrap attaches the handle to provider errors while keeping their kind.
func (m *Monitor) wrap(handle, op string, err error) error {
	var resErr *domain.ResolutionError
	if errors.As(err, &resErr) && resErr.Handle != handle {
		return &domain.ResolutionError{Handle: handle, Err: resErr.Err}
	}
	return fmt.Errorf("%s @%s: %w", op, handle, err)
}

// chronological returns page oldest first without modifying it.
func chronological(page []domain.Post, order ProviderOrder) []domain.Post {
	out := make([]domain.Post, len(page))
	if order == OldestFirst {
		copy(out, page)
		return out
	}
	for i, p := range page {
		out[len(page)-1-i] = p
	}
	return out
}
