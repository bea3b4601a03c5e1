package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/domain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeFetcher serves scripted pages and records the since value of every
// fetch.
type fakeFetcher struct {
	ids       map[string]string
	pages     [][]domain.Post
	err       error
	resolveN  int
	sinceSeen []domain.PostID
	block     bool
}

func (f *fakeFetcher) ResolveAccountID(ctx context.Context, handle string) (string, error) {
	f.resolveN++
	id, ok := f.ids[handle]
	if !ok {
		return "", &domain.ResolutionError{Handle: handle}
	}
	return id, nil
}

func (f *fakeFetcher) FetchRecentPosts(ctx context.Context, accountID string, since domain.PostID) ([]domain.Post, error) {
	f.sinceSeen = append(f.sinceSeen, since)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return page, nil
}

func posts(ids ...domain.PostID) []domain.Post {
	out := make([]domain.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Post{ID: id, Text: id.String(), CreatedAt: time.Unix(int64(id), 0).UTC()})
	}
	return out
}

func ids(ps []domain.Post) []domain.PostID {
	out := make([]domain.PostID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func equalIDs(a, b []domain.PostID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// committed mimics what a store does with a result's state.
func committed(r CycleResult) domain.PersistedState {
	st := r.State.Clone()
	st.LastUpdated = time.Now()
	return st
}

func TestRunCyclePrimingThenIncremental(t *testing.T) {
	f := &fakeFetcher{
		ids: map[string]string{"acct1": "1"},
		pages: [][]domain.Post{
			posts(105, 104, 103),
			posts(107, 106, 105, 104),
		},
	}
	m := New(f, Options{}, testLogger())
	acct := domain.Account{Handle: "acct1"}

	first, err := m.RunCycle(context.Background(), acct, domain.PersistedState{})
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if !first.Priming {
		t.Fatal("first cycle should be priming")
	}
	if len(first.Deliverable()) != 0 {
		t.Fatalf("priming cycle delivered %v", ids(first.Deliverable()))
	}
	if first.State.Cursor != 105 {
		t.Fatalf("cursor = %s, want 105", first.State.Cursor)
	}
	if !equalIDs(first.State.Seen.IDs(), []domain.PostID{103, 104, 105}) {
		t.Fatalf("seen = %v, want [103 104 105]", first.State.Seen.IDs())
	}
	if first.State.AccountID != "1" || !first.Changed() {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := m.RunCycle(context.Background(), acct, committed(first))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Priming {
		t.Fatal("second cycle should not be priming")
	}
	if got := ids(second.Deliverable()); !equalIDs(got, []domain.PostID{106, 107}) {
		t.Fatalf("delivered = %v, want [106 107]", got)
	}
	if second.State.Cursor != 107 {
		t.Fatalf("cursor = %s, want 107", second.State.Cursor)
	}
	if second.Duplicates != 2 {
		t.Fatalf("duplicates = %d, want 2", second.Duplicates)
	}
	if !equalIDs(f.sinceSeen, []domain.PostID{0, 105}) {
		t.Fatalf("since values = %v, want [0 105]", f.sinceSeen)
	}
	if f.resolveN != 1 {
		t.Fatalf("resolved %d times, want 1", f.resolveN)
	}
}

func TestRunCycleEmitOnFirstRun(t *testing.T) {
	f := &fakeFetcher{ids: map[string]string{"a": "1"}, pages: [][]domain.Post{posts(3, 2, 1)}}
	m := New(f, Options{EmitOnFirstRun: true}, testLogger())

	res, err := m.RunCycle(context.Background(), domain.Account{Handle: "a"}, domain.PersistedState{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Priming {
		t.Fatal("priming with EmitOnFirstRun")
	}
	if got := ids(res.Deliverable()); !equalIDs(got, []domain.PostID{1, 2, 3}) {
		t.Fatalf("delivered = %v, want [1 2 3]", got)
	}
}

func TestRunCycleExcludeRetweetsAdvancesCursor(t *testing.T) {
	rt := domain.Post{ID: 10, IsRetweet: true}
	f := &fakeFetcher{ids: map[string]string{"b": "2"}, pages: [][]domain.Post{{rt}, nil}}
	m := New(f, Options{EmitOnFirstRun: true}, testLogger())
	acct := domain.Account{Handle: "b", ExcludeRetweets: true}

	res, err := m.RunCycle(context.Background(), acct, domain.PersistedState{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("accepted = %v, want none", ids(res.Accepted))
	}
	if res.State.Cursor != 10 || res.Filtered != 1 {
		t.Fatalf("cursor = %s filtered = %d, want 10 and 1", res.State.Cursor, res.Filtered)
	}

	if _, err := m.RunCycle(context.Background(), acct, committed(res)); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if got := f.sinceSeen[len(f.sinceSeen)-1]; got != 10 {
		t.Fatalf("next fetch since = %s, want 10", got)
	}
}

func TestRunCycleExcludeReplies(t *testing.T) {
	page := []domain.Post{
		{ID: 23},
		{ID: 22, IsReply: true},
		{ID: 21, IsRetweet: true},
	}
	f := &fakeFetcher{ids: map[string]string{"c": "3"}, pages: [][]domain.Post{page}}
	m := New(f, Options{EmitOnFirstRun: true}, testLogger())

	res, err := m.RunCycle(context.Background(), domain.Account{Handle: "c", ExcludeReplies: true}, domain.PersistedState{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := ids(res.Accepted); !equalIDs(got, []domain.PostID{21, 23}) {
		t.Fatalf("accepted = %v, want [21 23]", got)
	}
	for _, p := range res.Accepted {
		if p.IsReply {
			t.Fatalf("reply %s accepted", p.ID)
		}
	}
	if res.State.Cursor != 23 || !res.State.Seen.Contains(22) {
		t.Fatalf("filtered reply did not advance state: %+v", res.State)
	}
}

func TestRunCycleIdempotentReplay(t *testing.T) {
	f := &fakeFetcher{ids: map[string]string{"d": "4"}, pages: [][]domain.Post{posts(5, 4), posts(5, 4)}}
	m := New(f, Options{}, testLogger())
	acct := domain.Account{Handle: "d"}

	first, err := m.RunCycle(context.Background(), acct, domain.PersistedState{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	stored := committed(first)

	second, err := m.RunCycle(context.Background(), acct, stored)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Changed() {
		t.Fatal("replay reported a state change")
	}
	if len(second.Accepted) != 0 {
		t.Fatalf("replay accepted %v", ids(second.Accepted))
	}
	if second.State.Cursor != stored.Cursor || !equalIDs(second.State.Seen.IDs(), stored.Seen.IDs()) {
		t.Fatalf("replay changed state: %+v vs %+v", second.State, stored)
	}
}

func TestRunCycleSeenWindowCatchesOutOfOrderIDs(t *testing.T) {
	// An id below the cursor that was never seen is still a duplicate by
	// cursor; an id above the cursor already in the window is caught by it.
	st := domain.PersistedState{AccountID: "5", Cursor: 50, Seen: domain.NewSeenWindow(10), LastUpdated: time.Now()}
	st.Seen.Add(50)
	st.Seen.Add(60)

	f := &fakeFetcher{pages: [][]domain.Post{posts(61, 60, 49)}}
	m := New(f, Options{SeenCapacity: 10}, testLogger())

	res, err := m.RunCycle(context.Background(), domain.Account{Handle: "e"}, st)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := ids(res.Accepted); !equalIDs(got, []domain.PostID{61}) {
		t.Fatalf("accepted = %v, want [61]", got)
	}
	if res.Duplicates != 2 {
		t.Fatalf("duplicates = %d, want 2", res.Duplicates)
	}
}

func TestRunCycleOldestFirstOrder(t *testing.T) {
	f := &fakeFetcher{ids: map[string]string{"f": "6"}, pages: [][]domain.Post{posts(1, 2, 3)}}
	m := New(f, Options{Order: OldestFirst, EmitOnFirstRun: true}, testLogger())

	res, err := m.RunCycle(context.Background(), domain.Account{Handle: "f"}, domain.PersistedState{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := ids(res.Accepted); !equalIDs(got, []domain.PostID{1, 2, 3}) {
		t.Fatalf("accepted = %v, want [1 2 3]", got)
	}
}

func TestRunCycleErrorsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.Kind
	}{
		{"rate limited", &domain.RateLimitedError{RetryAfter: time.Minute}, domain.KindRateLimited},
		{"transient", &domain.TransientError{Err: errors.New("reset by peer")}, domain.KindTransient},
		{"auth", &domain.AuthError{}, domain.KindAuth},
		{"unknown", errors.New("boom"), domain.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := domain.PersistedState{AccountID: "7", Cursor: 9, Seen: domain.NewSeenWindow(0), LastUpdated: time.Now()}
			st.Seen.Add(9)
			before := st.Clone()

			m := New(&fakeFetcher{err: tt.err}, Options{}, testLogger())
			res, err := m.RunCycle(context.Background(), domain.Account{Handle: "g"}, st)
			if got := domain.Classify(err); got != tt.kind {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tt.kind)
			}
			if res.Changed() || len(res.Accepted) != 0 {
				t.Fatalf("failed cycle returned data: %+v", res)
			}
			if st.Cursor != before.Cursor || !equalIDs(st.Seen.IDs(), before.Seen.IDs()) {
				t.Fatal("input state mutated")
			}
		})
	}
}

func TestRunCycleResolutionError(t *testing.T) {
	m := New(&fakeFetcher{ids: map[string]string{}}, Options{}, testLogger())
	_, err := m.RunCycle(context.Background(), domain.Account{Handle: "ghost"}, domain.PersistedState{})
	var resErr *domain.ResolutionError
	if !errors.As(err, &resErr) || resErr.Handle != "ghost" {
		t.Fatalf("err = %v, want ResolutionError for ghost", err)
	}
}

func TestRunCycleFetchTimeoutIsTransient(t *testing.T) {
	f := &fakeFetcher{ids: map[string]string{"h": "8"}, block: true}
	m := New(f, Options{FetchTimeout: 20 * time.Millisecond}, testLogger())

	_, err := m.RunCycle(context.Background(), domain.Account{Handle: "h"}, domain.PersistedState{})
	if got := domain.Classify(err); got != domain.KindTransient {
		t.Fatalf("Classify(%v) = %s, want transient", err, got)
	}
}

func TestRunCycleMonotonicCursor(t *testing.T) {
	f := &fakeFetcher{
		ids: map[string]string{"i": "9"},
		pages: [][]domain.Post{
			posts(10, 9),
			posts(8, 7), // stale page below the cursor
			posts(12, 11, 10),
			nil,
		},
	}
	m := New(f, Options{}, testLogger())
	acct := domain.Account{Handle: "i"}

	st := domain.PersistedState{}
	var last domain.PostID
	for i := 0; i < 4; i++ {
		res, err := m.RunCycle(context.Background(), acct, st)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if res.State.Cursor < last {
			t.Fatalf("cycle %d: cursor went back from %s to %s", i, last, res.State.Cursor)
		}
		last = res.State.Cursor
		st = committed(res)
	}
	if last != 12 {
		t.Fatalf("final cursor = %s, want 12", last)
	}
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name    string
		post    domain.Post
		account domain.Account
		want    bool
	}{
		{"plain", domain.Post{}, domain.Account{ExcludeReplies: true, ExcludeRetweets: true}, true},
		{"reply kept", domain.Post{IsReply: true}, domain.Account{}, true},
		{"reply excluded", domain.Post{IsReply: true}, domain.Account{ExcludeReplies: true}, false},
		{"retweet kept", domain.Post{IsRetweet: true}, domain.Account{ExcludeReplies: true}, true},
		{"retweet excluded", domain.Post{IsRetweet: true}, domain.Account{ExcludeRetweets: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accept(tt.post, tt.account); got != tt.want {
				t.Fatalf("Accept = %v, want %v", got, tt.want)
			}
		})
	}
}
