package xapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
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

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:     srv.URL,
		BearerToken: "test-token",
		PageSize:    20,
		Timeout:     5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{}, testLogger())
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestResolveAccountID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/2/users/by/username/jack" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"data":{"id":"12","username":"jack","name":"Jack"}}`)
	}))

	id, err := c.ResolveAccountID(context.Background(), "jack")
	if err != nil {
		t.Fatalf("ResolveAccountID: %v", err)
	}
	if id != "12" {
		t.Fatalf("id = %q, want 12", id)
	}
}

func TestResolveAccountIDNotFound(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr domain.Kind
	}{
		{"errors without data", http.StatusOK, `{"errors":[{"title":"Not Found Error","detail":"Could not find user with username: [ghost]."}]}`, domain.KindResolution},
		{"404", http.StatusNotFound, `{}`, domain.KindResolution},
		{"401", http.StatusUnauthorized, `{"title":"Unauthorized"}`, domain.KindAuth},
		{"403", http.StatusForbidden, `{"title":"Forbidden"}`, domain.KindAuth},
		{"503", http.StatusServiceUnavailable, `oops`, domain.KindTransient},
		{"400", http.StatusBadRequest, `{"title":"Invalid Request"}`, domain.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			_, err := c.ResolveAccountID(context.Background(), "ghost")
			if got := domain.Classify(err); got != tt.wantErr {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tt.wantErr)
			}
		})
	}
}

func TestFetchRecentPosts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/12/tweets" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("since_id") != "100" {
			t.Errorf("since_id = %q, want 100", q.Get("since_id"))
		}
		if q.Get("max_results") != "20" {
			t.Errorf("max_results = %q, want 20", q.Get("max_results"))
		}
		if q.Get("tweet.fields") != tweetFields {
			t.Errorf("tweet.fields = %q", q.Get("tweet.fields"))
		}
		_, _ = io.WriteString(w, `{
			"data": [
				{"id":"103","text":"rt","created_at":"2024-05-01T10:03:00.000Z","author_id":"12",
				 "public_metrics":{"like_count":0,"retweet_count":9,"reply_count":0},
				 "referenced_tweets":[{"type":"retweeted","id":"50"}]},
				{"id":"102","text":"reply","created_at":"2024-05-01T10:02:00.000Z","author_id":"12",
				 "referenced_tweets":[{"type":"replied_to","id":"51"}]},
				{"id":"101","text":"hello","created_at":"2024-05-01T10:01:00.000Z","author_id":"12",
				 "public_metrics":{"like_count":4,"retweet_count":1,"reply_count":2}}
			],
			"meta": {"result_count":3,"newest_id":"103","oldest_id":"101"}
		}`)
	}))

	posts, err := c.FetchRecentPosts(context.Background(), "12", 100)
	if err != nil {
		t.Fatalf("FetchRecentPosts: %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("len = %d, want 3", len(posts))
	}
	if posts[0].ID != 103 || !posts[0].IsRetweet || posts[0].IsReply {
		t.Errorf("posts[0] = %+v", posts[0])
	}
	if posts[1].ID != 102 || !posts[1].IsReply || posts[1].IsRetweet {
		t.Errorf("posts[1] = %+v", posts[1])
	}
	p := posts[2]
	if p.ID != 101 || p.Text != "hello" || p.AuthorID != "12" {
		t.Errorf("posts[2] = %+v", p)
	}
	if p.Metrics != (domain.Metrics{LikeCount: 4, RetweetCount: 1, ReplyCount: 2}) {
		t.Errorf("metrics = %+v", p.Metrics)
	}
	if want := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC); !p.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", p.CreatedAt, want)
	}
	if p.URL != "https://twitter.com/i/web/status/101" {
		t.Errorf("url = %q", p.URL)
	}
}

func TestFetchRecentPostsWithoutCursor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["since_id"]; ok {
			t.Error("since_id sent without a cursor")
		}
		_, _ = io.WriteString(w, `{"meta":{"result_count":0}}`)
	}))

	posts, err := c.FetchRecentPosts(context.Background(), "12", 0)
	if err != nil {
		t.Fatalf("FetchRecentPosts: %v", err)
	}
	if len(posts) != 0 {
		t.Fatalf("len = %d, want 0", len(posts))
	}
}

func TestFetchRecentPostsRateLimited(t *testing.T) {
	reset := time.Now().Add(2 * time.Minute).Unix()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"title":"Too Many Requests"}`)
	}))

	_, err := c.FetchRecentPosts(context.Background(), "12", 0)
	if domain.Classify(err) != domain.KindRateLimited {
		t.Fatalf("Classify(%v) = %s, want rate_limited", err, domain.Classify(err))
	}
	d, ok := domain.RetryAfter(err)
	if !ok || d <= time.Minute || d > 2*time.Minute {
		t.Fatalf("RetryAfter = %v, %v; want about 2m", d, ok)
	}

	// The exhausted window parks later requests without hitting the server.
	_, err = c.FetchRecentPosts(context.Background(), "12", 0)
	if domain.Classify(err) != domain.KindRateLimited {
		t.Fatalf("second call Classify(%v) = %s, want rate_limited", err, domain.Classify(err))
	}
}

func TestFetchRecentPostsTimeout(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchRecentPosts(ctx, "12", 0)
	if domain.Classify(err) != domain.KindTransient {
		t.Fatalf("Classify(%v) = %s, want transient", err, domain.Classify(err))
	}
}

func TestClampPageSize(t *testing.T) {
	tests := map[int]int{0: 10, -3: 10, 1: 5, 5: 5, 50: 50, 100: 100, 500: 100}
	for in, want := range tests {
		if got := clampPageSize(in); got != want {
			t.Errorf("clampPageSize(%d) = %d, want %d", in, got, want)
		}
	}
}
