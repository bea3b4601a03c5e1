// Package xapi is a minimal client for the X (Twitter) API v2 endpoints
// needed to follow accounts: username lookup and the user timeline.
package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/domain"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.twitter.com"

const (
	tweetFields = "id,text,created_at,author_id,public_metrics,referenced_tweets"

	minPageSize = 5
	maxPageSize = 100

	// defaultRateLimitBackoff is used for 429 responses without usable headers.
	defaultRateLimitBackoff = 15 * time.Minute

	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	BearerToken string
	// PageSize is sent as max_results and clamped to 5..100.
	PageSize int
	// RequestsPerSecond and Burst configure local pacing; zero disables it.
	RequestsPerSecond float64
	Burst             int
	// MaxBackoffWait is the longest a request waits on a remote backoff
	// before failing fast with a RateLimitedError.
	MaxBackoffWait time.Duration
	Timeout        time.Duration
	// HTTPClient replaces the default transport chain; the bearer token is
	// still added.
	HTTPClient *http.Client
}

// Client talks to the X API v2 with app-only bearer authentication.
type Client struct {
	http        *http.Client
	baseURL     string
	pageSize    int
	rateLimiter *RateLimiter
	logger      *logrus.Entry
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// New creates a Client. The bearer token is required.
func New(opts Options, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(opts.BearerToken) == "" {
		return nil, &domain.AuthError{Err: errors.New("bearer token is not set")}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := http.DefaultTransport
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		base = opts.HTTPClient.Transport
	}
	httpClient := &http.Client{
		Transport: &bearerTransport{token: opts.BearerToken, base: base},
		Timeout:   timeout,
	}

	return &Client{
		http:        httpClient,
		baseURL:     baseURL,
		pageSize:    clampPageSize(opts.PageSize),
		rateLimiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst, opts.MaxBackoffWait, logger.WithField("component", "rate_limiter")),
		logger:      logger,
	}, nil
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return 10
	case n < minPageSize:
		return minPageSize
	case n > maxPageSize:
		return maxPageSize
	default:
		return n
	}
}

// RateLimiter returns the client's rate limiter.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// apiError is one entry of the v2 "errors" array.
type apiError struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e apiError) String() string {
	for _, s := range []string{e.Detail, e.Message, e.Title} {
		if s != "" {
			return s
		}
	}
	return e.Type
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

type tweet struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	AuthorID      string    `json:"author_id"`
	PublicMetrics struct {
		LikeCount    int `json:"like_count"`
		RetweetCount int `json:"retweet_count"`
		ReplyCount   int `json:"reply_count"`
	} `json:"public_metrics"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type timelineResponse struct {
	Data []tweet `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
	} `json:"meta"`
	Errors []apiError `json:"errors"`
}

// errNotFound is returned by get for 404 responses so callers can turn it
// into a ResolutionError.
var errNotFound = errors.New("not found")

// ResolveAccountID looks up the numeric id of handle.
func (c *Client) ResolveAccountID(ctx context.Context, handle string) (string, error) {
	var resp userResponse
	err := c.get(ctx, "/2/users/by/username/"+url.PathEscape(handle), nil, &resp)
	if errors.Is(err, errNotFound) {
		return "", &domain.ResolutionError{Handle: handle, Err: err}
	}
	if err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		var cause error
		if len(resp.Errors) > 0 {
			cause = errors.New(resp.Errors[0].String())
		}
		return "", &domain.ResolutionError{Handle: handle, Err: cause}
	}

	c.logger.WithFields(logrus.Fields{
		"handle":     handle,
		"account_id": resp.Data.ID,
	}).Debug("resolved account")
	return resp.Data.ID, nil
}

// FetchRecentPosts returns up to one page of the account's posts newer than
// since, newest first as the API returns them. A zero since fetches the
// latest page.
func (c *Client) FetchRecentPosts(ctx context.Context, accountID string, since domain.PostID) ([]domain.Post, error) {
	query := url.Values{}
	query.Set("tweet.fields", tweetFields)
	query.Set("max_results", fmt.Sprint(c.pageSize))
	if !since.IsZero() {
		query.Set("since_id", since.String())
	}

	var resp timelineResponse
	err := c.get(ctx, "/2/users/"+url.PathEscape(accountID)+"/tweets", query, &resp)
	if errors.Is(err, errNotFound) {
		return nil, &domain.ResolutionError{Handle: accountID, Err: err}
	}
	if err != nil {
		return nil, err
	}
	if resp.Data == nil && len(resp.Errors) > 0 {
		return nil, fmt.Errorf("timeline %s: %s", accountID, resp.Errors[0].String())
	}

	posts := make([]domain.Post, 0, len(resp.Data))
	for _, t := range resp.Data {
		p, err := t.toPost()
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func (t tweet) toPost() (domain.Post, error) {
	id, err := domain.ParsePostID(t.ID)
	if err != nil {
		return domain.Post{}, fmt.Errorf("decoding post: %w", err)
	}
	p := domain.Post{
		ID:        id,
		Text:      t.Text,
		CreatedAt: t.CreatedAt,
		AuthorID:  t.AuthorID,
		URL:       domain.PostURL(id),
		Metrics: domain.Metrics{
			LikeCount:    t.PublicMetrics.LikeCount,
			RetweetCount: t.PublicMetrics.RetweetCount,
			ReplyCount:   t.PublicMetrics.ReplyCount,
		},
	}
	for _, ref := range t.ReferencedTweets {
		switch ref.Type {
		case "replied_to":
			p.IsReply = true
		case "retweeted":
			p.IsRetweet = true
		}
	}
	return p, nil
}

// get performs a rate-limited GET and decodes the JSON body into out. Non-2xx
// statuses are mapped onto the domain error taxonomy.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		var rateErr *domain.RateLimitedError
		if errors.As(err, &rateErr) {
			return err
		}
		return &domain.TransientError{Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.rateLimiter.UpdateFromHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.statusError(resp, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, body []byte) error {
	detail := fmt.Errorf("x api: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Err: detail}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", errNotFound, detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{
			RetryAfter: c.rateLimiter.RetryAfter(resp.Header, defaultRateLimitBackoff),
			Err:        detail,
		}
	case resp.StatusCode >= 500:
		return &domain.TransientError{Err: detail}
	default:
		return detail
	}
}

// classifyTransportError treats every failure of http.Client.Do as
// transient except caller cancellation.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.TransientError{Err: err}
}
