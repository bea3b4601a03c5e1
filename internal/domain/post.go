// Package domain holds the entities shared by the monitoring engine, the
// X API client, and the state stores.
package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PostID is a provider-assigned post identifier. X ids are snowflakes, so
// numeric order matches recency. The zero value means "no post".
type PostID uint64

// ParsePostID parses the decimal string form used by the X API.
func ParsePostID(s string) (PostID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing post id %q: %w", s, err)
	}
	return PostID(n), nil
}

// IsZero reports whether the id is unset.
func (id PostID) IsZero() bool { return id == 0 }

func (id PostID) String() string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalText encodes the id in its decimal string form so JSON documents
// carry the provider representation.
func (id PostID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts the decimal string form; an empty string decodes
// to the zero id.
func (id *PostID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = 0
		return nil
	}
	parsed, err := ParsePostID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Metrics are the public engagement counters of a post at fetch time.
type Metrics struct {
	LikeCount    int `json:"like_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
}

// Post is a single fetched post. It is never mutated after the fetch.
type Post struct {
	ID        PostID    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  string    `json:"author_id"`
	URL       string    `json:"url,omitempty"`
	Metrics   Metrics   `json:"metrics"`
	IsReply   bool      `json:"is_reply"`
	IsRetweet bool      `json:"is_retweet"`
}

// PostURL returns the canonical web link for a post id.
func PostURL(id PostID) string {
	return "https://twitter.com/i/web/status/" + id.String()
}

// Account is a tracked handle together with its exclusion policy.
type Account struct {
	Handle          string `json:"handle"`
	AccountID       string `json:"account_id,omitempty"`
	ExcludeReplies  bool   `json:"exclude_replies"`
	ExcludeRetweets bool   `json:"exclude_retweets"`
	Cursor          PostID `json:"cursor,omitempty"`
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// ErrInvalidHandle is returned for handles that are not valid X usernames.
var ErrInvalidHandle = errors.New("invalid handle")

// NormalizeHandle strips a leading @ and surrounding space, lowercases the
// result, and checks it against the X username alphabet.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !handlePattern.MatchString(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return h, nil
}
