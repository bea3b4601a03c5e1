package monitor

import "github.com/postwatch/postwatch/internal/domain"

// Accept reports whether post passes the account's exclusion policy.
// Rejected posts still advance the cursor; only delivery is suppressed.
func Accept(post domain.Post, account domain.Account) bool {
	if account.ExcludeReplies && post.IsReply {
		return false
	}
	if account.ExcludeRetweets && post.IsRetweet {
		return false
	}
	return true
}
