package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// TokenHeader carries the trigger secret when no bearer token is sent.
const TokenHeader = "X-Postwatch-Token"

// PollHandler requests an immediate polling pass. It validates the secret
// token when one is configured.
type PollHandler struct {
	secretToken string
	trigger     Triggerer
	logger      *logrus.Entry
}

// NewPollHandler creates a handler that optionally validates requests using
// secretToken. If secretToken is empty, token validation is skipped.
func NewPollHandler(secretToken string, trigger Triggerer, logger *logrus.Entry) *PollHandler {
	return &PollHandler{
		secretToken: secretToken,
		trigger:     trigger,
		logger:      logger.WithField("component", "poll_trigger"),
	}
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get(TokenHeader)
}

// ServeHTTP implements http.Handler.
func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.secretToken != "" {
		token := requestToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secretToken)) != 1 {
			h.logger.Warn("poll request received with invalid token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	reason := "http " + r.RemoteAddr
	queued := h.trigger.Trigger(reason)
	h.logger.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"queued": queued,
	}).Debug("poll requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if queued {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	} else {
		_, _ = w.Write([]byte(`{"status":"already_pending"}`))
	}
}
