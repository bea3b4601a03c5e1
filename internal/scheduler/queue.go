package scheduler

import (
	"github.com/sirupsen/logrus"
)

// TriggerQueue holds on-demand pass requests (e.g. from POST /poll). Requests
// coalesce: while one is pending, further requests are dropped because the
// pending pass will cover them.
type TriggerQueue struct {
	ch     chan string
	logger *logrus.Entry
}

// NewTriggerQueue creates an empty queue.
func NewTriggerQueue(logger *logrus.Entry) *TriggerQueue {
	return &TriggerQueue{
		ch:     make(chan string, 1),
		logger: logger.WithField("component", "trigger_queue"),
	}
}

// Enqueue requests a pass. It reports false if a request was already
// pending.
func (q *TriggerQueue) Enqueue(reason string) bool {
	select {
	case q.ch <- reason:
		q.logger.WithField("reason", reason).Debug("pass requested")
		return true
	default:
		q.logger.WithField("reason", reason).Debug("pass already pending, request coalesced")
		return false
	}
}

// C delivers pending requests.
func (q *TriggerQueue) C() <-chan string {
	return q.ch
}
