package queue

import (
	"context"
	"errors"
	"strings"

	"ibn-ledger/gateway/internal/fabric"
)

var transientFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"econnreset",
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"unavailable",
	"eof",
}

// retryable reports whether an execution error is worth another attempt.
// Connection-class and timeout failures are transient; endorsement and
// validation failures are not, since replaying them cannot change the answer.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, fabric.ErrConnectionTimeout) ||
		errors.Is(err, fabric.ErrConnectionFailed) ||
		errors.Is(err, fabric.ErrPoolExhausted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// connectionClass reports whether the error indicates a broken transport, in
// which case the pooled connection for the channel should be dropped.
func connectionClass(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fabric.ErrConnectionFailed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"econnreset", "connection reset", "connection refused", "connection closed", "broken pipe", "unavailable", "eof"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
