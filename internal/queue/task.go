// Package queue schedules Fabric transactions by priority under a bounded
// concurrency budget, with per-task timeouts and retry escalation.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"ibn-ledger/gateway/pkg/models"
)

// Kind separates submit-and-commit invokes from read-only queries.
type Kind string

const (
	KindInvoke Kind = "invoke"
	KindQuery  Kind = "query"
)

// Outcome is the terminal result delivered to the submitter.
type Outcome struct {
	Result models.TransactionResult
	Err    error
}

// Task is one queued transaction. Priority can rise across retries but never
// beyond the configured ceiling.
type Task struct {
	ID      string
	Request models.TransactionRequest
	Kind    Kind
	Caller  models.Caller

	Priority    int
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration

	EnqueuedAt time.Time
	StartedAt  time.Time
	LastError  string

	seq  uint64
	done chan Outcome
}

func newTaskID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "task_fallback"
	}
	return "task_" + hex.EncodeToString(buf)
}

func (t *Task) summary() models.TaskSummary {
	return models.TaskSummary{
		ID:        t.ID,
		Priority:  t.Priority,
		Attempts:  t.Attempts,
		StartedAt: t.StartedAt,
		Metadata: map[string]string{
			"chaincode": t.Request.ChaincodeID,
			"channel":   t.Request.ChannelName,
			"function":  t.Request.FunctionName,
			"type":      string(t.Kind),
		},
	}
}
