package queue

import (
	"context"
	"log/slog"

	"ibn-ledger/gateway/internal/fabric"
	"ibn-ledger/gateway/internal/platform/breaker"
)

// FabricExecutor runs tasks against a pooled gateway connection, feeding the
// fabric circuit breaker and dropping connections that look broken.
type FabricExecutor struct {
	pool    *fabric.Pool
	breaker *breaker.Breaker
	log     *slog.Logger
}

func NewFabricExecutor(pool *fabric.Pool, b *breaker.Breaker, log *slog.Logger) *FabricExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &FabricExecutor{pool: pool, breaker: b, log: log}
}

func (e *FabricExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	session, release, err := e.pool.Get(ctx, task.Request.ChannelName)
	if err != nil {
		e.record(err)
		return nil, err
	}
	defer release()

	// The invocation carries the caller so the session signs with that
	// user's credentials, and the channel so a shared session still routes
	// to the right ledger.
	inv := fabric.Invocation{
		Channel:   task.Request.ChannelName,
		UserID:    task.Caller.UserID,
		Chaincode: task.Request.ChaincodeID,
		Function:  task.Request.FunctionName,
		Args:      task.Request.Args,
	}

	var payload []byte
	switch task.Kind {
	case KindQuery:
		payload, err = session.Evaluate(ctx, inv)
	default:
		payload, err = session.Submit(ctx, inv)
	}

	if connectionClass(err) {
		e.pool.Invalidate(task.Request.ChannelName)
	}
	e.record(err)
	return payload, err
}

func (e *FabricExecutor) record(err error) {
	if e.breaker != nil {
		e.breaker.Record(err)
	}
}
