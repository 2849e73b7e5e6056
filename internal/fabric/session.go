// Package fabric manages pooled Hyperledger Fabric gateway connections and the
// identities used to sign transactions.
package fabric

import (
	"context"
	"errors"
)

var (
	ErrConnectionTimeout = errors.New("fabric: connection attempt timed out")
	ErrConnectionFailed  = errors.New("fabric: connection failed")
	ErrPoolClosed        = errors.New("fabric: connection pool is closed")
	ErrPoolExhausted     = errors.New("fabric: connection pool is exhausted")
)

// Invocation is one chaincode call: the channel it targets, the user whose
// identity signs it, and the function being invoked. An empty Channel falls
// back to the session's home channel; an empty UserID signs with the gateway
// identity.
type Invocation struct {
	Channel   string
	UserID    string
	Chaincode string
	Function  string
	Args      []string
}

// Session is a live gateway connection. A session is dialed for one home
// channel but the underlying transport is channel-agnostic, so a session can
// serve invocations for any channel when the pool is at capacity.
type Session interface {
	// Submit endorses, submits and waits for commit of an invoke transaction.
	Submit(ctx context.Context, inv Invocation) ([]byte, error)
	// Evaluate runs a read-only query against the peer.
	Evaluate(ctx context.Context, inv Invocation) ([]byte, error)
	// Ping reports whether the underlying transport is still usable.
	Ping(ctx context.Context) error
	Close() error
}

// Connector dials a new session for a channel. The pool owns retry and
// lifetime policy; a connector only knows how to establish one connection.
type Connector interface {
	Connect(ctx context.Context, channel string) (Session, error)
}
