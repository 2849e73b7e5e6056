package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/pkg/models"
)

// Pool keeps at most one live session per channel and bounds the total number
// of open connections. Concurrent borrowers of the same channel share the
// session; the pool tracks references so sweeping never closes a connection
// mid-call.
type Pool struct {
	cfg       config.Pool
	connector Connector
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	conns      map[string]*pooledConn
	connecting map[string]chan struct{}
	closed     bool
	probeFails int

	now func() time.Time
}

type pooledConn struct {
	session   Session
	channel   string
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	refs      int
}

func NewPool(cfg config.Pool, connector Connector, log *slog.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:        cfg,
		connector:  connector,
		log:        log,
		metrics:    m,
		conns:      make(map[string]*pooledConn),
		connecting: make(map[string]chan struct{}),
		now:        time.Now,
	}
}

// Get returns the session for a channel, dialing one if needed. The release
// function must be called exactly once when the borrower is done.
func (p *Pool) Get(ctx context.Context, channel string) (Session, func(), error) {
	if channel == "" {
		channel = models.DefaultChannel
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, ErrPoolClosed
		}
		if c, ok := p.conns[channel]; ok {
			c.refs++
			c.useCount++
			c.lastUsed = p.now()
			p.mu.Unlock()
			return c.session, p.releaseFunc(channel, c), nil
		}
		if wait, ok := p.connecting[channel]; ok {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, ctx.Err())
			}
		}
		// In-flight dials hold a capacity slot so concurrent Gets for new
		// channels cannot push the pool past its maximum.
		if len(p.conns)+len(p.connecting) >= p.cfg.MaxConnections {
			if c := p.leastLoadedLocked(); c != nil {
				c.refs++
				c.useCount++
				c.lastUsed = p.now()
				p.mu.Unlock()
				p.log.Warn("connection pool full, sharing an existing session",
					"requested", channel, "shared", c.channel)
				return c.session, p.releaseFunc(c.channel, c), nil
			}
			p.mu.Unlock()
			return nil, nil, ErrPoolExhausted
		}
		done := make(chan struct{})
		p.connecting[channel] = done
		p.mu.Unlock()

		session, err := p.dial(ctx, channel)

		p.mu.Lock()
		delete(p.connecting, channel)
		close(done)
		if err != nil {
			p.mu.Unlock()
			p.metrics.PoolConnectFailure()
			return nil, nil, err
		}
		if p.closed {
			p.mu.Unlock()
			session.Close()
			return nil, nil, ErrPoolClosed
		}
		c := &pooledConn{
			session:   session,
			channel:   channel,
			createdAt: p.now(),
			lastUsed:  p.now(),
			useCount:  1,
			refs:      1,
		}
		p.conns[channel] = c
		open := len(p.conns)
		p.mu.Unlock()

		p.metrics.SetPoolConnections(channel, 1)
		p.log.Info("fabric connection established", "channel", channel, "open", open)
		return c.session, p.releaseFunc(channel, c), nil
	}
}

func (p *Pool) releaseFunc(channel string, c *pooledConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			c.refs--
			p.mu.Unlock()
		})
	}
}

func (p *Pool) dial(ctx context.Context, channel string) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout.Std())
	defer cancel()
	session, err := p.connector.Connect(dialCtx, channel)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: channel %s after %s", ErrConnectionTimeout, channel, p.cfg.ConnectTimeout.Std())
		}
		if errors.Is(err, ErrConnectionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: channel %s: %v", ErrConnectionFailed, channel, err)
	}
	return session, nil
}

// leastLoadedLocked picks the entry with the fewest borrowers, breaking ties
// by least recent use. Returns nil when the pool holds no live entries.
func (p *Pool) leastLoadedLocked() *pooledConn {
	var best *pooledConn
	for _, c := range p.conns {
		if best == nil || c.refs < best.refs || (c.refs == best.refs && c.lastUsed.Before(best.lastUsed)) {
			best = c
		}
	}
	return best
}

// Invalidate drops the connection for a channel so the next Get redials.
// Used after connection-class transaction failures.
func (p *Pool) Invalidate(channel string) {
	p.mu.Lock()
	c, ok := p.conns[channel]
	if ok {
		delete(p.conns, channel)
	}
	p.mu.Unlock()
	if ok {
		p.metrics.SetPoolConnections(channel, 0)
		go c.session.Close()
		p.log.Warn("invalidated fabric connection", "channel", channel)
	}
}

// Run owns the background sweep: idle expiry, health probing and the
// reconnect-all escalation after repeated probe failures. Blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	now := p.now()
	cutoff := now.Add(-p.cfg.MaxIdle.Std())

	p.mu.Lock()
	var expired, probes []*pooledConn
	for _, c := range p.conns {
		if c.refs == 0 && c.lastUsed.Before(cutoff) {
			delete(p.conns, c.channel)
			expired = append(expired, c)
			continue
		}
		probes = append(probes, c)
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.metrics.SetPoolConnections(c.channel, 0)
		c.session.Close()
		p.log.Info("closed idle fabric connection", "channel", c.channel)
	}

	if len(probes) == 0 {
		return
	}
	failed := 0
	for _, c := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout.Std())
		err := c.session.Ping(probeCtx)
		cancel()
		if err == nil {
			continue
		}
		failed++
		p.log.Warn("fabric connection probe failed", "channel", c.channel, "error", err)
		p.Invalidate(c.channel)
	}

	p.mu.Lock()
	if failed == len(probes) {
		p.probeFails++
	} else {
		p.probeFails = 0
	}
	escalate := p.probeFails >= p.cfg.ProbeFailureLimit
	if escalate {
		p.probeFails = 0
	}
	p.mu.Unlock()

	if escalate {
		channels := make([]string, 0, len(probes))
		for _, c := range probes {
			channels = append(channels, c.channel)
		}
		p.reconnectAll(ctx, channels)
	}
}

// reconnectAll drops every unreferenced connection, pauses briefly so a
// flapping peer is not hammered, then redials the channels that were open
// before the sweep.
func (p *Pool) reconnectAll(ctx context.Context, channels []string) {
	p.mu.Lock()
	var dropped []*pooledConn
	for _, c := range p.conns {
		if c.refs == 0 {
			delete(p.conns, c.channel)
			dropped = append(dropped, c)
		}
	}
	p.mu.Unlock()

	for _, c := range dropped {
		p.metrics.SetPoolConnections(c.channel, 0)
		c.session.Close()
	}
	p.log.Warn("reconnecting all fabric connections", "channels", channels)

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.ReconnectPause.Std()):
	}

	for _, channel := range channels {
		_, release, err := p.Get(ctx, channel)
		if err != nil {
			p.log.Warn("fabric reconnect failed", "channel", channel, "error", err)
			continue
		}
		release()
	}
}

func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := make([]models.ChannelStats, 0, len(p.conns))
	for _, c := range p.conns {
		channels = append(channels, models.ChannelStats{
			ChannelName:  c.channel,
			CreatedAt:    c.createdAt,
			LastUsedAt:   c.lastUsed,
			RequestCount: c.useCount,
		})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ChannelName < channels[j].ChannelName })

	return models.PoolStatus{
		Size:           len(p.conns),
		MaxConnections: p.cfg.MaxConnections,
		Healthy:        p.probeFails == 0,
		ProbeFailures:  p.probeFails,
		Channels:       channels,
	}
}

// Close shuts the pool; borrowed sessions are closed as well since the
// process is going down.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, c := range conns {
		c.session.Close()
	}
}
