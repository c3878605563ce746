/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lightning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/reckless_tv/internal/telemetry"
)

// retryDelay is the fixed pause between settlement feed reconnect attempts.
const retryDelay = time.Second

const handleBuffer = 32

// ErrPoolClosed is returned by Acquire after the pool has shut down.
var ErrPoolClosed = errors.New("lightning: pool closed")

// Pool shares one node connection per stream owner across all of that
// owner's viewer sessions. The connection and its settlement subscription
// live for as long as at least one handle holds a reference.
type Pool struct {
	dial   DialFunc
	logger zerolog.Logger

	mu     sync.Mutex
	owners map[string]*ownerFeed
	closed bool
}

// NewPool creates a connection pool using the given dialer.
func NewPool(dial DialFunc, logger zerolog.Logger) *Pool {
	return &Pool{
		dial:   dial,
		logger: logger.With().Str("component", "lightning_pool").Logger(),
		owners: make(map[string]*ownerFeed),
	}
}

// Handle is one session's reference to a shared node connection.
type Handle struct {
	feed *ownerFeed
	ch   chan Settlement
	once sync.Once
}

// CreateInvoice issues an invoice on the owner's node.
func (h *Handle) CreateInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (InvoiceRef, error) {
	return h.feed.conn.AddInvoice(ctx, amountSats, memo, expirySeconds)
}

// Pubkey returns the identity pubkey of the connected node.
func (h *Handle) Pubkey() string {
	return h.feed.conn.Pubkey()
}

// Settlements is the fanned-out settlement feed for this handle. It is
// closed when the handle is released.
func (h *Handle) Settlements() <-chan Settlement {
	return h.ch
}

// Release detaches from the shared connection. The last release for an
// owner tears the connection down.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.feed.pool.release(h)
	})
}

type ownerFeed struct {
	pool    *Pool
	ownerID string
	conn    NodeConn
	cancel  context.CancelFunc
	refs    int

	// ready is closed once the dial finished; dialErr carries its outcome.
	ready    chan struct{}
	dialErr  error
	torndown bool

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// Acquire returns a handle on the shared connection for ownerID, dialing the
// node if this is the first interested session. The dial happens outside the
// pool lock, so a slow or unreachable node only stalls sessions for that
// owner; concurrent acquires for the same owner share the one dial.
func (p *Pool) Acquire(ctx context.Context, ownerID string, creds Credentials) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	feed, ok := p.owners[ownerID]
	if !ok {
		feed = &ownerFeed{
			pool:    p,
			ownerID: ownerID,
			ready:   make(chan struct{}),
			handles: make(map[*Handle]struct{}),
		}
		p.owners[ownerID] = feed
	}
	feed.refs++
	p.mu.Unlock()

	if !ok {
		if err := p.open(ctx, feed, creds); err != nil {
			return nil, err
		}
	} else {
		select {
		case <-feed.ready:
		case <-ctx.Done():
			p.dropRef(feed)
			return nil, ctx.Err()
		}
		if feed.dialErr != nil {
			return nil, feed.dialErr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if feed.torndown {
		return nil, ErrPoolClosed
	}
	h := &Handle{feed: feed, ch: make(chan Settlement, handleBuffer)}
	feed.mu.Lock()
	feed.handles[h] = struct{}{}
	feed.mu.Unlock()
	return h, nil
}

// open dials the node for a freshly registered feed and starts its run loop.
func (p *Pool) open(ctx context.Context, feed *ownerFeed, creds Credentials) error {
	conn, err := p.dial(ctx, creds)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		feed.dialErr = err
		close(feed.ready)
		if p.owners[feed.ownerID] == feed {
			delete(p.owners, feed.ownerID)
		}
		return err
	}
	if p.closed {
		feed.dialErr = ErrPoolClosed
		close(feed.ready)
		_ = conn.Close()
		return ErrPoolClosed
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	feed.conn = conn
	feed.cancel = cancel
	close(feed.ready)
	telemetry.NodeConnectionsActive.Inc()

	go feed.run(feedCtx)

	p.logger.Info().Str("owner_id", feed.ownerID).Str("pubkey", conn.Pubkey()).Msg("node connection opened")
	return nil
}

// dropRef gives back a reference that never got a handle.
func (p *Pool) dropRef(feed *ownerFeed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	feed.refs--
	if feed.refs == 0 {
		p.teardownLocked(feed)
	}
}

func (p *Pool) release(h *Handle) {
	feed := h.feed

	feed.mu.Lock()
	if _, ok := feed.handles[h]; ok {
		delete(feed.handles, h)
		close(h.ch)
	}
	feed.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	feed.refs--
	if feed.refs > 0 {
		return
	}
	p.teardownLocked(feed)
}

// teardownLocked closes a feed's connection exactly once. Caller holds p.mu.
func (p *Pool) teardownLocked(feed *ownerFeed) {
	if feed.torndown || feed.conn == nil {
		return
	}
	feed.torndown = true
	if p.owners[feed.ownerID] == feed {
		delete(p.owners, feed.ownerID)
	}
	feed.cancel()
	if err := feed.conn.Close(); err != nil {
		p.logger.Warn().Err(err).Str("owner_id", feed.ownerID).Msg("node connection close error")
	}
	telemetry.NodeConnectionsActive.Dec()
	p.logger.Info().Str("owner_id", feed.ownerID).Msg("node connection closed")
}

// Close tears down every pooled connection. Used at process shutdown. Handles
// released afterwards become no-ops.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for ownerID, feed := range p.owners {
		delete(p.owners, ownerID)
		if feed.torndown || feed.conn == nil {
			continue
		}
		feed.torndown = true
		feed.cancel()
		_ = feed.conn.Close()
		telemetry.NodeConnectionsActive.Dec()
		feed.mu.Lock()
		for h := range feed.handles {
			delete(feed.handles, h)
			close(h.ch)
		}
		feed.mu.Unlock()
	}
	return nil
}

// run consumes the settlement subscription and fans events out to attached
// handles, resubscribing after errors until the feed is torn down.
func (f *ownerFeed) run(ctx context.Context) {
	logger := f.pool.logger.With().Str("owner_id", f.ownerID).Logger()

	for {
		stream, err := f.conn.SubscribeSettlements(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("settlement subscription failed, retrying")
			telemetry.NodeReconnectsTotal.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for {
			ev, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("settlement stream broken, reconnecting")
				telemetry.NodeReconnectsTotal.Inc()
				break
			}
			f.fanout(ev, logger)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (f *ownerFeed) fanout(ev Settlement, logger zerolog.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.handles {
		select {
		case h.ch <- ev:
		default:
			logger.Warn().Str("r_hash", ev.RHash).Msg("session settlement buffer full, dropping event")
		}
	}
}
