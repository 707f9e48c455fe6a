package pool

import (
	"context"
	"fmt"
)

// WithNonce allocates the next nonce for the signing account and runs fn with
// it. Allocation is serialised across the whole pool. The first call, and the
// first call after an invalidation, reads the pending nonce through backend.
//
// When fn succeeds the cached nonce advances by one. When fn fails with a
// nonce rejection the cache is dropped so the next call refetches. Any other
// failure leaves the cached value as it was.
func (p *Pool) WithNonce(ctx context.Context, backend Backend, fn func(nonce uint64) error) error {
	if p.Closed() {
		return ErrPoolClosed
	}
	select {
	case p.nonceSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.nonceSem }()

	if !p.nonceKnown {
		nonce, err := backend.PendingNonceAt(ctx, p.account)
		if err != nil {
			return fmt.Errorf("pool: fetch pending nonce: %w", err)
		}
		p.nonce = nonce
		p.nonceKnown = true
		p.metrics.NonceEvent(p.name, "fetch")
		p.logger.Debug("nonce fetched", "address", p.account.Hex(), "nonce", nonce)
	}

	if err := fn(p.nonce); err != nil {
		if IsNonceStale(err) {
			p.nonceKnown = false
			p.metrics.NonceEvent(p.name, "invalidate")
			p.logger.Warn("nonce invalidated", "address", p.account.Hex(), "nonce", p.nonce, "error", err)
		}
		return err
	}
	p.nonce++
	p.metrics.NonceEvent(p.name, "advance")
	return nil
}

// CachedNonce returns the next nonce the sequencer would hand out and whether
// it is currently cached.
func (p *Pool) CachedNonce() (uint64, bool) {
	p.nonceSem <- struct{}{}
	defer func() { <-p.nonceSem }()
	return p.nonce, p.nonceKnown
}
