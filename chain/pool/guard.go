package pool

import (
	"github.com/ethereum/go-ethereum/common"
)

// GuardState is the lifecycle state of a pooled connection.
type GuardState uint8

const (
	GuardIdle GuardState = iota
	GuardInUse
	GuardClosed
)

func (s GuardState) String() string {
	switch s {
	case GuardIdle:
		return "idle"
	case GuardInUse:
		return "in_use"
	default:
		return "closed"
	}
}

// Guard is a handle on one pooled connection. The pool owns the connection
// state; the handle only carries the id used to address it and the lease of
// the handout it came from. Once released or closed the handle is stale:
// further Release, Close or Done calls are ignored.
type Guard struct {
	id      uint64
	lease   uint64
	pool    *Pool
	backend Backend
}

// ID returns the guard's pool-unique id. Ids start at 1 and are never reused.
func (g *Guard) ID() uint64 { return g.id }

// Backend returns the rate limited connection for the current operation.
func (g *Guard) Backend() Backend { return g.backend }

// Account returns the signing account bound to every connection in the pool.
func (g *Guard) Account() common.Address { return g.pool.account }

// State reports the pool's view of the guard.
func (g *Guard) State() GuardState { return g.pool.guardState(g.id) }

// Release returns the guard to the idle queue. Releasing a guard the pool no
// longer tracks is a no-op.
func (g *Guard) Release() { g.pool.release(g.id, g.lease) }

// Close tears the connection down and forgets the guard. It is idempotent.
func (g *Guard) Close() { g.pool.closeGuard(g.id, g.lease) }

// Done ends the operation that used the guard: transport-fatal errors close
// it, anything else releases it.
func (g *Guard) Done(err error) {
	if IsTransportFatal(err) {
		g.pool.logger.Warn("closing guard after transport error", "guard_id", g.id, "error", err)
		g.Close()
		return
	}
	g.Release()
}
