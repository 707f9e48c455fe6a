// Package statecache holds the locally cached node, transaction and score
// state shared by the node manager and its sync loop.
package statecache

import (
	"context"
	"sync"

	"gpunode/models"
)

// Store is a single cached value. Writes are last-write-wins.
type Store[T any] interface {
	Get(ctx context.Context) (T, error)
	Set(ctx context.Context, value T) error
}

// MemoryStore keeps its value in process memory.
type MemoryStore[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewMemoryStore returns a store initialised to initial.
func NewMemoryStore[T any](initial T) *MemoryStore[T] {
	return &MemoryStore[T]{value: initial}
}

// Get returns the current value.
func (s *MemoryStore[T]) Get(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, nil
}

// Set replaces the current value.
func (s *MemoryStore[T]) Set(ctx context.Context, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
	return nil
}

// DefaultNodeState is reported before any node state has been written.
func DefaultNodeState() models.NodeState { return models.NodeState{Status: models.NodeStatusInit} }

// DefaultTxState is reported before any transaction has been recorded.
func DefaultTxState() models.TxState { return models.TxState{Status: models.TxStatusSuccess} }

// DefaultNodeScoreState reports zero scores.
func DefaultNodeScoreState() models.NodeScoreState { return models.NodeScoreState{} }

// ManagerStateCache groups the three stores the node manager reads and writes.
type ManagerStateCache struct {
	node  Store[models.NodeState]
	tx    Store[models.TxState]
	score Store[models.NodeScoreState]
}

// New assembles a cache from explicit stores.
func New(node Store[models.NodeState], tx Store[models.TxState], score Store[models.NodeScoreState]) *ManagerStateCache {
	return &ManagerStateCache{node: node, tx: tx, score: score}
}

// NewMemory returns a cache backed entirely by memory stores.
func NewMemory() *ManagerStateCache {
	return New(
		NewMemoryStore(DefaultNodeState()),
		NewMemoryStore(DefaultTxState()),
		NewMemoryStore(DefaultNodeScoreState()),
	)
}

func (c *ManagerStateCache) GetNodeState(ctx context.Context) (models.NodeState, error) {
	return c.node.Get(ctx)
}

func (c *ManagerStateCache) SetNodeState(ctx context.Context, state models.NodeState) error {
	return c.node.Set(ctx, state)
}

// SetNodeStatus records status with empty messages.
func (c *ManagerStateCache) SetNodeStatus(ctx context.Context, status models.NodeStatus) error {
	return c.node.Set(ctx, models.NodeState{Status: status})
}

func (c *ManagerStateCache) GetTxState(ctx context.Context) (models.TxState, error) {
	return c.tx.Get(ctx)
}

func (c *ManagerStateCache) SetTxState(ctx context.Context, state models.TxState) error {
	return c.tx.Set(ctx, state)
}

// SetTxStatus records status with an optional message.
func (c *ManagerStateCache) SetTxStatus(ctx context.Context, status models.TxStatus, message string) error {
	return c.tx.Set(ctx, models.TxState{Status: status, Message: message})
}

func (c *ManagerStateCache) GetNodeScoreState(ctx context.Context) (models.NodeScoreState, error) {
	return c.score.Get(ctx)
}

func (c *ManagerStateCache) SetNodeScoreState(ctx context.Context, state models.NodeScoreState) error {
	return c.score.Set(ctx, state)
}
