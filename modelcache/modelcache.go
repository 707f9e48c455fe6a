// Package modelcache records which models have been downloaded locally so the
// node can advertise them when it joins.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidModelID is returned by ParseModelID for malformed identifiers.
var ErrInvalidModelID = errors.New("modelcache: invalid model id")

// Model types understood by the relay.
const (
	TypeSDBase     = "sd_base"
	TypeGPTBase    = "gpt_base"
	TypeControlNet = "controlnet"
	TypeLora       = "lora"
)

// ModelDescriptor identifies one downloaded model.
type ModelDescriptor struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Variant string `json:"variant,omitempty"`
}

// ModelID is the canonical "<type>:<id>[+<variant>]" form.
func (m ModelDescriptor) ModelID() string {
	id := m.Type + ":" + m.ID
	if m.Variant != "" {
		id += "+" + m.Variant
	}
	return id
}

// ParseModelID is the inverse of ModelDescriptor.ModelID.
func ParseModelID(raw string) (ModelDescriptor, error) {
	typ, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || typ == "" || rest == "" {
		return ModelDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidModelID, raw)
	}
	id, variant, _ := strings.Cut(rest, "+")
	if id == "" {
		return ModelDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidModelID, raw)
	}
	return ModelDescriptor{Type: typ, ID: id, Variant: variant}, nil
}

// DownloadModelCache lists and records downloaded models.
type DownloadModelCache interface {
	LoadAll(ctx context.Context) ([]ModelDescriptor, error)
	Save(ctx context.Context, model ModelDescriptor) error
}

// ModelIDs loads every descriptor from cache and returns their canonical ids.
func ModelIDs(ctx context.Context, cache DownloadModelCache) ([]string, error) {
	models, err := cache.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ModelID())
	}
	return ids, nil
}

// MemoryCache keeps descriptors in memory.
type MemoryCache struct {
	mu     sync.Mutex
	models map[string]ModelDescriptor
}

// NewMemoryCache returns a cache holding models.
func NewMemoryCache(models ...ModelDescriptor) *MemoryCache {
	c := &MemoryCache{models: make(map[string]ModelDescriptor, len(models))}
	for _, m := range models {
		c.models[m.ModelID()] = m
	}
	return c
}

// LoadAll returns the cached models ordered by model id.
func (c *MemoryCache) LoadAll(ctx context.Context) ([]ModelDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID() < out[j].ModelID() })
	return out, nil
}

// Save records model. Saving the same model twice is a no-op.
func (c *MemoryCache) Save(ctx context.Context, model ModelDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.models[model.ModelID()] = model
	c.mu.Unlock()
	return nil
}
