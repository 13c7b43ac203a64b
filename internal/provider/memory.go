// Package provider implements remote systems of record for content types.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ctsync/internal/ctsync"
	"ctsync/internal/model"
)

// Op names a provider call, for failure injection and call counting.
type Op string

const (
	OpList   Op = "list"
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type memoryEntry struct {
	def  *model.ContentTypeDefinition
	etag string
}

// MemoryProvider is an in-process content store. Every write gets a new
// revision ETag. Tests can queue failures per operation and hook every call.
type MemoryProvider struct {
	mu       sync.Mutex
	items    map[string]*memoryEntry
	revision int
	failures map[Op][]error
	calls    map[Op]int

	// OnCall, when set, runs before every call outside the lock. A non-nil
	// return fails the call with that error.
	OnCall func(ctx context.Context, op Op, key string) error
}

var _ ctsync.Provider = (*MemoryProvider)(nil)

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		items:    make(map[string]*memoryEntry),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
	}
}

// FailNext queues errs to be returned by the next calls of op, in order.
func (p *MemoryProvider) FailNext(op Op, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included.
func (p *MemoryProvider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Put stores def as if edited directly in the remote system and returns its ETag.
func (p *MemoryProvider) Put(def *model.ContentTypeDefinition) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(def)
}

// Remove deletes key as if removed directly in the remote system.
func (p *MemoryProvider) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
}

// Len returns the number of stored content types.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *MemoryProvider) store(def *model.ContentTypeDefinition) string {
	p.revision++
	e := &memoryEntry{def: def.Clone(), etag: fmt.Sprintf(`"r%d"`, p.revision)}
	p.items[def.Key] = e
	return e.etag
}

func (e *memoryEntry) remote() *model.RemoteContentType {
	return &model.RemoteContentType{Definition: *e.def.Clone(), ETag: e.etag}
}

// begin counts the call, runs the hook and pops a queued failure. It must be
// called without p.mu held.
func (p *MemoryProvider) begin(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.calls[op]++
	hook := p.OnCall
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, key); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if queue := p.failures[op]; len(queue) > 0 {
		p.failures[op] = queue[1:]
		return queue[0]
	}
	return nil
}

func (p *MemoryProvider) GetContentTypes(ctx context.Context) ([]*model.RemoteContentType, error) {
	if err := p.begin(ctx, OpList, ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.items))
	for k := range p.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*model.RemoteContentType, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.items[k].remote())
	}
	return out, nil
}

func (p *MemoryProvider) GetContentType(ctx context.Context, key string) (*model.RemoteContentType, error) {
	if err := p.begin(ctx, OpGet, key); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok {
		return nil, ctsync.NewProviderError(ctsync.KindNotFound, key, "content type does not exist")
	}
	return e.remote(), nil
}

func (p *MemoryProvider) CreateContentType(ctx context.Context, def *model.ContentTypeDefinition) (*model.RemoteContentType, error) {
	if err := p.begin(ctx, OpCreate, def.Key); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[def.Key]; exists {
		return nil, ctsync.NewProviderError(ctsync.KindPrecondition, def.Key, "content type already exists")
	}
	p.store(def)
	return p.items[def.Key].remote(), nil
}

func (p *MemoryProvider) UpdateContentType(ctx context.Context, key string, def *model.ContentTypeDefinition, precondition string) (*model.RemoteContentType, error) {
	if err := p.begin(ctx, OpUpdate, key); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok {
		return nil, ctsync.NewProviderError(ctsync.KindNotFound, key, "content type does not exist")
	}
	if precondition != "" && precondition != e.etag {
		return nil, ctsync.NewProviderError(ctsync.KindPrecondition, key,
			fmt.Sprintf("etag %s does not match current %s", precondition, e.etag))
	}
	if def.Key != key {
		return nil, ctsync.NewProviderError(ctsync.KindServer, key, "definition key does not match target")
	}
	p.store(def)
	return p.items[key].remote(), nil
}

func (p *MemoryProvider) DeleteContentType(ctx context.Context, key string) error {
	if err := p.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[key]; !ok {
		return ctsync.NewProviderError(ctsync.KindNotFound, key, "content type does not exist")
	}
	delete(p.items, key)
	return nil
}
