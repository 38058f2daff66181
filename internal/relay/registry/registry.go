// Package registry tracks the live connections of the relay.
package registry

import (
	"fmt"
	"sync"

	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/pkg/xerr"
)

// Hook runs on deregistration while the id is still resolvable.
type Hook func(id conn.ID)

type Registry struct {
	mu    sync.RWMutex
	conns map[conn.ID]*conn.Conn
	hooks []Hook
}

func New() *Registry {
	return &Registry{conns: make(map[conn.ID]*conn.Conn, 1024)}
}

// OnDeregister adds a hook. Hooks must be added before connections arrive.
func (r *Registry) OnDeregister(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Register makes c resolvable by its id and returns that id.
func (r *Registry) Register(c *conn.Conn) conn.ID {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
	return c.ID()
}

// Deregister runs the hooks and then forgets id. It reports whether id was
// registered; repeated calls are no-ops.
func (r *Registry) Deregister(id conn.ID) bool {
	r.mu.RLock()
	_, ok := r.conns[id]
	hooks := r.hooks
	r.mu.RUnlock()
	if !ok {
		return false
	}

	// 先清理订阅，再让 id 失效
	for _, h := range hooks {
		h(id)
	}

	r.mu.Lock()
	_, ok = r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	return ok
}

func (r *Registry) Lookup(id conn.ID) (*conn.Conn, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, xerr.Wrap(xerr.ErrConnectionNotFound, xerr.ConnectionNotFound, fmt.Sprintf("conn %s", id))
	}
	return c, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Range calls fn on a snapshot of the registered connections.
func (r *Registry) Range(fn func(c *conn.Conn) bool) {
	r.mu.RLock()
	snap := make([]*conn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snap = append(snap, c)
	}
	r.mu.RUnlock()

	for _, c := range snap {
		if !fn(c) {
			return
		}
	}
}
