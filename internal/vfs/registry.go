// Package vfs serves database files stored as blocks in a container. Reads
// are answered from the local block cache and fault missing blocks in from
// the block store; writes land in the cache as dirty blocks until they are
// published as a new manifest version.
package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Registry maps container aliases to mounts. Connection names of the form
// /<alias>/<database> are resolved through it.
type Registry struct {
	mu     sync.RWMutex
	mounts map[string]*Mount
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mounts: make(map[string]*Mount)}
}

// Register adds m under its alias.
func (r *Registry) Register(m *Mount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[m.alias]; exists {
		return bverrors.Newf(bverrors.ErrCodeInvalidState, "alias %q already registered", m.alias).WithComponent("vfs")
	}
	r.mounts[m.alias] = m
	return nil
}

// Unregister removes alias and returns its mount.
func (r *Registry) Unregister(alias string) (*Mount, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mounts[alias]
	delete(r.mounts, alias)
	return m, ok
}

// Lookup returns the mount of alias.
func (r *Registry) Lookup(alias string) (*Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[alias]
	return m, ok
}

// Aliases lists the registered aliases in sorted order.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aliases := make([]string, 0, len(r.mounts))
	for alias := range r.mounts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// SplitName splits "/<alias>/<database>" into its parts.
func SplitName(name string) (alias, database string, err error) {
	trimmed := strings.TrimPrefix(name, "/")
	alias, database, ok := strings.Cut(trimmed, "/")
	if !ok || alias == "" || database == "" || strings.Contains(database, "/") {
		return "", "", bverrors.Newf(bverrors.ErrCodePathInvalid, "database name %q is not /<alias>/<database>", name).
			WithComponent("vfs")
	}
	return alias, database, nil
}

// Resolve returns the mount and database named by name.
func (r *Registry) Resolve(name string) (*Mount, string, error) {
	alias, database, err := SplitName(name)
	if err != nil {
		return nil, "", err
	}
	m, ok := r.Lookup(alias)
	if !ok {
		return nil, "", bverrors.Newf(bverrors.ErrCodeContainerNotFound, "no container registered as %q", alias).
			WithComponent("vfs")
	}
	return m, database, nil
}

// Open opens the database named by name. Without create a database that
// is neither published nor pending locally is DATABASE_NOT_FOUND.
func (r *Registry) Open(ctx context.Context, name string, create bool) (*File, error) {
	m, database, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, database, create)
}

// Exists reports whether the database named by name exists.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	m, database, err := r.Resolve(name)
	if err != nil {
		return false, err
	}
	return m.Exists(ctx, database)
}

// Close closes every mount.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	mounts := r.mounts
	r.mounts = make(map[string]*Mount)
	r.mu.Unlock()

	var firstErr error
	for _, m := range mounts {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
