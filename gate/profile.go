package gate

import (
	"context"
	"sync"
	"time"
)

// Profile represents a role with a set of permissions.
type Profile interface {
	ID() uint
	Name() string
	HasPermission(permission Permission) bool
	Permissions() []Permission
}

// ProfileResolver resolves a subject to their profile. Implementations are
// expected to hit storage; wrap with NewCachedResolver for hot paths.
type ProfileResolver[U any] interface {
	Resolve(ctx context.Context, user U) (Profile, error)
}

// ResolverFunc adapts a function to ProfileResolver.
type ResolverFunc[U any] func(ctx context.Context, user U) (Profile, error)

func (f ResolverFunc[U]) Resolve(ctx context.Context, user U) (Profile, error) {
	return f(ctx, user)
}

// StaticProfile is a simple in-memory profile implementation.
type StaticProfile struct {
	id          uint
	name        string
	permissions map[Permission]bool
}

func NewStaticProfile(id uint, name string, permissions ...Permission) *StaticProfile {
	p := &StaticProfile{id: id, name: name, permissions: make(map[Permission]bool)}
	for _, perm := range permissions {
		p.permissions[perm] = true
	}
	return p
}

func (p *StaticProfile) ID() uint     { return p.id }
func (p *StaticProfile) Name() string { return p.name }

func (p *StaticProfile) Permissions() []Permission {
	perms := make([]Permission, 0, len(p.permissions))
	for perm := range p.permissions {
		perms = append(perms, perm)
	}
	return perms
}

// HasPermission checks if the profile has the requested permission, with
// wildcard matching.
func (p *StaticProfile) HasPermission(requested Permission) bool {
	for perm := range p.permissions {
		if perm.Matches(requested) {
			return true
		}
	}
	return false
}

// CachedResolver wraps a ProfileResolver with TTL-based caching so the gate
// does not hit the database on every request.
type CachedResolver[U comparable] struct {
	inner ProfileResolver[U]
	cache map[U]*cacheEntry
	mu    sync.RWMutex
	ttl   time.Duration
}

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

func NewCachedResolver[U comparable](inner ProfileResolver[U], ttl time.Duration) *CachedResolver[U] {
	return &CachedResolver[U]{inner: inner, cache: make(map[U]*cacheEntry), ttl: ttl}
}

func (r *CachedResolver[U]) Resolve(ctx context.Context, user U) (Profile, error) {
	r.mu.RLock()
	entry, ok := r.cache[user]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.profile, nil
	}
	profile, err := r.inner.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[user] = &cacheEntry{profile: profile, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return profile, nil
}

// Invalidate drops a cached profile, e.g. after a role change.
func (r *CachedResolver[U]) Invalidate(user U) {
	r.mu.Lock()
	delete(r.cache, user)
	r.mu.Unlock()
}
