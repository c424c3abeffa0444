// Package gate is the authorization checkpoint for the API. It combines
// profile-based permissions ("manager may invoice:finalize") with per-resource
// policies (ownership checks on a loaded row). Handlers never reach into roles
// directly; they ask the gate.
package gate

import (
	"context"
	"errors"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNoPolicyDefined = errors.New("no policy defined for resource")
)

// Policy defines authorization rules for one resource type.
// U is the subject type (uint user id here). For list/create checks the
// resource argument may be nil.
type Policy[U any] interface {
	Can(ctx context.Context, user U, action Action, resource any) bool
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc[U any] func(ctx context.Context, user U, action Action, resource any) bool

func (f PolicyFunc[U]) Can(ctx context.Context, user U, action Action, resource any) bool {
	return f(ctx, user, action, resource)
}

// Gate authorizes in two steps: the subject's profile must carry the
// resource:action permission, then the resource policy (if one is registered
// and a resource is given) must accept.
type Gate[U comparable] struct {
	resolver ProfileResolver[U]
	policies map[string]Policy[U]
}

func New[U comparable](resolver ProfileResolver[U]) *Gate[U] {
	return &Gate[U]{resolver: resolver, policies: make(map[string]Policy[U])}
}

// Register adds a resource policy (e.g. "contract"). Overwrites any existing one.
func (g *Gate[U]) Register(resourceType string, p Policy[U]) {
	g.policies[resourceType] = p
}

func (g *Gate[U]) Authorize(ctx context.Context, user U, action Action, resourceType string, resource any) error {
	var zero U
	if user == zero {
		return ErrUnauthorized
	}
	profile, err := g.resolver.Resolve(ctx, user)
	if err != nil || profile == nil {
		return ErrUnauthorized
	}
	if !profile.HasPermission(NewPermission(resourceType, action)) {
		return ErrUnauthorized
	}
	if resource != nil {
		if policy, ok := g.policies[resourceType]; ok {
			if !policy.Can(ctx, user, action, resource) {
				return ErrUnauthorized
			}
		}
	}
	return nil
}

// Can is a convenience wrapper returning bool instead of error.
func (g *Gate[U]) Can(ctx context.Context, user U, action Action, resourceType string, resource any) bool {
	return g.Authorize(ctx, user, action, resourceType, resource) == nil
}
