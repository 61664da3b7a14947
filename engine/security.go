package engine

import (
	"context"

	"github.com/goliatone/go-process"
)

// SecurityProvider authorizes engine operations per principal. It is
// consulted before any mutation and before reads that cross ownership
// boundaries.
type SecurityProvider interface {
	// EnsurePermission returns an error when the principal may not perform
	// the operation against the target.
	EnsurePermission(ctx context.Context, perm process.Permission, principal process.Principal, target string) error
	// HasPermission is the non-failing probe used by read paths.
	HasPermission(ctx context.Context, perm process.Permission, principal process.Principal, target string) bool
}

// AllowAll grants every operation. The default when no provider is wired.
type AllowAll struct{}

func (AllowAll) EnsurePermission(context.Context, process.Permission, process.Principal, string) error {
	return nil
}

func (AllowAll) HasPermission(context.Context, process.Permission, process.Principal, string) bool {
	return true
}

// OwnerGuard grants mutations to the owning principal and listed admins.
// Instantiation is open; everything else checks the target owner.
type OwnerGuard struct {
	Admins []process.Principal
}

func (g OwnerGuard) EnsurePermission(ctx context.Context, perm process.Permission, principal process.Principal, target string) error {
	if g.HasPermission(ctx, perm, principal, target) {
		return nil
	}
	return process.ErrForbidden.Clone().WithMetadata(map[string]any{
		"permission": string(perm),
		"principal":  string(principal),
		"target":     target,
	})
}

func (g OwnerGuard) HasPermission(_ context.Context, perm process.Permission, principal process.Principal, target string) bool {
	if perm == process.PermInstantiate {
		return true
	}
	if string(principal) == target {
		return true
	}
	for _, admin := range g.Admins {
		if admin == principal {
			return true
		}
	}
	return false
}
