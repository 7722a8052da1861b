// Package alias maps disposable addresses to users.
package alias

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Store is the persistence surface the registry needs.
type Store interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
	ReplaceAlias(ctx context.Context, userID, alias string) error
	DeleteAlias(ctx context.Context, userID string) error
}

// Registry owns the disposable-address bindings. Lookups hit the store
// directly, so a created or deleted alias is visible to the SMTP listener
// on its next resolve.
type Registry struct {
	store  Store
	domain string
}

// NewRegistry creates a Registry issuing aliases under the given domain.
func NewRegistry(store Store, domain string) *Registry {
	return &Registry{store: store, domain: domain}
}

// Resolve returns the id of the user owning the alias, or
// db.ErrAliasNotFound when nothing routes there.
func (r *Registry) Resolve(ctx context.Context, alias string) (string, error) {
	return r.store.ResolveAlias(ctx, alias)
}

// Create issues a fresh random alias for the user. If the user already owns
// an alias it is retired in the same transaction; mail already ingested
// through it stays put.
func (r *Registry) Create(ctx context.Context, userID string) (string, error) {
	alias := newAliasToken()

	if err := r.store.ReplaceAlias(ctx, userID, alias); err != nil {
		return "", fmt.Errorf("failed to create alias: %w", err)
	}

	return alias, nil
}

// Delete removes the user's alias binding. Idempotent.
func (r *Registry) Delete(ctx context.Context, userID string) error {
	return r.store.DeleteAlias(ctx, userID)
}

// Address returns the full mail address for an alias.
func (r *Registry) Address(alias string) string {
	return alias + "@" + r.domain
}

// newAliasToken generates an unguessable, globally unique alias local part.
func newAliasToken() string {
	return "temp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
