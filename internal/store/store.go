package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/DBCDK/deploy-notifier/internal/types"
)

// DefaultOwnerNamespace prefixes keys when the notifier's own namespace is unknown.
const DefaultOwnerNamespace = "default"

// Store is best-effort persistence for one EventTable per watched namespace.
// Implementations must be safe for concurrent use by several sessions.
type Store interface {
	// Name returns the backend identifier used in logs and metrics.
	Name() string

	// Get returns the stored table for namespace, or an empty table when
	// nothing usable is stored. It never returns nil.
	Get(ctx context.Context, namespace string) types.EventTable

	// Put overwrites the stored table for namespace.
	Put(ctx context.Context, namespace string, table types.EventTable) error
}

// Key returns the storage key for the table of watched, written by a
// notifier running in owner.
func Key(owner, watched string) string {
	if owner == "" {
		owner = DefaultOwnerNamespace
	}
	return fmt.Sprintf("deployment-events-%s-%s", owner, watched)
}

// Login is a basic-auth credential pair.
type Login struct {
	Username string
	Password string
}

// ParseLogin parses "user:password". The password may itself contain colons.
func ParseLogin(s string) (Login, error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok {
		return Login{}, fmt.Errorf("store login must have the form user:password")
	}
	if user == "" {
		return Login{}, fmt.Errorf("store login has an empty user name")
	}
	return Login{Username: user, Password: pass}, nil
}

// Disabled is a Store that keeps nothing.
type Disabled struct{}

// Name implements Store.
func (Disabled) Name() string { return "disabled" }

// Get implements Store. Always returns an empty table.
func (Disabled) Get(context.Context, string) types.EventTable { return types.EventTable{} }

// Put implements Store. Always succeeds without storing anything.
func (Disabled) Put(context.Context, string, types.EventTable) error { return nil }
