package adapter

import (
	"context"
	"time"

	"task-sync-service/internal/model"
)

// Adapter is the contract every provider integration implements. Network
// calls go through the adapter's rate limiter and retry handler; translation
// functions are pure.
type Adapter interface {
	Provider() model.Provider

	// RequiredCredentials declares the credential keys this adapter needs
	// before first use.
	RequiredCredentials() []string

	// Authenticate validates credentials against the service. Implementations
	// cache the outcome; callers go through EnsureAuthenticated.
	Authenticate(ctx context.Context) (bool, error)

	// EnsureAuthenticated re-validates cached authentication state on an
	// interval rather than on every call.
	EnsureAuthenticated(ctx context.Context) error

	// TestConnection is a liveness probe independent of Authenticate's
	// side effects.
	TestConnection(ctx context.Context) bool

	// FetchItems returns the provider's items, optionally filtered to those
	// touched after since. Providers without modification timestamps ignore
	// since and always return the full collection.
	FetchItems(ctx context.Context, since *time.Time) ([]model.ExternalItem, error)

	// CreateItem pushes a new task and returns the item as the provider now
	// represents it. The returned item is what a subsequent FetchItems would
	// yield for it, so callers can store it as the remote snapshot without
	// inventing fields the provider cannot hold.
	CreateItem(ctx context.Context, task model.Task) (model.ExternalItem, error)

	// UpdateItem pushes changes to an existing item and returns the
	// provider's resulting representation. An item that no longer exists
	// remotely yields (nil, nil), not an error.
	UpdateItem(ctx context.Context, externalID string, task model.Task) (*model.ExternalItem, error)

	// DeleteItem removes an item, with the same not-found tolerance.
	DeleteItem(ctx context.Context, externalID string) (bool, error)

	// FetchProjects returns the provider's name->id container map.
	FetchProjects(ctx context.Context) (map[string]string, error)

	// MapTaskToExternal translates a task into the provider's wire shape.
	MapTaskToExternal(task model.Task) map[string]any

	// MapExternalToTask translates a raw provider payload into the unified
	// item shape, fabricating created/updated timestamps when the provider
	// does not expose them.
	MapExternalToTask(raw map[string]any) (model.ExternalItem, error)
}
