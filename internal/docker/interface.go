package docker

import (
	"context"
)

// API is the subset of daemon operations the lifecycle engine needs.
// Implemented by Client for production, and by fakes for testing.
type API interface {
	Provision(ctx context.Context, spec Spec) (ProvisionResult, error)
	Stop(ctx context.Context, id string) error
	RemoveByName(ctx context.Context, name string) error
	Status(ctx context.Context, id string) (string, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
	Connected(ctx context.Context) bool
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
