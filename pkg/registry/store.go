package registry

import (
	"context"
	"errors"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

var (
	// ErrNotFound is returned when a pod record does not exist
	ErrNotFound = errors.New("pod record not found")

	// ErrNoWarmPods is returned by ClaimWarm when no claimable warm pod exists
	ErrNoWarmPods = errors.New("no warm pods available")
)

// Store defines the interface for the durable pod registry. It is
// implemented by a Postgres backend for production and an in-memory backend
// for tests.
//
// Two primitives carry the controller's correctness guarantees: WithLock, a
// named advisory lock scoping the per-tenant assignment sequence, and
// ClaimWarm, which must atomically flip one warm pod to assigned while
// skipping rows a concurrent claim is already holding.
type Store interface {
	// Pod records
	CreatePod(ctx context.Context, pod *types.PodRecord) error
	GetPod(ctx context.Context, name string) (*types.PodRecord, error)
	GetAssigned(ctx context.Context, tenantID string) (*types.PodRecord, error)
	ListPods(ctx context.Context) ([]*types.PodRecord, error)
	ListByStatus(ctx context.Context, statuses ...types.PodStatus) ([]*types.PodRecord, error)
	UpdatePod(ctx context.Context, pod *types.PodRecord) error
	MarkTerminated(ctx context.Context, name string) error
	TouchActivity(ctx context.Context, name string, at time.Time) error
	ClaimWarm(ctx context.Context, tenantID string, at time.Time) (*types.PodRecord, error)
	CountByStatus(ctx context.Context) (map[types.PodStatus]int, error)
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *types.LifecycleEvent) error
	RecentEvents(ctx context.Context, limit int) ([]*types.LifecycleEvent, error)
	EventsSince(ctx context.Context, since time.Time) ([]*types.LifecycleEvent, error)

	// WithLock runs fn while holding the named advisory lock for key
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	Close() error
}
