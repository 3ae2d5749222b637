package cluster

import (
	"context"
	"errors"

	"github.com/flowdeck/fleet/pkg/types"
)

// ErrPodNotFound is returned by GetPod when the cluster has no such pod
var ErrPodNotFound = errors.New("pod not found in cluster")

// PodState is the controller's view of one cluster pod
type PodState struct {
	Name    string
	Phase   string
	Ready   bool
	Address string
	// Failure carries a terminal provisioning signature (crash-loop,
	// image-pull failure) when one is present, empty otherwise.
	Failure string
}

// Terminal reports whether the pod phase can never become ready again
func (p PodState) Terminal() bool {
	return p.Phase == "Failed" || p.Phase == "Succeeded"
}

// EventKind tags a watch event
type EventKind int

const (
	EventAdded EventKind = iota
	EventModified
	EventDeleted
)

// PodEvent is one entry on the watch stream
type PodEvent struct {
	Kind EventKind
	Pod  PodState
}

// Client is the boundary to the cluster control plane. The production
// implementation is KubeClient; tests use Fake.
//
// DeletePod treats an already-absent pod as success. Every method honors
// the context deadline; none block unbounded except the channel returned by
// WatchPods, which stays open until the stream ends or ctx is cancelled.
type Client interface {
	CreatePod(ctx context.Context, name string) error
	DeletePod(ctx context.Context, name string) error
	GetPod(ctx context.Context, name string) (*PodState, error)
	ListPods(ctx context.Context) ([]PodState, error)
	WatchPods(ctx context.Context) (<-chan PodEvent, error)
	PodMetrics(ctx context.Context) ([]types.PodUsage, error)
}
