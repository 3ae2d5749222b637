package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowdeck/fleet/pkg/types"
)

// Fake is an in-memory Client for tests. By default every created pod
// becomes Running and Ready immediately with a synthetic address; tests can
// inject create/delete failures, hold pods unready, and drive the watch
// stream by hand.
type Fake struct {
	mu   sync.Mutex
	pods map[string]*PodState

	nextIP      int
	autoReady   bool
	createFails int
	deleteFails int
	listErr     error
	usage       []types.PodUsage

	Created []string
	Deleted []string

	watchMu  sync.Mutex
	watchers []chan PodEvent
}

// NewFake creates a fake cluster where pods become ready on creation
func NewFake() *Fake {
	return &Fake{
		pods:      make(map[string]*PodState),
		autoReady: true,
	}
}

// SetAutoReady controls whether new pods are immediately Running and Ready
func (f *Fake) SetAutoReady(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoReady = v
}

// FailCreates makes the next n CreatePod calls fail
func (f *Fake) FailCreates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFails = n
}

// FailDeletes makes the next n DeletePod calls fail
func (f *Fake) FailDeletes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteFails = n
}

// SetListError makes ListPods return err until cleared
func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetUsage sets the samples PodMetrics returns
func (f *Fake) SetUsage(usage []types.PodUsage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = usage
}

// AddPod inserts a pod directly, bypassing CreatePod bookkeeping
func (f *Fake) AddPod(state PodState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := state
	f.pods[state.Name] = &s
}

// SetPodState mutates an existing pod's observed state
func (f *Fake) SetPodState(name string, mutate func(*PodState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pod, ok := f.pods[name]; ok {
		mutate(pod)
	}
}

// HasPod reports whether the cluster currently holds the pod
func (f *Fake) HasPod(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pods[name]
	return ok
}

func (f *Fake) CreatePod(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createFails > 0 {
		f.createFails--
		return errors.New("fake: pod creation refused")
	}

	f.nextIP++
	state := &PodState{
		Name:  name,
		Phase: "Pending",
	}
	if f.autoReady {
		state.Phase = "Running"
		state.Ready = true
		state.Address = fmt.Sprintf("10.244.0.%d", f.nextIP)
	}
	f.pods[name] = state
	f.Created = append(f.Created, name)
	return nil
}

func (f *Fake) DeletePod(ctx context.Context, name string) error {
	f.mu.Lock()
	if f.deleteFails > 0 {
		f.deleteFails--
		f.mu.Unlock()
		return errors.New("fake: pod deletion refused")
	}
	delete(f.pods, name)
	f.Deleted = append(f.Deleted, name)
	f.mu.Unlock()
	return nil
}

func (f *Fake) GetPod(ctx context.Context, name string) (*PodState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pod, ok := f.pods[name]
	if !ok {
		return nil, ErrPodNotFound
	}
	s := *pod
	return &s, nil
}

func (f *Fake) ListPods(ctx context.Context) ([]PodState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	states := make([]PodState, 0, len(f.pods))
	for _, pod := range f.pods {
		states = append(states, *pod)
	}
	return states, nil
}

func (f *Fake) WatchPods(ctx context.Context) (<-chan PodEvent, error) {
	ch := make(chan PodEvent, 16)
	f.watchMu.Lock()
	f.watchers = append(f.watchers, ch)
	f.watchMu.Unlock()
	return ch, nil
}

// Publish delivers a watch event to every open watcher
func (f *Fake) Publish(ev PodEvent) {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	for _, ch := range f.watchers {
		ch <- ev
	}
}

// WatcherCount reports how many watch streams are currently open
func (f *Fake) WatcherCount() int {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	return len(f.watchers)
}

// CloseWatchers ends every open watch stream, as a dropped connection would
func (f *Fake) CloseWatchers() {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	for _, ch := range f.watchers {
		close(ch)
	}
	f.watchers = nil
}

func (f *Fake) PodMetrics(ctx context.Context) ([]types.PodUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PodUsage(nil), f.usage...), nil
}
