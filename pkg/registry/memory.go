package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

// MemoryStore implements Store with in-process state. It backs tests and
// provides the compare-and-swap fallback the registry contract allows for
// stores without advisory locks: ClaimWarm claims under a single mutex, and
// WithLock serializes on a per-key sync.Mutex.
type MemoryStore struct {
	mu     sync.Mutex
	pods   map[string]*types.PodRecord
	events []*types.LifecycleEvent
	nextID uint

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pods:  make(map[string]*types.PodRecord),
		locks: make(map[string]*sync.Mutex),
	}
}

func clonePod(p *types.PodRecord) *types.PodRecord {
	c := *p
	if p.AssignedAt != nil {
		t := *p.AssignedAt
		c.AssignedAt = &t
	}
	if p.LastActivityAt != nil {
		t := *p.LastActivityAt
		c.LastActivityAt = &t
	}
	return &c
}

func (s *MemoryStore) CreatePod(ctx context.Context, pod *types.PodRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	pod.ID = s.nextID
	if pod.CreatedAt.IsZero() {
		pod.CreatedAt = time.Now()
	}
	s.pods[pod.Name] = clonePod(pod)
	return nil
}

func (s *MemoryStore) GetPod(ctx context.Context, name string) (*types.PodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pod, ok := s.pods[name]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePod(pod), nil
}

func (s *MemoryStore) GetAssigned(ctx context.Context, tenantID string) (*types.PodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pod := range s.pods {
		if pod.AssignedTenantID == tenantID && pod.Status == types.PodStatusAssigned {
			return clonePod(pod), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPods(ctx context.Context) ([]*types.PodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pods := make([]*types.PodRecord, 0, len(s.pods))
	for _, pod := range s.pods {
		pods = append(pods, clonePod(pod))
	}
	sortByCreated(pods)
	return pods, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...types.PodStatus) ([]*types.PodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pods []*types.PodRecord
	for _, pod := range s.pods {
		for _, status := range statuses {
			if pod.Status == status {
				pods = append(pods, clonePod(pod))
				break
			}
		}
	}
	sortByCreated(pods)
	return pods, nil
}

func (s *MemoryStore) UpdatePod(ctx context.Context, pod *types.PodRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pods[pod.Name]; !ok {
		return ErrNotFound
	}
	s.pods[pod.Name] = clonePod(pod)
	return nil
}

func (s *MemoryStore) MarkTerminated(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pod, ok := s.pods[name]
	if !ok {
		return nil
	}
	pod.Status = types.PodStatusTerminated
	pod.Address = ""
	return nil
}

func (s *MemoryStore) TouchActivity(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pod, ok := s.pods[name]
	if !ok {
		return ErrNotFound
	}
	t := at
	pod.LastActivityAt = &t
	return nil
}

func (s *MemoryStore) ClaimWarm(ctx context.Context, tenantID string, at time.Time) (*types.PodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*types.PodRecord
	for _, pod := range s.pods {
		if pod.Status == types.PodStatusWarm && pod.Ready {
			candidates = append(candidates, pod)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoWarmPods
	}
	sortByCreated(candidates)

	pod := candidates[0]
	t := at
	pod.Status = types.PodStatusAssigned
	pod.AssignedTenantID = tenantID
	pod.AssignedAt = &t
	pod.LastActivityAt = &t
	return clonePod(pod), nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[types.PodStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.PodStatus]int)
	for _, pod := range s.pods {
		counts[pod.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for name, pod := range s.pods {
		if pod.Status == types.PodStatusTerminated && pod.CreatedAt.Before(cutoff) {
			delete(s.pods, name)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *types.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.events = append(s.events, &e)
	return nil
}

func (s *MemoryStore) RecentEvents(ctx context.Context, limit int) ([]*types.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*types.LifecycleEvent
	for i := len(s.events) - 1; i >= 0 && len(events) < limit; i-- {
		e := *s.events[i]
		events = append(events, &e)
	}
	return events, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, since time.Time) ([]*types.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*types.LifecycleEvent
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(since) {
			e := *ev
			events = append(events, &e)
		}
	}
	return events, nil
}

func (s *MemoryStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.locksMu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreated(pods []*types.PodRecord) {
	sort.Slice(pods, func(i, j int) bool {
		if pods[i].CreatedAt.Equal(pods[j].CreatedAt) {
			return pods[i].ID < pods[j].ID
		}
		return pods[i].CreatedAt.Before(pods[j].CreatedAt)
	})
}
