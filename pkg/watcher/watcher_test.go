package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/fleet/pkg/agent"
	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/events"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

type testEnv struct {
	store   *registry.MemoryStore
	fake    *cluster.Fake
	watcher *Watcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.WatchReconnect = 10 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond

	store := registry.NewMemoryStore()
	fake := cluster.NewFake()
	brk := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	ctrl := controller.New(cfg, store, fake, agent.NewFakeProber(), brk, events.NewBroker())

	e := &testEnv{
		store:   store,
		fake:    fake,
		watcher: NewWatcher(cfg, store, fake, ctrl),
	}
	e.watcher.Start()
	t.Cleanup(e.watcher.Stop)

	// Events published before the watcher subscribes are lost, so wait for
	// the stream to be open before handing the env to the test.
	require.Eventually(t, func() bool { return fake.WatcherCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	return e
}

func (e *testEnv) addRecord(t *testing.T, name, address string, status types.PodStatus) {
	t.Helper()
	require.NoError(t, e.store.CreatePod(context.Background(), &types.PodRecord{
		Name:      name,
		Address:   address,
		Status:    status,
		Ready:     status != types.PodStatusStarting,
		CreatedAt: time.Now(),
	}))
	e.fake.AddPod(cluster.PodState{Name: name, Phase: "Running", Ready: true, Address: address})
}

func (e *testEnv) waitStatus(t *testing.T, name string, want types.PodStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		record, err := e.store.GetPod(context.Background(), name)
		return err == nil && record.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherTerminatesOnDelete(t *testing.T) {
	e := newTestEnv(t)
	e.addRecord(t, "editor-a", "10.244.0.1", types.PodStatusAssigned)

	e.fake.Publish(cluster.PodEvent{
		Kind: cluster.EventDeleted,
		Pod:  cluster.PodState{Name: "editor-a"},
	})

	e.waitStatus(t, "editor-a", types.PodStatusTerminated)

	evs, err := e.store.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventWatchDeleted, evs[0].EventType)
}

func TestWatcherDiscardsCrashLooping(t *testing.T) {
	e := newTestEnv(t)
	e.addRecord(t, "editor-a", "10.244.0.1", types.PodStatusWarm)

	e.fake.Publish(cluster.PodEvent{
		Kind: cluster.EventModified,
		Pod:  cluster.PodState{Name: "editor-a", Phase: "Running", Failure: "CrashLoopBackOff"},
	})

	e.waitStatus(t, "editor-a", types.PodStatusTerminated)
	assert.False(t, e.fake.HasPod("editor-a"))
}

func TestWatcherTerminatesOnTerminalPhase(t *testing.T) {
	e := newTestEnv(t)
	e.addRecord(t, "editor-a", "10.244.0.1", types.PodStatusAssigned)

	e.fake.Publish(cluster.PodEvent{
		Kind: cluster.EventModified,
		Pod:  cluster.PodState{Name: "editor-a", Phase: "Failed"},
	})

	e.waitStatus(t, "editor-a", types.PodStatusTerminated)

	evs, err := e.store.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventWatchTerminated, evs[0].EventType)
}

func TestWatcherBackfillsAddress(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.CreatePod(context.Background(), &types.PodRecord{
		Name:      "editor-a",
		Status:    types.PodStatusStarting,
		CreatedAt: time.Now(),
	}))

	e.fake.Publish(cluster.PodEvent{
		Kind: cluster.EventModified,
		Pod:  cluster.PodState{Name: "editor-a", Phase: "Running", Ready: true, Address: "10.244.0.7"},
	})

	require.Eventually(t, func() bool {
		record, err := e.store.GetPod(context.Background(), "editor-a")
		return err == nil && record.Address == "10.244.0.7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresUnknownPods(t *testing.T) {
	e := newTestEnv(t)

	e.fake.Publish(cluster.PodEvent{
		Kind: cluster.EventDeleted,
		Pod:  cluster.PodState{Name: "editor-unknown"},
	})

	time.Sleep(50 * time.Millisecond)
	evs, err := e.store.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestWatcherReconnectsAfterStreamClose(t *testing.T) {
	e := newTestEnv(t)
	e.addRecord(t, "editor-a", "10.244.0.1", types.PodStatusAssigned)

	e.fake.CloseWatchers()

	// Once the watcher resubscribes, events flow again. Termination is
	// idempotent, so publishing on every poll is harmless.
	require.Eventually(t, func() bool {
		e.fake.Publish(cluster.PodEvent{
			Kind: cluster.EventDeleted,
			Pod:  cluster.PodState{Name: "editor-a"},
		})
		record, err := e.store.GetPod(context.Background(), "editor-a")
		return err == nil && record.Status == types.PodStatusTerminated
	}, 2*time.Second, 20*time.Millisecond)
}
