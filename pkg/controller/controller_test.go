package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/fleet/pkg/agent"
	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/events"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

type testFleet struct {
	cfg    *config.Config
	store  *registry.MemoryStore
	fake   *cluster.Fake
	prober *agent.FakeProber
	brk    *breaker.Breaker
	ctrl   *Controller
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.PoolTarget = 3
	cfg.OnDemandCap = 3
	cfg.ReadyTimeout = 2 * time.Second
	cfg.ReadyPollEvery = 5 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.ShutdownGrace = 300 * time.Millisecond
	cfg.ShutdownPollEach = 20 * time.Millisecond

	f := &testFleet{
		cfg:    cfg,
		store:  registry.NewMemoryStore(),
		fake:   cluster.NewFake(),
		prober: agent.NewFakeProber(),
		brk:    breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	f.ctrl = New(cfg, f.store, f.fake, f.prober, f.brk, events.NewBroker())
	return f
}

func (f *testFleet) countStatus(t *testing.T, status types.PodStatus) int {
	t.Helper()
	counts, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	return counts[status]
}

func (f *testFleet) eventTypes(t *testing.T) []types.EventType {
	t.Helper()
	evs, err := f.store.RecentEvents(context.Background(), 100)
	require.NoError(t, err)
	out := make([]types.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.EventType)
	}
	return out
}

func TestFillToTarget(t *testing.T) {
	f := newTestFleet(t)

	f.ctrl.Fill(context.Background())

	assert.Equal(t, 3, f.countStatus(t, types.PodStatusWarm))
	assert.Len(t, f.fake.Created, 3)

	// A second fill must not over-provision
	f.ctrl.Fill(context.Background())
	assert.Equal(t, 3, f.countStatus(t, types.PodStatusWarm))
	assert.Len(t, f.fake.Created, 3)
}

func TestFillSkipsWhenBreakerOpen(t *testing.T) {
	f := newTestFleet(t)
	for i := 0; i < f.cfg.BreakerThreshold; i++ {
		f.brk.RecordFailure()
	}

	f.ctrl.Fill(context.Background())

	assert.Empty(t, f.fake.Created)
	assert.Equal(t, 0, f.countStatus(t, types.PodStatusWarm))
}

func TestFillFailureTripsBreaker(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.poolTarget.Store(1)
	// Every create attempt fails, exhausting the retry budget
	f.fake.FailCreates(3)

	f.ctrl.Fill(context.Background())

	assert.Equal(t, 0, f.countStatus(t, types.PodStatusWarm))
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusTerminated))
	assert.True(t, f.brk.IsOpen())

	// With the breaker open the next fill does not touch the cluster
	f.ctrl.Fill(context.Background())
	assert.Empty(t, f.fake.Created)
}

func TestAssignClaimsWarmPod(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	address, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotEmpty(t, address)

	assert.Equal(t, 2, f.countStatus(t, types.PodStatusWarm))
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusAssigned))
	assert.Equal(t, []string{"tenant-1"}, f.prober.LoadedTenants())

	record, err := f.store.GetAssigned(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, address, record.Address)
	assert.NotNil(t, record.AssignedAt)

	assert.Contains(t, f.eventTypes(t), types.EventAssigned)
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	first, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	second, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusAssigned))
	// Only the first call performs a state handoff
	assert.Len(t, f.prober.LoadedTenants(), 1)
}

func TestAssignReplacesDeadAssignment(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	first, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	f.prober.MarkDead(first)

	second, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Equal(t, 1, f.countStatus(t, types.PodStatusAssigned))
	record, err := f.store.GetAssigned(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, second, record.Address)
}

func TestAssignSkipsDeadWarmPods(t *testing.T) {
	f := newTestFleet(t)
	base := time.Now().Add(-time.Minute)

	// Two warm pods; the older one, which ClaimWarm hands out first, is dead
	for i, name := range []string{"editor-dead", "editor-live"} {
		address := fmt.Sprintf("10.244.0.%d", i+1)
		require.NoError(t, f.store.CreatePod(context.Background(), &types.PodRecord{
			Name:      name,
			Address:   address,
			Status:    types.PodStatusWarm,
			Ready:     true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
		f.fake.AddPod(cluster.PodState{Name: name, Phase: "Running", Ready: true, Address: address})
	}
	f.prober.MarkDead("10.244.0.1")

	address, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "10.244.0.2", address)

	// The dead pod was discarded, not handed out
	dead, err := f.store.GetPod(context.Background(), "editor-dead")
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusTerminated, dead.Status)
	assert.False(t, f.fake.HasPod("editor-dead"))
}

func TestAssignOnDemandWhenPoolEmpty(t *testing.T) {
	f := newTestFleet(t)

	address, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.NotEmpty(t, address)

	assert.Equal(t, 1, f.countStatus(t, types.PodStatusAssigned))
	assert.Equal(t, []string{"tenant-1"}, f.prober.LoadedTenants())
	assert.Equal(t, 0, f.ctrl.OnDemandInFlight())
}

func TestAssignOnDemandCapRefusesExcess(t *testing.T) {
	f := newTestFleet(t)
	f.cfg.OnDemandCap = 1

	// Occupy the only admission slot
	f.ctrl.onDemand.Add(1)
	defer f.ctrl.onDemand.Add(-1)

	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, f.countStatus(t, types.PodStatusAssigned))
}

func TestAssignConcurrentOnDemandHonorsCap(t *testing.T) {
	f := newTestFleet(t)
	f.fake.SetAutoReady(false)

	// Three tenants fill every admission slot; their provisioning blocks
	// on readiness, so the slots stay held.
	var wg sync.WaitGroup
	addresses := make(chan string, f.cfg.OnDemandCap)
	for i := 0; i < f.cfg.OnDemandCap; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			address, err := f.ctrl.Assign(context.Background(), fmt.Sprintf("tenant-%d", n))
			if assert.NoError(t, err) {
				addresses <- address
			}
		}(i)
	}
	require.Eventually(t, func() bool {
		return f.ctrl.OnDemandInFlight() == f.cfg.OnDemandCap
	}, 2*time.Second, 5*time.Millisecond)

	// A fourth tenant is refused, never queued
	_, err := f.ctrl.Assign(context.Background(), "tenant-late")
	assert.ErrorIs(t, err, ErrUnavailable)

	// Releasing readiness lets the three in-flight assigns finish
	pods, err := f.fake.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, f.cfg.OnDemandCap)
	for i, pod := range pods {
		address := fmt.Sprintf("10.244.1.%d", i+1)
		f.fake.SetPodState(pod.Name, func(s *cluster.PodState) {
			s.Phase = "Running"
			s.Ready = true
			s.Address = address
		})
	}
	wg.Wait()
	close(addresses)

	seen := make(map[string]bool)
	for address := range addresses {
		seen[address] = true
	}
	assert.Len(t, seen, f.cfg.OnDemandCap, "every admitted assign got its own pod")
	assert.Equal(t, f.cfg.OnDemandCap, f.countStatus(t, types.PodStatusAssigned))
	assert.Equal(t, 0, f.ctrl.OnDemandInFlight())
}

func TestAssignBreakerOpenRefusesOnDemand(t *testing.T) {
	f := newTestFleet(t)
	for i := 0; i < f.cfg.BreakerThreshold; i++ {
		f.brk.RecordFailure()
	}

	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, f.fake.Created)
}

func TestAssignRequiresTenant(t *testing.T) {
	f := newTestFleet(t)
	_, err := f.ctrl.Assign(context.Background(), "")
	assert.Error(t, err)
}

func TestAssignDuringShutdown(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.shuttingDown.Store(true)

	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestConcurrentAssignSameTenant(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	const callers = 8
	addresses := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			address, err := f.ctrl.Assign(context.Background(), "tenant-1")
			assert.NoError(t, err)
			addresses[i] = address
		}(i)
	}
	wg.Wait()

	for _, address := range addresses {
		assert.Equal(t, addresses[0], address)
	}
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusAssigned))
	assert.Len(t, f.prober.LoadedTenants(), 1)
}

func TestConcurrentAssignDistinctTenants(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	tenants := []string{"t1", "t2", "t3"}
	addresses := make(map[string]string, len(tenants))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			address, err := f.ctrl.Assign(context.Background(), tenant)
			assert.NoError(t, err)
			mu.Lock()
			addresses[tenant] = address
			mu.Unlock()
		}(tenant)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, address := range addresses {
		assert.False(t, seen[address], "two tenants share address %s", address)
		seen[address] = true
	}
	assert.Equal(t, 3, f.countStatus(t, types.PodStatusAssigned))
	assert.Equal(t, 0, f.countStatus(t, types.PodStatusWarm))
}

func TestGetAddressForTenant(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	_, err := f.ctrl.GetAddressForTenant(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	assigned, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	address, err := f.ctrl.GetAddressForTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, assigned, address)
}

func TestReleaseDrainsAndDeletes(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	address, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	record, err := f.store.GetAssigned(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Release(context.Background(), record.Name, types.EventIdleKilled))

	after, err := f.store.GetPod(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusTerminated, after.Status)
	assert.False(t, f.fake.HasPod(record.Name))
	assert.Contains(t, f.prober.Unloaded, address)

	evs := f.eventTypes(t)
	assert.Contains(t, evs, types.EventReleased)
	assert.Contains(t, evs, types.EventIdleKilled)
}

func TestReleaseTerminalPodIsNoop(t *testing.T) {
	f := newTestFleet(t)
	record := &types.PodRecord{Name: "editor-gone", Status: types.PodStatusTerminated, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreatePod(context.Background(), record))

	require.NoError(t, f.ctrl.Release(context.Background(), "editor-gone", types.EventReleased))
	assert.Empty(t, f.fake.Deleted)
	assert.NotContains(t, f.eventTypes(t), types.EventReleased)
}

func TestUnconfirmedDeleteLeavesDraining(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())

	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)
	record, err := f.store.GetAssigned(context.Background(), "tenant-1")
	require.NoError(t, err)

	f.fake.FailDeletes(3)
	require.NoError(t, f.ctrl.Release(context.Background(), record.Name, types.EventReleased))

	after, err := f.store.GetPod(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusDraining, after.Status)
	assert.True(t, f.fake.HasPod(record.Name))
}

func TestForceTerminate(t *testing.T) {
	f := newTestFleet(t)
	record := &types.PodRecord{Name: "editor-x", Status: types.PodStatusWarm, Ready: true, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreatePod(context.Background(), record))

	f.ctrl.ForceTerminate(context.Background(), "editor-x", types.EventWatchDeleted, nil)

	after, err := f.store.GetPod(context.Background(), "editor-x")
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusTerminated, after.Status)
	assert.Empty(t, f.fake.Deleted)
	assert.Contains(t, f.eventTypes(t), types.EventWatchDeleted)
}

func TestProvisionFailsWhenNeverReady(t *testing.T) {
	f := newTestFleet(t)
	f.cfg.ReadyTimeout = 50 * time.Millisecond
	f.fake.SetAutoReady(false)

	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrProvisionFailed)

	assert.Equal(t, 0, f.countStatus(t, types.PodStatusAssigned))
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusTerminated))
	// The half-provisioned cluster pod was cleaned up
	assert.Len(t, f.fake.Deleted, 1)
}

func TestSetPoolTarget(t *testing.T) {
	f := newTestFleet(t)

	assert.Error(t, f.ctrl.SetPoolTarget(context.Background(), -1))

	require.NoError(t, f.ctrl.SetPoolTarget(context.Background(), 5))
	assert.Equal(t, 5, f.ctrl.PoolTarget())
	assert.Contains(t, f.eventTypes(t), types.EventAdminPoolResize)

	f.ctrl.Fill(context.Background())
	assert.Equal(t, 5, f.countStatus(t, types.PodStatusWarm))
}

func TestShutdownDrainsFleet(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())
	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Shutdown(context.Background()))

	records, err := f.store.ListPods(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, types.PodStatusTerminated, record.Status, "pod %s", record.Name)
	}

	_, err = f.ctrl.Assign(context.Background(), "tenant-2")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownWaitsForRunningFlows(t *testing.T) {
	f := newTestFleet(t)
	address, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	// The pod reports an in-flight flow for the whole grace window
	f.prober.SetActivity(address, types.ActivityReport{FlowsRunning: 1})

	start := time.Now()
	require.NoError(t, f.ctrl.Shutdown(context.Background()))
	elapsed := time.Since(start)

	// Shutdown honored the grace period, then deleted the pod anyway
	assert.GreaterOrEqual(t, elapsed, f.cfg.ShutdownGrace-f.cfg.ShutdownPollEach)
	assert.Equal(t, 1, f.countStatus(t, types.PodStatusTerminated))
}

func TestDrainAll(t *testing.T) {
	f := newTestFleet(t)
	f.ctrl.Fill(context.Background())
	_, err := f.ctrl.Assign(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.DrainAll(context.Background()))

	assert.Equal(t, 0, f.countStatus(t, types.PodStatusWarm))
	assert.Equal(t, 0, f.countStatus(t, types.PodStatusAssigned))
	assert.Contains(t, f.eventTypes(t), types.EventAdminDrainAll)
}

func TestCleanupTerminated(t *testing.T) {
	f := newTestFleet(t)
	old := &types.PodRecord{Name: "editor-old", Status: types.PodStatusTerminated, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &types.PodRecord{Name: "editor-new", Status: types.PodStatusTerminated, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreatePod(context.Background(), old))
	require.NoError(t, f.store.CreatePod(context.Background(), fresh))

	removed, err := f.ctrl.CleanupTerminated(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = f.store.GetPod(context.Background(), "editor-old")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.store.GetPod(context.Background(), "editor-new")
	assert.NoError(t, err)
}
