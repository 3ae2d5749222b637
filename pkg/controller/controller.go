package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/agent"
	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/events"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

var (
	// ErrUnavailable means admission was refused: the on-demand cap is
	// reached or the breaker is open. Retryable by the caller.
	ErrUnavailable = errors.New("no pod available, try again shortly")

	// ErrProvisionFailed means every provisioning attempt was exhausted
	ErrProvisionFailed = errors.New("pod provisioning failed")

	// ErrShuttingDown is returned for assignments during shutdown
	ErrShuttingDown = errors.New("controller is shutting down")

	// errBreakerOpen guards cluster calls internally
	errBreakerOpen = errors.New("control plane breaker is open")
)

// Controller owns the pod fleet: the warm pool, the assignment protocol,
// and the shared deletion/drain primitives the background loops build on.
// All mutable fleet state lives in the registry; the controller itself only
// carries counters and the runtime pool-target override.
type Controller struct {
	cfg     *config.Config
	store   registry.Store
	cluster cluster.Client
	agent   agent.Prober
	breaker *breaker.Breaker
	broker  *events.Broker
	logger  zerolog.Logger

	poolTarget   atomic.Int64
	onDemand     atomic.Int64
	shuttingDown atomic.Bool

	refillCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a controller. Nothing runs until Start.
func New(cfg *config.Config, store registry.Store, cl cluster.Client, prober agent.Prober, brk *breaker.Breaker, broker *events.Broker) *Controller {
	c := &Controller{
		cfg:      cfg,
		store:    store,
		cluster:  cl,
		agent:    prober,
		breaker:  brk,
		broker:   broker,
		logger:   log.WithComponent("controller"),
		refillCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	c.poolTarget.Store(int64(cfg.PoolTarget))
	metrics.PoolTarget.Set(float64(cfg.PoolTarget))
	return c
}

// Start launches the warm-pool fill loop
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.fillLoop()
}

// Stop stops the fill loop and waits for it to exit
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// PoolTarget returns the current desired warm-pool size
func (c *Controller) PoolTarget() int {
	return int(c.poolTarget.Load())
}

// SetPoolTarget overrides the desired warm-pool size at runtime
func (c *Controller) SetPoolTarget(ctx context.Context, target int) error {
	if target < 0 {
		return errors.New("pool target must be >= 0")
	}
	old := c.poolTarget.Swap(int64(target))
	metrics.PoolTarget.Set(float64(target))
	c.event(ctx, "", types.EventAdminPoolResize, "", types.EventDetails{
		"old": old, "new": target,
	})
	c.TriggerRefill()
	c.logger.Info().Int64("old", old).Int("new", target).Msg("pool target changed")
	return nil
}

// OnDemandInFlight returns the number of on-demand creations in flight
func (c *Controller) OnDemandInFlight() int {
	return int(c.onDemand.Load())
}

// BreakerOpen reports the shared breaker state
func (c *Controller) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// TriggerRefill requests an opportunistic fill cycle without blocking.
// The buffered channel coalesces bursts; the fill loop picks it up.
func (c *Controller) TriggerRefill() {
	select {
	case c.refillCh <- struct{}{}:
	default:
	}
}

func (c *Controller) fillLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Fill(context.Background())
		case <-c.refillCh:
			c.Fill(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Fill tops the warm pool up to the target. The N creations run
// concurrently so one slow pod cannot stall the rest; partial failures do
// not roll back the successes.
func (c *Controller) Fill(ctx context.Context) {
	if c.shuttingDown.Load() {
		return
	}
	if c.breaker.IsOpen() {
		c.logger.Warn().Msg("skipping pool fill, control plane breaker is open")
		return
	}

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to count pods for fill")
		return
	}

	needed := c.PoolTarget() - counts[types.PodStatusWarm] - counts[types.PodStatusStarting]
	if needed <= 0 {
		return
	}

	c.logger.Info().Int("needed", needed).Msg("filling warm pool")

	var wg sync.WaitGroup
	for i := 0; i < needed; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.provisionWarm(ctx); err != nil {
				c.logger.Error().Err(err).Msg("warm pod provisioning failed")
			}
		}()
	}
	wg.Wait()
}

// clusterCall wraps one control-plane call in the shared breaker's
// check-before/record-after pattern. A NotFound answer is a successful
// call, not a control-plane failure.
func (c *Controller) clusterCall(fn func() error) error {
	if c.breaker.IsOpen() {
		metrics.BreakerOpen.Set(1)
		return errBreakerOpen
	}
	err := fn()
	if err != nil && !errors.Is(err, cluster.ErrPodNotFound) {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	if c.breaker.IsOpen() {
		metrics.BreakerOpen.Set(1)
	} else {
		metrics.BreakerOpen.Set(0)
	}
	return err
}

// event appends to the durable log and fans out to live subscribers
func (c *Controller) event(ctx context.Context, podName string, et types.EventType, tenantID string, details types.EventDetails) {
	ev := &types.LifecycleEvent{
		PodName:   podName,
		EventType: et,
		TenantID:  tenantID,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		c.logger.Error().Err(err).Str("event", string(et)).Msg("failed to append lifecycle event")
	}
	if c.broker != nil {
		c.broker.Publish(ev)
	}
}
