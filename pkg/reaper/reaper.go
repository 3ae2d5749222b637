package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/agent"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

// Reaper periodically evicts dead and idle pods. A pod reporting in-flight
// flow executions is never evicted, no matter how long it has been idle.
type Reaper struct {
	cfg    *config.Config
	store  registry.Store
	agent  agent.Prober
	ctrl   *controller.Controller
	logger zerolog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper
func NewReaper(cfg *config.Config, store registry.Store, prober agent.Prober, ctrl *controller.Controller) *Reaper {
	return &Reaper{
		cfg:    cfg,
		store:  store,
		agent:  prober,
		ctrl:   ctrl,
		logger: log.WithComponent("reaper"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reap loop
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reaper
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reap(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Reap runs one sweep. A sweep still in progress suppresses the next tick
// rather than stacking overlapping passes.
func (r *Reaper) Reap(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug().Msg("previous reap still running, skipping tick")
		return
	}
	defer r.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.reapAssigned(ctx)
	}()
	go func() {
		defer wg.Done()
		r.reapWarm(ctx)
	}()
	wg.Wait()

	r.ctrl.TriggerRefill()
}

// reapAssigned checks each assigned pod's activity endpoint
func (r *Reaper) reapAssigned(ctx context.Context) {
	records, err := r.store.ListByStatus(ctx, types.PodStatusAssigned)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list assigned pods")
		return
	}

	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record *types.PodRecord) {
			defer wg.Done()
			r.checkAssigned(ctx, record)
		}(record)
	}
	wg.Wait()
}

func (r *Reaper) checkAssigned(ctx context.Context, record *types.PodRecord) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	report, err := r.agent.Activity(probeCtx, record.Address)
	cancel()

	if err != nil {
		r.logger.Warn().Str("pod", record.Name).Err(err).Msg("assigned pod unresponsive, releasing")
		metrics.PodsReaped.WithLabelValues("health_fail").Inc()
		if err := r.ctrl.Release(ctx, record.Name, types.EventHealthFail); err != nil {
			r.logger.Error().Err(err).Str("pod", record.Name).Msg("release failed")
		}
		return
	}

	// In-flight executions always win over idle time
	if report.FlowsRunning > 0 {
		return
	}

	if report.Idle() > r.cfg.IdleTimeout {
		r.logger.Info().Str("pod", record.Name).Dur("idle", report.Idle()).Msg("idle pod, releasing")
		metrics.PodsReaped.WithLabelValues("idle_killed").Inc()
		if err := r.ctrl.Release(ctx, record.Name, types.EventIdleKilled); err != nil {
			r.logger.Error().Err(err).Str("pod", record.Name).Msg("release failed")
		}
	}
}

// reapWarm liveness-probes each warm pod; unreachable ones are deleted
// outright since there is nothing to drain.
func (r *Reaper) reapWarm(ctx context.Context) {
	records, err := r.store.ListByStatus(ctx, types.PodStatusWarm)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list warm pods")
		return
	}

	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record *types.PodRecord) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			err := r.agent.Health(probeCtx, record.Address)
			cancel()
			if err != nil {
				r.logger.Warn().Str("pod", record.Name).Err(err).Msg("warm pod unreachable, discarding")
				metrics.PodsReaped.WithLabelValues("health_fail").Inc()
				r.ctrl.DiscardWarm(ctx, record.Name)
			}
		}(record)
	}
	wg.Wait()
}
