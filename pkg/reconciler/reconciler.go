package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

// Reconciler converges the registry toward the cluster's ground truth.
// The registry and cluster are allowed to diverge transiently; each pass
// repairs orphans in both directions, retries stuck deletions, and
// force-terminates records stuck in provisioning.
type Reconciler struct {
	cfg     *config.Config
	store   registry.Store
	cluster cluster.Client
	breaker *breaker.Breaker
	ctrl    *controller.Controller
	logger  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler
func NewReconciler(cfg *config.Config, store registry.Store, cl cluster.Client, brk *breaker.Breaker, ctrl *controller.Controller) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		cluster: cl,
		breaker: brk,
		ctrl:    ctrl,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start runs one pass immediately, then begins the reconcile loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	if err := r.Reconcile(context.Background()); err != nil {
		r.logger.Error().Err(err).Msg("startup reconcile failed")
	}

	ticker := time.NewTicker(r.cfg.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconcile failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one full pass. Every control-plane call goes through
// the shared breaker; a pass whose calls all succeed resets the breaker's
// failure count, and listing or deletion failures count against it.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcilePasses.Inc()
	}()

	clusterPods, err := r.cluster.ListPods(ctx)
	if err != nil {
		r.breaker.RecordFailure()
		return fmt.Errorf("failed to list cluster pods: %w", err)
	}

	records, err := r.store.ListByStatus(ctx,
		types.PodStatusStarting, types.PodStatusWarm,
		types.PodStatusAssigned, types.PodStatusDraining)
	if err != nil {
		return fmt.Errorf("failed to list registry rows: %w", err)
	}

	inCluster := make(map[string]cluster.PodState, len(clusterPods))
	for _, pod := range clusterPods {
		inCluster[pod.Name] = pod
	}
	inRegistry := make(map[string]bool, len(records))
	for _, record := range records {
		inRegistry[record.Name] = true
	}

	clean := true
	now := time.Now()
	for _, record := range records {
		_, exists := inCluster[record.Name]

		switch {
		case !exists:
			// Registry thinks the pod exists; the cluster disagrees
			r.logger.Warn().Str("pod", record.Name).Str("status", string(record.Status)).
				Msg("registry row has no cluster pod, terminating record")
			metrics.OrphansRepaired.WithLabelValues("registry").Inc()
			r.ctrl.ForceTerminate(ctx, record.Name, types.EventError, types.EventDetails{
				"reason": "no matching cluster pod",
				"status": string(record.Status),
			})

		case record.Status == types.PodStatusDraining:
			// A deletion that never got confirmed; try again
			r.logger.Info().Str("pod", record.Name).Msg("retrying deletion of draining pod")
			r.ctrl.DeleteByName(ctx, record.Name)

		case record.Status == types.PodStatusStarting && now.Sub(record.CreatedAt) > r.cfg.StartingStale:
			// Stuck provisioning; discard and let the filler replace it
			r.logger.Warn().Str("pod", record.Name).Msg("pod stuck in starting, terminating")
			if err := r.ctrl.DeleteClusterPod(ctx, record.Name); err != nil {
				clean = false
				r.logger.Error().Err(err).Str("pod", record.Name).Msg("failed to delete stuck pod")
			}
			r.ctrl.ForceTerminate(ctx, record.Name, types.EventError, types.EventDetails{
				"reason": "stuck in starting",
				"age":    now.Sub(record.CreatedAt).String(),
			})
		}
	}

	// Cluster pods the registry knows nothing about are true orphans
	for name := range inCluster {
		if inRegistry[name] {
			continue
		}
		r.logger.Warn().Str("pod", name).Msg("unmanaged cluster pod, deleting")
		metrics.OrphansRepaired.WithLabelValues("cluster").Inc()
		if err := r.ctrl.DeleteClusterPod(ctx, name); err != nil {
			clean = false
			r.logger.Error().Err(err).Str("pod", name).Msg("failed to delete orphan pod")
		}
	}

	r.refreshGauges(ctx)
	if clean {
		r.breaker.RecordSuccess()
	}
	r.ctrl.TriggerRefill()
	return nil
}

// refreshGauges republishes the per-status pod counts
func (r *Reconciler) refreshGauges(ctx context.Context) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []types.PodStatus{
		types.PodStatusStarting, types.PodStatusWarm, types.PodStatusAssigned,
		types.PodStatusDraining, types.PodStatusTerminated,
	} {
		metrics.PodsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	metrics.PoolTarget.Set(float64(r.ctrl.PoolTarget()))
}
