package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

// Watcher subscribes to cluster pod events and folds them into the
// registry as they happen, instead of waiting for the next reconcile
// pass. The reconciler remains the backstop; the watcher just shortens
// the window between a pod dying and the fleet noticing.
type Watcher struct {
	cfg     *config.Config
	store   registry.Store
	cluster cluster.Client
	ctrl    *controller.Controller
	logger  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher
func NewWatcher(cfg *config.Config, store registry.Store, cl cluster.Client, ctrl *controller.Controller) *Watcher {
	return &Watcher{
		cfg:     cfg,
		store:   store,
		cluster: cl,
		ctrl:    ctrl,
		logger:  log.WithComponent("watcher"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the watch loop
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// run establishes the watch stream and reconnects whenever it drops.
// Events missed during a reconnect gap are picked up by the reconciler.
func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		events, err := w.cluster.WatchPods(ctx)
		if err != nil {
			cancel()
			w.logger.Error().Err(err).Msg("failed to open pod watch, retrying")
			if !w.sleep(w.cfg.WatchReconnect) {
				return
			}
			continue
		}

		w.consume(ctx, cancel, events)

		if !w.sleep(w.cfg.WatchReconnect) {
			return
		}
	}
}

// consume drains one watch stream until it closes or the watcher stops.
func (w *Watcher) consume(ctx context.Context, cancel context.CancelFunc, events <-chan cluster.PodEvent) {
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				w.logger.Warn().Msg("pod watch stream closed, reconnecting")
				return
			}
			w.handle(ctx, ev)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev cluster.PodEvent) {
	record, err := w.store.GetPod(ctx, ev.Pod.Name)
	if err != nil {
		// Not one of ours, or already purged. The reconciler deletes
		// unmanaged pods; nothing to do here.
		return
	}
	if record.Status.Terminal() {
		return
	}

	switch ev.Kind {
	case cluster.EventDeleted:
		w.logger.Info().Str("pod", record.Name).Str("status", string(record.Status)).
			Msg("pod deleted out of band")
		w.ctrl.ForceTerminate(ctx, record.Name, types.EventWatchDeleted, types.EventDetails{
			"status": string(record.Status),
		})
		w.ctrl.TriggerRefill()

	case cluster.EventAdded, cluster.EventModified:
		w.observe(ctx, record, ev.Pod)
	}
}

// observe processes an add/modify for a pod the registry tracks.
func (w *Watcher) observe(ctx context.Context, record *types.PodRecord, state cluster.PodState) {
	if state.Failure != "" && (record.Status == types.PodStatusStarting || record.Status == types.PodStatusWarm) {
		w.logger.Warn().Str("pod", record.Name).Str("failure", state.Failure).
			Msg("pod failing before assignment, discarding")
		w.ctrl.DeleteByName(ctx, record.Name)
		w.ctrl.TriggerRefill()
		return
	}

	if state.Terminal() {
		w.logger.Info().Str("pod", record.Name).Str("phase", state.Phase).
			Msg("pod reached terminal phase")
		w.ctrl.ForceTerminate(ctx, record.Name, types.EventWatchTerminated, types.EventDetails{
			"phase":  state.Phase,
			"status": string(record.Status),
		})
		w.ctrl.TriggerRefill()
		return
	}

	// Backfill the address if the pod got one after we recorded it
	if record.Address == "" && state.Address != "" {
		record.Address = state.Address
		if err := w.store.UpdatePod(ctx, record); err != nil {
			w.logger.Error().Err(err).Str("pod", record.Name).Msg("failed to backfill pod address")
		}
	}
}

// sleep waits for d or until the watcher is stopped. Returns false on stop.
func (w *Watcher) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.stopCh:
		return false
	}
}
