package stats

import (
	"context"
	"time"

	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
	"github.com/flowdeck/fleet/pkg/usage"
)

// Service computes read-only views over the registry for the API: pod
// listings joined with usage samples, pool counts, and 24h aggregates
// derived from the event log.
type Service struct {
	store registry.Store
	usage *usage.Collector
	ctrl  *controller.Controller
}

// NewService creates a stats service
func NewService(store registry.Store, collector *usage.Collector, ctrl *controller.Controller) *Service {
	return &Service{store: store, usage: collector, ctrl: ctrl}
}

// ListPods returns every registry record joined with its cached usage sample
func (s *Service) ListPods(ctx context.Context) ([]types.PodInfo, error) {
	records, err := s.store.ListPods(ctx)
	if err != nil {
		return nil, err
	}

	samples := s.usage.Snapshot()
	infos := make([]types.PodInfo, 0, len(records))
	for _, record := range records {
		info := types.PodInfo{PodRecord: *record}
		if sample, ok := samples[record.Name]; ok {
			info.Usage = &sample
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PoolStats returns a point-in-time view of the fleet
func (s *Service) PoolStats(ctx context.Context) (*types.PoolStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &types.PoolStats{
		Target:           s.ctrl.PoolTarget(),
		Starting:         counts[types.PodStatusStarting],
		Warm:             counts[types.PodStatusWarm],
		Assigned:         counts[types.PodStatusAssigned],
		Draining:         counts[types.PodStatusDraining],
		Terminated:       counts[types.PodStatusTerminated],
		BreakerOpen:      s.ctrl.BreakerOpen(),
		OnDemandInFlight: s.ctrl.OnDemandInFlight(),
	}, nil
}

// RecentEvents returns the latest limit lifecycle events, newest first
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]*types.LifecycleEvent, error) {
	return s.store.RecentEvents(ctx, limit)
}

// Daily aggregates the last 24 hours of lifecycle events.
//
// Average session length is computed from assigned/released pairs on the
// same pod within the window; sessions still open or begun before the
// window are excluded. Peak concurrency is reconstructed by seeding the
// current assigned count back through the window's net delta, then
// sweeping the events forward.
func (s *Service) Daily(ctx context.Context) (*types.DailyStats, error) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := s.store.EventsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	out := &types.DailyStats{}
	sessionStart := make(map[string]time.Time)
	ends := make([]bool, len(events))
	var sessionTotal time.Duration
	var sessions int
	var netDelta int

	for i, ev := range events {
		switch ev.EventType {
		case types.EventAssigned:
			out.Assignments++
			netDelta++
			sessionStart[ev.PodName] = ev.CreatedAt
		case types.EventIdleKilled:
			out.IdleKills++
		case types.EventHealthFail:
			out.HealthFails++
		}

		if endsSession(ev, sessionStart) {
			ends[i] = true
			netDelta--
			if start, ok := sessionStart[ev.PodName]; ok {
				sessionTotal += ev.CreatedAt.Sub(start)
				sessions++
				delete(sessionStart, ev.PodName)
			}
		}
	}

	if sessions > 0 {
		out.AvgSessionSeconds = sessionTotal.Seconds() / float64(sessions)
	}

	// Replay the window to find the concurrency high-water mark. The count
	// at the window's start is the current count minus everything that
	// changed it since.
	concurrent := counts[types.PodStatusAssigned] - netDelta
	if concurrent < 0 {
		concurrent = 0
	}
	peak := concurrent
	for i, ev := range events {
		if ev.EventType == types.EventAssigned {
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
		} else if ends[i] {
			concurrent--
		}
	}
	out.PeakConcurrent = peak

	return out, nil
}

// endsSession reports whether ev closes an assigned session. Reason events
// (idle_killed, health_fail, admin_release) ride alongside a released
// event for the same pod and must not count twice, and a release or
// out-of-band deletion of a pod that was never assigned must not count at
// all. A session is known either from an in-window assigned event or from
// the pre-termination status the emitters stamp into the details.
func endsSession(ev *types.LifecycleEvent, started map[string]time.Time) bool {
	switch ev.EventType {
	case types.EventReleased, types.EventWatchDeleted, types.EventWatchTerminated:
	default:
		return false
	}
	if _, ok := started[ev.PodName]; ok {
		return true
	}
	status, _ := ev.Details["status"].(string)
	return status == string(types.PodStatusAssigned)
}
