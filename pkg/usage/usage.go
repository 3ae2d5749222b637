package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/types"
)

// Collector polls the cluster metrics API and caches per-pod usage
// samples. Samples are advisory: a stale or missing sample never blocks
// any fleet operation, and metrics failures do not feed the circuit
// breaker since they say nothing about whether pods can be created.
type Collector struct {
	cfg     *config.Config
	cluster cluster.Client
	breaker *breaker.Breaker
	logger  zerolog.Logger

	mu      sync.RWMutex
	samples map[string]types.PodUsage

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a usage collector
func NewCollector(cfg *config.Config, cl cluster.Client, brk *breaker.Breaker) *Collector {
	return &Collector{
		cfg:     cfg,
		cluster: cl,
		breaker: brk,
		logger:  log.WithComponent("usage"),
		samples: make(map[string]types.PodUsage),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the collection loop
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.UsageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Collect performs one poll of the metrics API. Skipped entirely while
// the breaker is open to avoid piling load on a struggling control plane.
func (c *Collector) Collect(ctx context.Context) {
	if c.breaker.IsOpen() {
		return
	}

	usages, err := c.cluster.PodMetrics(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("pod metrics unavailable")
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range usages {
		u.UpdatedAt = now
		c.samples[u.PodName] = u
	}
	for name, sample := range c.samples {
		if now.Sub(sample.UpdatedAt) > c.cfg.UsageStale {
			delete(c.samples, name)
		}
	}
}

// Get returns the cached sample for one pod, if a fresh one exists.
func (c *Collector) Get(podName string) (types.PodUsage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sample, ok := c.samples[podName]
	if !ok || time.Since(sample.UpdatedAt) > c.cfg.UsageStale {
		return types.PodUsage{}, false
	}
	return sample, true
}

// Snapshot returns a copy of all fresh samples keyed by pod name.
func (c *Collector) Snapshot() map[string]types.PodUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.PodUsage, len(c.samples))
	for name, sample := range c.samples {
		if time.Since(sample.UpdatedAt) > c.cfg.UsageStale {
			continue
		}
		out[name] = sample
	}
	return out
}
