package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/flowdeck/fleet/pkg/types"
)

// FakeProber is an in-memory Prober for tests. By default every address is
// healthy, fully idle, and accepts state handoffs; tests mark addresses
// dead or set activity per address.
type FakeProber struct {
	mu       sync.Mutex
	dead     map[string]bool
	activity map[string]types.ActivityReport
	loadErr  map[string]error

	Loaded   []string
	Unloaded []string
}

// NewFakeProber creates a fake prober where every pod answers
func NewFakeProber() *FakeProber {
	return &FakeProber{
		dead:     make(map[string]bool),
		activity: make(map[string]types.ActivityReport),
		loadErr:  make(map[string]error),
	}
}

// MarkDead makes every probe against address fail
func (f *FakeProber) MarkDead(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[address] = true
}

// SetActivity sets the report Activity returns for address
func (f *FakeProber) SetActivity(address string, report types.ActivityReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity[address] = report
}

// FailLoadState makes LoadState against address return err
func (f *FakeProber) FailLoadState(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr[address] = err
}

// LoadedTenants returns the tenant ids handed off so far
func (f *FakeProber) LoadedTenants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Loaded...)
}

func (f *FakeProber) Health(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[address] {
		return errors.New("fake: pod unreachable")
	}
	return nil
}

func (f *FakeProber) Activity(ctx context.Context, address string) (*types.ActivityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[address] {
		return nil, errors.New("fake: pod unreachable")
	}
	report := f.activity[address]
	return &report, nil
}

func (f *FakeProber) LoadState(ctx context.Context, address, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[address] {
		return errors.New("fake: pod unreachable")
	}
	if err := f.loadErr[address]; err != nil {
		return err
	}
	f.Loaded = append(f.Loaded, tenantID)
	return nil
}

func (f *FakeProber) UnloadState(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[address] {
		return errors.New("fake: pod unreachable")
	}
	f.Unloaded = append(f.Unloaded, address)
	return nil
}
