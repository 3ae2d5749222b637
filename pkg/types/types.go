package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PodStatus represents the lifecycle state of a managed editor pod
type PodStatus string

const (
	PodStatusStarting   PodStatus = "starting"
	PodStatusWarm       PodStatus = "warm"
	PodStatusAssigned   PodStatus = "assigned"
	PodStatusDraining   PodStatus = "draining"
	PodStatusTerminated PodStatus = "terminated"
)

// Terminal reports whether the status is an end state
func (s PodStatus) Terminal() bool {
	return s == PodStatusTerminated
}

// PodRecord is the registry's view of one cluster pod the controller created.
// The registry is the source of truth for intent; the cluster is the source
// of truth for actual pod existence. The reconciler keeps the two converged.
type PodRecord struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	Name             string     `gorm:"uniqueIndex;size:128" json:"name"`
	Address          string     `gorm:"size:64" json:"address"`
	Status           PodStatus  `gorm:"size:16;index" json:"status"`
	AssignedTenantID string     `gorm:"size:64;index" json:"assignedTenantId,omitempty"`
	AssignedAt       *time.Time `json:"assignedAt,omitempty"`
	LastActivityAt   *time.Time `json:"lastActivityAt,omitempty"`
	Ready            bool       `json:"ready"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// EventType classifies lifecycle events
type EventType string

const (
	EventCreated         EventType = "created"
	EventAssigned        EventType = "assigned"
	EventReleased        EventType = "released"
	EventIdleKilled      EventType = "idle_killed"
	EventHealthFail      EventType = "health_fail"
	EventError           EventType = "error"
	EventWatchDeleted    EventType = "watch_deleted"
	EventWatchTerminated EventType = "watch_terminated"
	EventAdminRelease    EventType = "admin_release"
	EventAdminCleanup    EventType = "admin_cleanup"
	EventAdminDrainAll   EventType = "admin_drain_all"
	EventAdminPoolResize EventType = "admin_pool_resize"
)

// EventDetails is free-form structured event context, stored as JSON
type EventDetails map[string]any

// Value implements driver.Valuer so the details map can be stored as a JSON column
func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner
func (d *EventDetails) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported event details type %T", value)
	}
}

// LifecycleEvent is an append-only audit record. Events are never updated
// or deleted; the 24h aggregate stats are computed from them.
type LifecycleEvent struct {
	ID        uint         `gorm:"primaryKey" json:"-"`
	PodName   string       `gorm:"size:128;index" json:"podName"`
	EventType EventType    `gorm:"size:32;index" json:"eventType"`
	TenantID  string       `gorm:"size:64" json:"tenantId,omitempty"`
	Details   EventDetails `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt time.Time    `gorm:"index" json:"createdAt"`
}

// ActivityReport is what a pod's own runtime reports on GET /activity
type ActivityReport struct {
	IdleMs       int64     `json:"idleMs"`
	FlowsRunning int       `json:"flowsRunning"`
	LastActivity time.Time `json:"lastActivity"`
}

// Idle returns the reported idle time as a duration
func (a ActivityReport) Idle() time.Duration {
	return time.Duration(a.IdleMs) * time.Millisecond
}

// PodUsage is a cached cpu/memory sample for one pod
type PodUsage struct {
	PodName     string    `json:"podName"`
	CPUMillis   int64     `json:"cpuMillis"`
	MemoryBytes int64     `json:"memoryBytes"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PodInfo joins a registry record with its latest cached usage sample
type PodInfo struct {
	PodRecord
	Usage *PodUsage `json:"usage,omitempty"`
}

// PoolStats is a point-in-time view of the fleet
type PoolStats struct {
	Target           int  `json:"target"`
	Starting         int  `json:"starting"`
	Warm             int  `json:"warm"`
	Assigned         int  `json:"assigned"`
	Draining         int  `json:"draining"`
	Terminated       int  `json:"terminated"`
	BreakerOpen      bool `json:"breakerOpen"`
	OnDemandInFlight int  `json:"onDemandInFlight"`
}

// DailyStats aggregates the last 24 hours of lifecycle events
type DailyStats struct {
	Assignments       int     `json:"assignments"`
	IdleKills         int     `json:"idleKills"`
	HealthFails       int     `json:"healthFails"`
	AvgSessionSeconds float64 `json:"avgSessionSeconds"`
	PeakConcurrent    int     `json:"peakConcurrent"`
}
