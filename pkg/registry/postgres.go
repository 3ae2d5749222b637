package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowdeck/fleet/pkg/types"
)

// PostgresStore implements Store on a shared Postgres database
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to Postgres and migrates the schema
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&types.PodRecord{}, &types.LifecycleEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreatePod(ctx context.Context, pod *types.PodRecord) error {
	return s.db.WithContext(ctx).Create(pod).Error
}

func (s *PostgresStore) GetPod(ctx context.Context, name string) (*types.PodRecord, error) {
	var pod types.PodRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pod, nil
}

func (s *PostgresStore) GetAssigned(ctx context.Context, tenantID string) (*types.PodRecord, error) {
	var pod types.PodRecord
	err := s.db.WithContext(ctx).
		Where("assigned_tenant_id = ? AND status = ?", tenantID, types.PodStatusAssigned).
		First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pod, nil
}

func (s *PostgresStore) ListPods(ctx context.Context) ([]*types.PodRecord, error) {
	var pods []*types.PodRecord
	err := s.db.WithContext(ctx).Order("created_at").Find(&pods).Error
	return pods, err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...types.PodStatus) ([]*types.PodRecord, error) {
	var pods []*types.PodRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").
		Find(&pods).Error
	return pods, err
}

func (s *PostgresStore) UpdatePod(ctx context.Context, pod *types.PodRecord) error {
	return s.db.WithContext(ctx).Save(pod).Error
}

// MarkTerminated force-terminates a record in a single statement. The
// address is cleared so stale routes can never resolve to a reused IP.
func (s *PostgresStore) MarkTerminated(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Model(&types.PodRecord{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"status":  types.PodStatusTerminated,
			"address": "",
		}).Error
}

func (s *PostgresStore) TouchActivity(ctx context.Context, name string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&types.PodRecord{}).
		Where("name = ?", name).
		Update("last_activity_at", at).Error
}

// ClaimWarm atomically claims the oldest warm, ready pod for a tenant.
// SKIP LOCKED keeps concurrent claims from ever selecting the same row:
// a row mid-claim in another transaction is simply not a candidate.
func (s *PostgresStore) ClaimWarm(ctx context.Context, tenantID string, at time.Time) (*types.PodRecord, error) {
	var claimed *types.PodRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pod types.PodRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND ready = ?", types.PodStatusWarm, true).
			Order("created_at").
			First(&pod).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoWarmPods
		}
		if err != nil {
			return err
		}

		pod.Status = types.PodStatusAssigned
		pod.AssignedTenantID = tenantID
		pod.AssignedAt = &at
		pod.LastActivityAt = &at
		if err := tx.Save(&pod).Error; err != nil {
			return err
		}
		claimed = &pod
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[types.PodStatus]int, error) {
	var rows []struct {
		Status types.PodStatus
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&types.PodRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[types.PodStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *PostgresStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", types.PodStatusTerminated, cutoff).
		Delete(&types.PodRecord{})
	return res.RowsAffected, res.Error
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *types.LifecycleEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]*types.LifecycleEvent, error) {
	var events []*types.LifecycleEvent
	err := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (s *PostgresStore) EventsSince(ctx context.Context, since time.Time) ([]*types.LifecycleEvent, error) {
	var events []*types.LifecycleEvent
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at").
		Find(&events).Error
	return events, err
}

// WithLock runs fn while holding a Postgres advisory lock derived from key.
// The lock lives on a single pinned connection; gorm's Connection guarantees
// acquire, fn, and release all use that connection.
func (s *PostgresStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(hashtext(?))", key).Error; err != nil {
			return fmt.Errorf("failed to acquire advisory lock %q: %w", key, err)
		}
		defer conn.Exec("SELECT pg_advisory_unlock(hashtext(?))", key)

		return fn(ctx)
	})
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
