package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consortium-dev/consortium/internal/db"
)

// gormMachineRepository is the GORM implementation of MachineRepository.
type gormMachineRepository struct {
	db *gorm.DB
}

// NewMachineRepository returns a MachineRepository backed by the provided *gorm.DB.
func NewMachineRepository(db *gorm.DB) MachineRepository {
	return &gormMachineRepository{db: db}
}

// CreateIfAbsent registers the machine or returns the existing row for the
// same (account_id, id). Registration is idempotent: a daemon restarting
// with the same machine id must see its original record.
func (r *gormMachineRepository) CreateIfAbsent(ctx context.Context, m *db.Machine) (*db.Machine, bool, error) {
	var existing db.Machine
	err := r.db.WithContext(ctx).First(&existing, "account_id = ? AND id = ?", m.AccountID, m.ID).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("machines: get: %w", err)
	}

	if createErr := r.db.WithContext(ctx).Create(m).Error; createErr != nil {
		if readErr := r.db.WithContext(ctx).First(&existing, "account_id = ? AND id = ?", m.AccountID, m.ID).Error; readErr == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("machines: create: %w", createErr)
	}
	return m, true, nil
}

// GetByID retrieves a machine scoped to its owning account.
func (r *gormMachineRepository) GetByID(ctx context.Context, accountID uuid.UUID, id string) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "account_id = ? AND id = ?", accountID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by id: %w", err)
	}
	return &machine, nil
}

// List returns all machines registered by the account.
func (r *gormMachineRepository) List(ctx context.Context, accountID uuid.UUID) ([]db.Machine, error) {
	var machines []db.Machine
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&machines).Error
	if err != nil {
		return nil, fmt.Errorf("machines: list: %w", err)
	}
	return machines, nil
}

// UpdateMetadata performs the version-checked metadata update for a machine.
// Same protocol as sessions: read, version check, conditional write,
// re-read on a lost race.
func (r *gormMachineRepository) UpdateMetadata(ctx context.Context, accountID uuid.UUID, id string, expectedVersion int, metadata string) (UpdateResult, error) {
	var out UpdateResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var machine db.Machine
		if err := tx.First(&machine, "account_id = ? AND id = ?", accountID, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out = UpdateResult{Status: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("get: %w", err)
		}

		if machine.MetadataVersion != expectedVersion {
			out = mismatch(machine.MetadataVersion, &machine.Metadata)
			return nil
		}

		result := tx.Model(&db.Machine{}).
			Where("account_id = ? AND id = ? AND metadata_version = ?", accountID, id, expectedVersion).
			Updates(map[string]any{
				"metadata":         metadata,
				"metadata_version": expectedVersion + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("conditional update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&machine, "account_id = ? AND id = ?", accountID, id).Error; err != nil {
				return fmt.Errorf("re-read: %w", err)
			}
			out = mismatch(machine.MetadataVersion, &machine.Metadata)
			return nil
		}

		value := metadata
		out = UpdateResult{Status: UpdateApplied, Version: expectedVersion + 1, Value: &value}
		return nil
	})
	if err != nil {
		return UpdateResult{Status: UpdateNotFound}, fmt.Errorf("machines: update metadata: %w", err)
	}
	return out, nil
}

// UpdateDaemonState is the daemon-state counterpart of UpdateMetadata.
func (r *gormMachineRepository) UpdateDaemonState(ctx context.Context, accountID uuid.UUID, id string, expectedVersion int, daemonState *string) (UpdateResult, error) {
	var out UpdateResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var machine db.Machine
		if err := tx.First(&machine, "account_id = ? AND id = ?", accountID, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				out = UpdateResult{Status: UpdateNotFound}
				return nil
			}
			return fmt.Errorf("get: %w", err)
		}

		if machine.DaemonStateVersion != expectedVersion {
			out = mismatch(machine.DaemonStateVersion, machine.DaemonState)
			return nil
		}

		result := tx.Model(&db.Machine{}).
			Where("account_id = ? AND id = ? AND daemon_state_version = ?", accountID, id, expectedVersion).
			Updates(map[string]any{
				"daemon_state":         daemonState,
				"daemon_state_version": expectedVersion + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("conditional update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&machine, "account_id = ? AND id = ?", accountID, id).Error; err != nil {
				return fmt.Errorf("re-read: %w", err)
			}
			out = mismatch(machine.DaemonStateVersion, machine.DaemonState)
			return nil
		}

		out = UpdateResult{Status: UpdateApplied, Version: expectedVersion + 1, Value: daemonState}
		return nil
	})
	if err != nil {
		return UpdateResult{Status: UpdateNotFound}, fmt.Errorf("machines: update daemon state: %w", err)
	}
	return out, nil
}

// SetActivity updates only the liveness columns, mirroring the session
// variant.
func (r *gormMachineRepository) SetActivity(ctx context.Context, accountID uuid.UUID, id string, active bool, lastActiveAt int64) error {
	updates := map[string]any{"active": active}
	if lastActiveAt > 0 {
		updates["last_active_at"] = time.UnixMilli(lastActiveAt).UTC()
	}
	result := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Where("account_id = ? AND id = ?", accountID, id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("machines: set activity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleActive returns machines still flagged active whose last
// heartbeat is older than the cutoff (unix milliseconds).
func (r *gormMachineRepository) ListStaleActive(ctx context.Context, cutoff int64) ([]db.Machine, error) {
	var machines []db.Machine
	err := r.db.WithContext(ctx).
		Where("active = ? AND last_active_at < ?", true, time.UnixMilli(cutoff).UTC()).
		Find(&machines).Error
	if err != nil {
		return nil, fmt.Errorf("machines: list stale active: %w", err)
	}
	return machines, nil
}
