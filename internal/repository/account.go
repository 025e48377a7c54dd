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

// gormAccountRepository is the GORM implementation of AccountRepository.
type gormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns an AccountRepository backed by the provided *gorm.DB.
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: db}
}

// UpsertByPublicKey returns the account keyed by the hex-encoded public key,
// creating it on first authentication. A lost race against a concurrent
// first-auth for the same key is resolved by re-reading the winner's row.
func (r *gormAccountRepository) UpsertByPublicKey(ctx context.Context, publicKeyHex string) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "public_key = ?", publicKeyHex).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("accounts: get by public key: %w", err)
	}

	account = db.Account{PublicKey: publicKeyHex}
	if createErr := r.db.WithContext(ctx).Create(&account).Error; createErr != nil {
		// Unique constraint race: another request created the account
		// between our read and write. The winner's row is authoritative.
		if readErr := r.db.WithContext(ctx).First(&account, "public_key = ?", publicKeyHex).Error; readErr == nil {
			return &account, nil
		}
		return nil, fmt.Errorf("accounts: create: %w", createErr)
	}
	return &account, nil
}

// GetByID retrieves an account by its UUID. Returns ErrNotFound if no
// record exists.
func (r *gormAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by id: %w", err)
	}
	return &account, nil
}

// AllocateSeq atomically increments and returns the account's event
// sequence counter. The increment happens entirely inside the database
// (UPDATE ... RETURNING), so concurrent allocators can never observe the
// same value or leave a gap.
func (r *gormAccountRepository) AllocateSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	var seq int64
	result := r.db.WithContext(ctx).Raw(
		"UPDATE accounts SET seq = seq + 1, updated_at = ? WHERE id = ? RETURNING seq",
		time.Now().UTC(), id,
	).Scan(&seq)
	if result.Error != nil {
		return 0, fmt.Errorf("accounts: allocate seq: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return seq, nil
}
