package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consortium-dev/consortium/internal/db"
)

// gormPairingRepository is the GORM implementation of PairingRepository.
type gormPairingRepository struct {
	db *gorm.DB
}

// NewPairingRepository returns a PairingRepository backed by the provided *gorm.DB.
func NewPairingRepository(db *gorm.DB) PairingRepository {
	return &gormPairingRepository{db: db}
}

// UpsertRequest returns the pairing request for the given hex-encoded
// ephemeral public key, creating a pending one on the first poll.
func (r *gormPairingRepository) UpsertRequest(ctx context.Context, publicKeyHex string) (*db.AccountAuthRequest, error) {
	var request db.AccountAuthRequest
	err := r.db.WithContext(ctx).First(&request, "public_key = ?", publicKeyHex).Error
	if err == nil {
		return &request, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("pairing: get by public key: %w", err)
	}

	request = db.AccountAuthRequest{PublicKey: publicKeyHex}
	if createErr := r.db.WithContext(ctx).Create(&request).Error; createErr != nil {
		// Racing polls for the same key: the first insert wins, everyone
		// reads the same pending row.
		if readErr := r.db.WithContext(ctx).First(&request, "public_key = ?", publicKeyHex).Error; readErr == nil {
			return &request, nil
		}
		return nil, fmt.Errorf("pairing: create: %w", createErr)
	}
	return &request, nil
}

// Respond writes the wrapped response for a pending request. The UPDATE is
// conditional on response still being NULL, which makes the transition
// first-wins and terminal: concurrent or repeated responders after the
// first are silent no-ops, as are responses for unknown keys.
func (r *gormPairingRepository) Respond(ctx context.Context, publicKeyHex string, response string, accountID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.AccountAuthRequest{}).
		Where("public_key = ? AND response IS NULL", publicKeyHex).
		Updates(map[string]any{
			"response":            response,
			"response_account_id": accountID,
		})
	if result.Error != nil {
		return false, fmt.Errorf("pairing: respond: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
