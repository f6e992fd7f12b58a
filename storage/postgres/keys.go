package postgres

import (
	"context"
	"fmt"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type keyRegistry struct {
	db dbx.DBTX
}

func (r *keyRegistry) Upsert(ctx context.Context, k *models.PublicKey) error {
	query := `
		INSERT INTO encryption_keys (user_id, public_key, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET public_key = EXCLUDED.public_key, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, k.UserID, k.PublicKey, k.UpdatedAt); err != nil {
		return fmt.Errorf("upsert public key: %w", mapError(err))
	}
	return nil
}

func (r *keyRegistry) Get(ctx context.Context, userID string) (*models.PublicKey, error) {
	query := `SELECT user_id, public_key, updated_at FROM encryption_keys WHERE user_id = $1`
	k := &models.PublicKey{}
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&k.UserID, &k.PublicKey, &k.UpdatedAt); err != nil {
		return nil, fmt.Errorf("select public key: %w", mapError(err))
	}
	return k, nil
}
