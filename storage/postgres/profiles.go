package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type profileRepo struct {
	db dbx.DBTX
}

func (r *profileRepo) GetByID(ctx context.Context, userID string) (*models.Profile, error) {
	query := `SELECT id, name, avatar_url, status, updated_at FROM profiles WHERE id = $1`
	p := &models.Profile{}
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&p.ID, &p.Name, &p.AvatarURL, &p.Status, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("select profile: %w", mapError(err))
	}
	return p, nil
}

func (r *profileRepo) ListByIDs(ctx context.Context, userIDs []string) (map[string]*models.Profile, error) {
	if len(userIDs) == 0 {
		return map[string]*models.Profile{}, nil
	}
	query := `SELECT id, name, avatar_url, status, updated_at FROM profiles WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", mapError(err))
	}
	defer rows.Close()

	result := make(map[string]*models.Profile, len(userIDs))
	for rows.Next() {
		p := &models.Profile{}
		if err := rows.Scan(&p.ID, &p.Name, &p.AvatarURL, &p.Status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *profileRepo) UpdateStatus(ctx context.Context, userID string, status models.PresenceStatus, at time.Time) error {
	query := `UPDATE profiles SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID, status, at); err != nil {
		return fmt.Errorf("update profile status: %w", mapError(err))
	}
	return nil
}
