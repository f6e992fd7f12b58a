package postgres

import (
	"context"
	"fmt"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type contactRepo struct {
	db dbx.DBTX
}

func (r *contactRepo) Get(ctx context.Context, userID, contactID string) (*models.Contact, error) {
	query := `
		SELECT user_id, contact_id, is_encrypted, created_at
		FROM contacts WHERE user_id = $1 AND contact_id = $2
	`
	c := &models.Contact{}
	if err := r.db.QueryRowContext(ctx, query, userID, contactID).Scan(&c.UserID, &c.ContactID, &c.IsEncrypted, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("select contact: %w", mapError(err))
	}
	return c, nil
}
