package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

// CreateWithMembers inserts the conversation row and its initial membership
// in one transaction, so a failure partway through cannot leave behind a
// conversation nobody is in.
func CreateWithMembers(ctx context.Context, db *sql.DB, c *models.Conversation, userIDs []string) error {
	return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		s := New(tx)
		if err := s.Conversations().Create(ctx, c); err != nil {
			return err
		}
		for _, userID := range userIDs {
			p := &models.Participant{ConversationID: c.ID, UserID: userID, LastReadAt: c.CreatedAt}
			if err := s.Participants().Add(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

type conversationRepo struct {
	db dbx.DBTX
}

func (r *conversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, name, is_group, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.IsGroup, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", mapError(err))
	}
	return nil
}

func (r *conversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, name, is_group, created_by, created_at, updated_at
		FROM conversations WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	c := &models.Conversation{}
	if err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("select conversation: %w", mapError(err))
	}
	return c, nil
}

func (r *conversationRepo) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE conversations SET updated_at = $2 WHERE id = $1 AND updated_at < $2`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch conversation: %w", mapError(err))
	}
	return nil
}
