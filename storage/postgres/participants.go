package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type participantRepo struct {
	db dbx.DBTX
}

func (r *participantRepo) Add(ctx context.Context, p *models.Participant) error {
	query := `
		INSERT INTO conversation_participants (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.ExecContext(ctx, query, p.ConversationID, p.UserID, p.LastReadAt); err != nil {
		return fmt.Errorf("insert participant: %w", mapError(err))
	}
	return nil
}

func (r *participantRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, last_read_at
		FROM conversation_participants WHERE conversation_id = $1
	`
	return r.list(ctx, query, conversationID)
}

func (r *participantRepo) ListByUser(ctx context.Context, userID string) ([]*models.Participant, error) {
	query := `
		SELECT conversation_id, user_id, last_read_at
		FROM conversation_participants WHERE user_id = $1
	`
	return r.list(ctx, query, userID)
}

func (r *participantRepo) list(ctx context.Context, query string, arg any) ([]*models.Participant, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", mapError(err))
	}
	defer rows.Close()

	var result []*models.Participant
	for rows.Next() {
		p := &models.Participant{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.LastReadAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateLastRead only ever moves last_read_at forward; stale writes from
// racing markAsRead calls are dropped by the WHERE clause.
func (r *participantRepo) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	query := `
		UPDATE conversation_participants SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND last_read_at < $3
	`
	if _, err := r.db.ExecContext(ctx, query, conversationID, userID, at); err != nil {
		return fmt.Errorf("update last_read_at: %w", mapError(err))
	}
	return nil
}

func (r *participantRepo) FindDirect(ctx context.Context, userA, userB string) (string, error) {
	query := `
		SELECT p.conversation_id
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id AND NOT c.is_group
		WHERE p.user_id IN ($1, $2)
		GROUP BY p.conversation_id
		HAVING COUNT(DISTINCT p.user_id) = 2
		LIMIT 1
	`
	var id string
	if err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(&id); err != nil {
		return "", fmt.Errorf("find direct conversation: %w", mapError(err))
	}
	return id, nil
}
