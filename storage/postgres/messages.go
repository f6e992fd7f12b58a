package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type messageRepo struct {
	db dbx.DBTX
}

const messageColumns = `id, conversation_id, sender_id, content, encrypted_content,
		self_destruct_seconds, status, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	m := &models.Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.EncryptedContent,
		&m.SelfDestructSeconds, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *messageRepo) Insert(ctx context.Context, m *models.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.EncryptedContent,
		m.SelfDestructSeconds, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapError(err))
	}
	return nil
}

func (r *messageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("select message: %w", mapError(err))
	}
	return m, nil
}

func (r *messageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", mapError(err))
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *messageRepo) UpdateStatus(ctx context.Context, id string, status models.MessageStatus) error {
	query := `UPDATE messages SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update message status: %w", mapError(err))
	}
	return nil
}

func (r *messageRepo) MarkRead(ctx context.Context, conversationID, userID string) error {
	query := `
		UPDATE messages SET status = 'read', updated_at = now()
		WHERE conversation_id = $1 AND sender_id <> $2 AND status = 'delivered'
	`
	if _, err := r.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("mark messages read: %w", mapError(err))
	}
	return nil
}

func (r *messageRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM messages WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete message: %w", mapError(err))
	}
	return nil
}

func (r *messageRepo) LastByConversation(ctx context.Context, conversationIDs []string) (map[string]*models.Message, error) {
	if len(conversationIDs) == 0 {
		return map[string]*models.Message{}, nil
	}
	query := `
		SELECT DISTINCT ON (conversation_id) ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, created_at DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("select last messages: %w", mapError(err))
	}
	defer rows.Close()

	result := make(map[string]*models.Message, len(conversationIDs))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result[m.ConversationID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *messageRepo) CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND created_at > $3
	`
	var n int
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID, after).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", mapError(err))
	}
	return n, nil
}
