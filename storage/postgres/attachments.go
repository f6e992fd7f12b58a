package postgres

import (
	"context"
	"fmt"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/models"
)

type attachmentRepo struct {
	db dbx.DBTX
}

func (r *attachmentRepo) Insert(ctx context.Context, a *models.Attachment) error {
	query := `
		INSERT INTO message_attachments (id, message_id, file_name, file_type, file_size, file_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.MessageID, a.FileName, a.FileType, a.FileSize, a.FileURL, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", mapError(err))
	}
	return nil
}

func (r *attachmentRepo) ListByMessage(ctx context.Context, messageID string) ([]*models.Attachment, error) {
	query := `
		SELECT id, message_id, file_name, file_type, file_size, file_url, created_at
		FROM message_attachments WHERE message_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", mapError(err))
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		a := &models.Attachment{}
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.FileType, &a.FileSize, &a.FileURL, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *attachmentRepo) DeleteByMessage(ctx context.Context, messageID string) error {
	query := `DELETE FROM message_attachments WHERE message_id = $1`
	if _, err := r.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("delete attachments: %w", mapError(err))
	}
	return nil
}
