// Package postgres implements storage.Store over PostgreSQL using the pgx
// stdlib driver, with schema migrations run via goose.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrykh/whisperline/internal/dbx"
	"github.com/dmitrykh/whisperline/storage"
	"github.com/dmitrykh/whisperline/storage/postgres/migrations"
)

const uniqueViolation = "23505"

// Store vends PostgreSQL-backed repositories bound to one database handle.
type Store struct {
	db dbx.DBTX
}

var _ storage.Store = (*Store)(nil)

// New constructs a Store bound to the given DBTX (*sql.DB or *sql.Tx).
func New(db dbx.DBTX) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Conversations() storage.ConversationRepository { return &conversationRepo{db: s.db} }
func (s *Store) Participants() storage.ParticipantRepository   { return &participantRepo{db: s.db} }
func (s *Store) Messages() storage.MessageRepository           { return &messageRepo{db: s.db} }
func (s *Store) Attachments() storage.AttachmentRepository     { return &attachmentRepo{db: s.db} }
func (s *Store) Keys() storage.KeyRegistry                     { return &keyRegistry{db: s.db} }
func (s *Store) Profiles() storage.ProfileRepository           { return &profileRepo{db: s.db} }
func (s *Store) Contacts() storage.ContactRepository           { return &contactRepo{db: s.db} }

// mapError converts driver-level failures to the storage sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrAlreadyExists
	}
	return err
}
