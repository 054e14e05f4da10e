// Package archive keeps a PostgreSQL copy of chat transcripts and offers so
// sellers have a record that outlives the marketplace's own retention.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/tradepost/marketchat/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoChatID is returned when a transcript is saved without a chat id.
var ErrNoChatID = errors.New("archive: chat id is required")

// Store manages archived transcripts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "archive: open")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "archive: ping")
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded migration that has not run yet.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "archive: migration source")
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "archive: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "archive: migrate")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "archive: migrate up")
	}
	return nil
}

// SaveTranscript stores msgs for chatID and returns how many were new.
// Messages already archived are skipped, as are provisional and failed ones
// since they never reached the server.
func (s *Store) SaveTranscript(ctx context.Context, chatID string, msgs []models.Message) (int, error) {
	if chatID == "" {
		return 0, ErrNoChatID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "archive: begin")
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO chat_messages (id, chat_id, sender_id, sender_name, message_type, body, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, errors.Wrap(err, "archive: prepare")
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		if m.IsProvisional() || m.EffectiveStatus() == models.StatusFailed {
			continue
		}
		res, err := stmt.ExecContext(ctx,
			m.ID,
			chatID,
			m.Sender.ID,
			m.Sender.DisplayName,
			string(m.MessageType),
			m.Text,
			m.ImageURL,
			m.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, errors.Wrapf(err, "archive: insert message %s", m.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "archive: commit")
	}
	return inserted, nil
}

// Transcript returns the archived messages of chatID, oldest first.
func (s *Store) Transcript(ctx context.Context, chatID string) ([]models.Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, sender_name, message_type, body, image_url, created_at
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "archive: query transcript")
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m  models.Message
			mt string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender.ID, &m.Sender.DisplayName, &mt, &m.Text, &m.ImageURL, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "archive: scan message")
		}
		m.MessageType = models.MessageType(mt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "archive: read transcript")
	}
	return out, nil
}

// SaveOffer upserts the latest known state of an offer.
func (s *Store) SaveOffer(ctx context.Context, o models.Offer) error {
	const query = `
		INSERT INTO offers (id, chat_id, amount, original_price, status, note, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.ChatID,
		o.Amount,
		o.OriginalPrice,
		string(o.Status),
		o.Message,
		o.ExpiresAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "archive: save offer %s", o.ID)
	}
	return nil
}

// Offers returns the archived offers of the given chats, keyed by chat id.
func (s *Store) Offers(ctx context.Context, chatIDs ...string) (map[string][]models.Offer, error) {
	const query = `
		SELECT id, chat_id, amount, original_price, status, note, expires_at
		FROM offers
		WHERE chat_id = ANY($1)
		ORDER BY expires_at`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(chatIDs))
	if err != nil {
		return nil, errors.Wrap(err, "archive: query offers")
	}
	defer rows.Close()

	out := make(map[string][]models.Offer)
	for rows.Next() {
		var (
			o      models.Offer
			status string
		)
		if err := rows.Scan(&o.ID, &o.ChatID, &o.Amount, &o.OriginalPrice, &status, &o.Message, &o.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, "archive: scan offer")
		}
		o.Status = models.OfferStatus(status)
		out[o.ChatID] = append(out[o.ChatID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "archive: read offers")
	}
	return out, nil
}
