// This package persists the small amount of client state that survives a
// connection: the session token for an account and the last-seen watermark
// for each room.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-chime/config"
	db "github.com/meow-io/go-chime/internal/db"
	"github.com/meow-io/go-chime/migration"
	"go.uber.org/zap"
)

// A Watermark marks the most recently accepted message in a room. CreatedOn
// carries the server-reported creation time; comparisons are made at
// microsecond resolution, matching the service's timestamp precision.
type Watermark struct {
	CreatedOn time.Time
	MessageID string
}

// AtOrPast reports whether the watermark is at or past t. Ties at the same
// microsecond count as past, which is what suppresses a locally composed
// echo whose live copy was already delivered.
func (w *Watermark) AtOrPast(t time.Time) bool {
	return !w.CreatedOn.Truncate(time.Microsecond).Before(t.Truncate(time.Microsecond))
}

// Before reports whether the watermark is strictly before t.
func (w *Watermark) Before(t time.Time) bool {
	return !w.AtOrPast(t)
}

type Store struct {
	db  *db.Database
	log *zap.SugaredLogger
}

func NewStore(c *config.Config, d *db.Database) (*Store, error) {
	log := c.Logger("storage")

	if err := d.Migrate("_storage", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _account_tokens (
		account STRING PRIMARY KEY,
		token STRING NOT NULL
	);

	CREATE TABLE _room_watermarks (
		room_id STRING PRIMARY KEY,
		created_on STRING NOT NULL,
		message_id STRING NOT NULL
	);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Store{db: d, log: log}, nil
}

// Token returns the persisted session token for an account, or "" when the
// account has never registered.
func (s *Store) Token(account string) (string, error) {
	var token string
	if err := s.db.Conn.Get(&token, "SELECT token FROM _account_tokens WHERE account = $1", account); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: error getting token: %w", err)
	}
	return token, nil
}

func (s *Store) SetToken(account, token string) error {
	if _, err := s.db.Conn.Exec("INSERT INTO _account_tokens (account, token) VALUES ($1, $2) ON CONFLICT(account) DO UPDATE SET token = $2", account, token); err != nil {
		return fmt.Errorf("storage: error upserting token: %w", err)
	}
	return nil
}

// Watermark returns the persisted watermark for a room, or nil when no
// message has ever been accepted for it.
func (s *Store) Watermark(roomID string) (*Watermark, error) {
	row := struct {
		CreatedOn string `db:"created_on"`
		MessageID string `db:"message_id"`
	}{}
	if err := s.db.Conn.Get(&row, "SELECT created_on, message_id FROM _room_watermarks WHERE room_id = $1", roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting watermark: %w", err)
	}
	createdOn, err := time.Parse(time.RFC3339Nano, row.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("storage: error parsing watermark time: %w", err)
	}
	return &Watermark{CreatedOn: createdOn, MessageID: row.MessageID}, nil
}

func (s *Store) SetWatermark(roomID string, w *Watermark) error {
	createdOn := w.CreatedOn.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Conn.Exec("INSERT INTO _room_watermarks (room_id, created_on, message_id) VALUES ($1, $2, $3) ON CONFLICT(room_id) DO UPDATE SET created_on = $2, message_id = $3", roomID, createdOn, w.MessageID); err != nil {
		return fmt.Errorf("storage: error upserting watermark: %w", err)
	}
	return nil
}
