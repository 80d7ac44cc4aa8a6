// This package defines the sqlite database backing the persisted client
// state (account tokens and room watermarks). It provides default setup
// options and the migrator used by the storage layer.
package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/migration"
	"go.uber.org/zap"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB

	config *config.Config
	path   string
}

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(1)"},
	}.Encode())
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	// the store is only written from the client event loop
	conn.SetMaxOpenConns(1)

	return &Database{
		Log:    log,
		Conn:   conn,
		config: c,
		path:   path,
	}, nil
}

// Migrate applies the given migration list under its own named version
// table, so each subsystem can carry an independent migration history.
func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	m, err := newMigrator(db.config, db, name, migrations)
	if err != nil {
		return err
	}
	return m.migrate()
}

func (db *Database) Shutdown() error {
	if db.Conn == nil {
		return nil
	}
	err := db.Conn.Close()
	db.Conn = nil
	return err
}
