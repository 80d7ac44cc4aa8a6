package db

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/migration"
	"go.uber.org/zap"
)

// migrator is the migrator implementation
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

// newMigrator creates a new migrator instance
func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) (*migrator, error) {
	m := &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
	}

	return m, nil
}

// Migrate applies all available migrations
func (m *migrator) migrate() error {
	// create migrations table if doesn't exist
	if _, err := m.db.Conn.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id INT8 NOT NULL,
		version VARCHAR(255) NOT NULL,
		PRIMARY KEY (id)
	);
`, m.tableName)); err != nil {
		return err
	}

	// count applied migrations
	count, err := m.countApplied()
	if err != nil {
		return err
	}

	if count > len(m.migrations) {
		return errors.New("migrator: applied migration number on db cannot be greater than the defined migration list")
	}

	// plan migrations
	for idx, migration := range m.migrations[count:len(m.migrations)] {
		insertVersion := fmt.Sprintf("INSERT INTO %s (id, version) VALUES (%d, '%s')", m.tableName, idx+count, migration.String())
		if err := m.performMigration(insertVersion, migration); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %v", err)
		}
	}
	return nil
}

func (m *migrator) countApplied() (int, error) {
	var count int
	rows, err := m.db.Conn.Query(fmt.Sprintf("SELECT count(*) FROM %s", m.tableName))
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *migrator) performMigration(insertVersion string, migration *migration.Migration) error {
	m.log.Debugf("applying migration named '%s'...", migration.Name)
	tx, err := m.db.Conn.Begin()
	if err != nil {
		return err
	}
	if err := migration.Func(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("error executing golang migration: %s", err)
	}
	if _, err := tx.Exec(insertVersion); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("error updating migration versions: %s", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.log.Debugf("applied migration named '%s'", migration.Name)
	return nil
}
