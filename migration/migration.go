// This package defines the migration type used by the sqlite store.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(tx *sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
