// Package sqlite holds the schema-migration helpers shared by the entity
// stores.
package sqlite

import (
	"database/sql"
	"fmt"
)

// BoolToInt renders a bool the way the stores persist flags (0/1).
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// EnsureColumn idempotently adds a column that postdates the initial
// CREATE TABLE.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// ColumnExists reports whether the table already has the column.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
