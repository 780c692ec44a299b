package repository

import (
	"fmt"

	"github.com/jasonkneen/claudelet/internal/db"
)

// Provide creates the configured repository backend. driver is one of
// "memory", "sqlite3", or "pgx"; dsn is the database path or connection
// string for the SQL backends.
func Provide(driver, dsn string) (Repository, error) {
	switch driver {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "sqlite3":
		writer, err := db.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(dsn)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewSQLRepository(db.NewPool(writer, reader))
	case "pgx":
		conn, err := db.OpenPostgres(dsn, 0, 0)
		if err != nil {
			return nil, err
		}
		return NewSQLRepository(db.NewPool(conn, conn))
	default:
		return nil, fmt.Errorf("unknown database driver: %q", driver)
	}
}
