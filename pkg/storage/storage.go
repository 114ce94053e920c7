// Package storage holds the persistence adapters of the collaboration
// core: membership and document field stores over sqlx, and the Redis
// snapshot cache and checkout gate.
package storage

import (
	"github.com/jmoiron/sqlx"

	// database/sql drivers selected by database.driver
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to driver/dsn and verifies the connection
func Open(driver, dsn string) (*sqlx.DB, error) {
	return sqlx.Connect(driver, dsn)
}
