package persistence

import (
	"database/sql"

	"github.com/petrijr/caseflow/internal/sqlutil"
)

// NewPostgresStore initializes the schema and returns a PostgreSQL-backed
// store for instances and history. The *sql.DB is expected to use the pgx
// stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlutil.Postgres)
}
