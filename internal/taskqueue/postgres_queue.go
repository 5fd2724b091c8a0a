package taskqueue

import (
	"database/sql"
	"time"

	"github.com/petrijr/caseflow/internal/sqlutil"
)

// NewPostgresQueue creates the required schema if needed and returns a Queue
// that uses SELECT ... FOR UPDATE SKIP LOCKED to hand each task to exactly
// one consumer.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqlutil.Postgres, 50*time.Millisecond)
}
