package taskqueue

import (
	"database/sql"
	"time"

	"github.com/petrijr/caseflow/internal/sqlutil"
)

// NewSQLiteQueue initializes the queue_tasks table in the given DB and
// returns a new queue. File databases shared by several workers should be
// opened with a busy timeout, e.g. "file:caseflow.db?_pragma=busy_timeout(5000)".
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqlutil.SQLite, 20*time.Millisecond)
}
