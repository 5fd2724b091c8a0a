// Package sqlutil holds the small differences between the SQL databases the
// stores run on.
package sqlutil

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder and type syntax.
type Dialect int

const (
	// SQLite uses ? placeholders (modernc.org/sqlite).
	SQLite Dialect = iota
	// Postgres uses $n placeholders (github.com/jackc/pgx/v5/stdlib).
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites ? placeholders into the dialect's syntax.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Blob is the binary column type.
func (d Dialect) Blob() string {
	if d == Postgres {
		return "BYTEA"
	}
	return "BLOB"
}
