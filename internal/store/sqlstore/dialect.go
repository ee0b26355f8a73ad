package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// Dialect names accepted by Open.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

type dialect struct {
	name       string
	driver     string
	skipLocked string // row-locking clause for the claim sub-select
	singleConn bool
}

func lookupDialect(name string) (dialect, error) {
	switch name {
	case Postgres, "pgx", "postgresql":
		return dialect{name: Postgres, driver: "pgx", skipLocked: "FOR UPDATE SKIP LOCKED"}, nil
	case SQLite, "sqlite3":
		// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY
		// and keeps ":memory:" databases shared.
		return dialect{name: SQLite, driver: "sqlite", singleConn: true}, nil
	}
	return dialect{}, fmt.Errorf("store/sql: unsupported dialect %q", name)
}

// rebind rewrites "?" placeholders into the dialect's positional form.
func (d dialect) rebind(query string) string {
	if d.name != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
