package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// newID returns a random UUID string for a new row.
func newID() string {
	return uuid.NewString()
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps a nil time to SQL NULL and normalises to UTC.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// scanCounts reads (key, count) rows into a map.
func scanCounts(rows *sql.Rows) (map[string]int64, error) {
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}
