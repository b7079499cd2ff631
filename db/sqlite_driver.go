package db

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with the epoch_seconds function
const SQLiteDriverName = "sqlite3_fleetrelay"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Usage: epoch_seconds(departure_time) IS NOT NULL
			return conn.RegisterFunc("epoch_seconds", epochSeconds, true)
		},
	})
}

// epochSeconds normalizes a stored timestamp to unix seconds.
// Integers pass through, ISO-8601 text is parsed, anything else is NULL.
func epochSeconds(v interface{}) interface{} {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		if ts, ok := ParseTimestamp(t); ok {
			return ts.Unix()
		}
	case []byte:
		if ts, ok := ParseTimestamp(string(t)); ok {
			return ts.Unix()
		}
	}
	return nil
}
