package sink

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSchema creates the polls, requests and ntas_data tables for the
// given driver ("postgres" or "sqlite"). Safe to call multiple times - uses
// IF NOT EXISTS. On PostgreSQL a non-empty schema is created too; on SQLite
// the schema names an attached database such as "main".
func CreateSchema(ctx context.Context, db *sql.DB, driver, schema string) error {
	if schema != "" && !identRe.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	prefix := ""
	if schema != "" {
		prefix = schema + "."
	}

	var ddl string
	switch driver {
	case "postgres":
		ddl = fmt.Sprintf(postgresTables, prefix)
		if schema != "" {
			ddl = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;\n", schema) + ddl
		}
	case "sqlite":
		ddl = fmt.Sprintf(sqliteTables, prefix)
	default:
		return fmt.Errorf("no schema for driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// postgresTables takes the "schema." prefix for every %[1]s.
const postgresTables = `
-- Polls
CREATE TABLE IF NOT EXISTS %[1]spolls (
    pollid BIGSERIAL PRIMARY KEY,
    poll_start TIMESTAMPTZ NOT NULL,
    poll_end TIMESTAMPTZ
);

-- Requests
CREATE TABLE IF NOT EXISTS %[1]srequests (
    requestid BIGSERIAL PRIMARY KEY,
    data_ TEXT,
    stationid TEXT,
    lineid TEXT,
    all_stations BOOLEAN NOT NULL DEFAULT FALSE,
    create_date TIMESTAMPTZ,
    pollid BIGINT NOT NULL REFERENCES %[1]spolls(pollid),
    request_date TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_requests_pollid ON %[1]srequests(pollid);

-- Arrival records
CREATE TABLE IF NOT EXISTS %[1]sntas_data (
    requestid BIGINT NOT NULL REFERENCES %[1]srequests(requestid),
    id BIGINT,
    station_char TEXT,
    subwayline TEXT,
    system_message_type TEXT,
    timint DOUBLE PRECISION,
    traindirection TEXT,
    trainid BIGINT,
    train_message TEXT,
    train_dest TEXT
);

CREATE INDEX IF NOT EXISTS idx_ntas_data_requestid ON %[1]sntas_data(requestid);
`

// sqliteTables qualifies table and index names; SQLite resolves foreign keys
// and index targets within the same database.
const sqliteTables = `
CREATE TABLE IF NOT EXISTS %[1]spolls (
    pollid INTEGER PRIMARY KEY AUTOINCREMENT,
    poll_start TIMESTAMP NOT NULL,
    poll_end TIMESTAMP
);

CREATE TABLE IF NOT EXISTS %[1]srequests (
    requestid INTEGER PRIMARY KEY AUTOINCREMENT,
    data_ TEXT,
    stationid TEXT,
    lineid TEXT,
    all_stations BOOLEAN NOT NULL DEFAULT FALSE,
    create_date TIMESTAMP,
    pollid INTEGER NOT NULL REFERENCES polls(pollid),
    request_date TIMESTAMP
);

CREATE INDEX IF NOT EXISTS %[1]sidx_requests_pollid ON requests(pollid);

CREATE TABLE IF NOT EXISTS %[1]sntas_data (
    requestid INTEGER NOT NULL REFERENCES requests(requestid),
    id INTEGER,
    station_char TEXT,
    subwayline TEXT,
    system_message_type TEXT,
    timint REAL,
    traindirection TEXT,
    trainid INTEGER,
    train_message TEXT,
    train_dest TEXT
);

CREATE INDEX IF NOT EXISTS %[1]sidx_ntas_data_requestid ON ntas_data(requestid);
`
