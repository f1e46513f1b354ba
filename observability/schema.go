package observability

import "database/sql"

// Schema is the DDL for the control audit trail.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    endpoint TEXT NOT NULL,
    transport TEXT,
    trace_id TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_endpoint ON audit_log(endpoint);
`

// Init applies the audit schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
