// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"

	"github.com/juju/errors"
)

// schema is the job table DDL. Timestamps are unix seconds. Failure
// fields and promoted_at use empty-string/zero sentinels rather than
// NULLs; the row conversion maps them back to absent values.
const schema = `
CREATE TABLE IF NOT EXISTS job (
    id                 TEXT PRIMARY KEY,
    feature_name       TEXT NOT NULL,
    status             TEXT NOT NULL,
    current_step_index INTEGER NOT NULL DEFAULT 0,
    context            TEXT NOT NULL,
    error_code         TEXT NOT NULL DEFAULT '',
    error_log          TEXT NOT NULL DEFAULT '',
    retryable          INTEGER NOT NULL DEFAULT 0,
    priority           TEXT NOT NULL,
    original_priority  TEXT NOT NULL,
    user_id            TEXT NOT NULL,
    queued_at          INTEGER NOT NULL,
    promoted_at        INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    last_progress_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_status ON job (status);
CREATE INDEX IF NOT EXISTS idx_job_priority_queued ON job (priority, queued_at);
`

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return errors.Annotate(err, "ensuring job schema")
}
