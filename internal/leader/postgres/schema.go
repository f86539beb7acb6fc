package postgres

// Released leases keep their row with an empty owner so the term keeps
// increasing across releases.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS scheduler_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	term BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
