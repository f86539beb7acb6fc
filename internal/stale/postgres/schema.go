package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS stale_agg_datum (
	stream_id UUID NOT NULL,
	kind CHAR(1) NOT NULL,
	ts_start TIMESTAMPTZ NOT NULL,
	created TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stream_id, kind, ts_start),
	CONSTRAINT stale_agg_datum_kind_chk CHECK (kind IN ('h','d','M'))
);

CREATE INDEX IF NOT EXISTS stale_agg_datum_created_idx
	ON stale_agg_datum (kind, created);
`
