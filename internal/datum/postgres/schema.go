package postgres

// The trigger writes hour markers into stale_agg_datum, which is owned by
// the stale store. plpgsql resolves the table when the trigger first fires,
// so the two schemas can be applied in either order.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS datum_stream_meta (
	stream_id UUID PRIMARY KEY,
	object_id BIGINT NOT NULL,
	source_id TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (object_id, source_id)
);

CREATE TABLE IF NOT EXISTS datum_raw (
	stream_id UUID NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	received TIMESTAMPTZ NOT NULL DEFAULT now(),
	data JSONB NOT NULL,
	PRIMARY KEY (stream_id, ts)
);

CREATE TABLE IF NOT EXISTS agg_datum (
	stream_id UUID NOT NULL,
	kind CHAR(1) NOT NULL,
	ts_start TIMESTAMPTZ NOT NULL,
	count BIGINT NOT NULL,
	data JSONB NOT NULL,
	updated TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stream_id, kind, ts_start),
	CONSTRAINT agg_datum_kind_chk CHECK (kind IN ('h','d','M'))
);

CREATE OR REPLACE FUNCTION datum_raw_mark_stale() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
	IF TG_OP IN ('UPDATE', 'DELETE') THEN
		INSERT INTO stale_agg_datum (stream_id, kind, ts_start)
		VALUES (OLD.stream_id, 'h', date_trunc('hour', OLD.ts, 'UTC'))
		ON CONFLICT DO NOTHING;
	END IF;
	IF TG_OP IN ('INSERT', 'UPDATE') THEN
		INSERT INTO stale_agg_datum (stream_id, kind, ts_start)
		VALUES (NEW.stream_id, 'h', date_trunc('hour', NEW.ts, 'UTC'))
		ON CONFLICT DO NOTHING;
	END IF;
	RETURN NULL;
END
$$;

DROP TRIGGER IF EXISTS datum_raw_stale ON datum_raw;
CREATE TRIGGER datum_raw_stale
	AFTER INSERT OR UPDATE OR DELETE ON datum_raw
	FOR EACH ROW EXECUTE FUNCTION datum_raw_mark_stale();
`
