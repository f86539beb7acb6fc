package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS user_jobs (
	user_id BIGINT NOT NULL,
	id UUID NOT NULL,
	kind TEXT NOT NULL,
	state CHAR(1) NOT NULL,
	group_key TEXT,
	token_id TEXT,
	config JSONB,
	created TIMESTAMPTZ NOT NULL DEFAULT now(),
	executed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	percent_complete DOUBLE PRECISION NOT NULL DEFAULT 0,
	loaded_count BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN,
	message TEXT,
	PRIMARY KEY (user_id, id),
	CONSTRAINT user_jobs_state_chk CHECK (state IN ('u','q','c','x','d','r'))
);

CREATE INDEX IF NOT EXISTS user_jobs_queued_idx
	ON user_jobs (created, user_id, id) WHERE state = 'q';

CREATE UNIQUE INDEX IF NOT EXISTS user_jobs_active_group_uniq
	ON user_jobs (group_key) WHERE state IN ('c','x') AND group_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS user_jobs_active_executed_idx
	ON user_jobs (executed_at) WHERE state IN ('c','x');

CREATE INDEX IF NOT EXISTS user_jobs_finished_idx
	ON user_jobs (completed_at) WHERE state IN ('d','r');
`
