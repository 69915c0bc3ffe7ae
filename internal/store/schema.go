package store

// bootstrapDDL is an idempotent schema setup, not a migration framework;
// it exists so tests and local runs have a schema without a separate
// tool.
const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS servers (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'imported',
	network_mode       TEXT NOT NULL DEFAULT 'isolated',
	default_timeout_ms INTEGER NOT NULL DEFAULT 30000,
	allowed_hosts      TEXT[] NOT NULL DEFAULT '{}',
	error_message      TEXT NOT NULL DEFAULT '',
	access_everyone    BOOLEAN NOT NULL DEFAULT TRUE,
	access_emails      TEXT[] NOT NULL DEFAULT '{}',
	access_domain      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tools (
	id                              TEXT PRIMARY KEY,
	server_id                       TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	name                            TEXT NOT NULL,
	description                     TEXT NOT NULL DEFAULT '',
	enabled                         BOOLEAN NOT NULL DEFAULT FALSE,
	timeout_ms                      INTEGER NOT NULL DEFAULT 30000,
	tool_type                       TEXT NOT NULL,
	source                          TEXT NOT NULL DEFAULT '',
	passthrough_external_source_id  TEXT,
	passthrough_external_tool_name  TEXT,
	input_schema                    JSONB NOT NULL DEFAULT '{}',
	approval_status                 TEXT NOT NULL DEFAULT 'draft',
	current_version                 INTEGER NOT NULL DEFAULT 0,
	created_at                      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (server_id, name)
);

CREATE TABLE IF NOT EXISTS tool_versions (
	tool_id        TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
	version_number INTEGER NOT NULL,
	source         TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	schema_drifted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tool_id, version_number)
);

CREATE TABLE IF NOT EXISTS server_secrets (
	server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	key_name   TEXT NOT NULL,
	ciphertext BYTEA NOT NULL,
	iv         BYTEA NOT NULL,
	PRIMARY KEY (server_id, key_name)
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	subject        TEXT NOT NULL,
	requested_by   TEXT NOT NULL,
	justification  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT NOT NULL DEFAULT '',
	reviewed_at    TIMESTAMPTZ,
	workflow_id    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- At most one pending request per (kind, subject), expressed as a
-- Postgres partial index.
CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_one_pending
	ON approval_requests (kind, subject)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS external_sources (
	id                    TEXT PRIMARY KEY,
	server_id             TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	name                  TEXT NOT NULL,
	url                   TEXT NOT NULL,
	transport             TEXT NOT NULL,
	auth                  TEXT NOT NULL,
	auth_secret_name      TEXT NOT NULL DEFAULT '',
	auth_header_name      TEXT NOT NULL DEFAULT '',
	issuer                TEXT NOT NULL DEFAULT '',
	client_id             TEXT NOT NULL DEFAULT '',
	refresh_token_cipher  BYTEA,
	refresh_token_iv      BYTEA,
	code_verifier_cipher  BYTEA,
	code_verifier_iv      BYTEA,
	authenticated         BOOLEAN NOT NULL DEFAULT FALSE,
	status                TEXT NOT NULL DEFAULT '',
	last_discovered_at    TIMESTAMPTZ,
	tool_count            INTEGER NOT NULL DEFAULT 0,
	UNIQUE (server_id, name)
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id          TEXT PRIMARY KEY,
	server_id   TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	args        JSONB NOT NULL DEFAULT '{}',
	result      TEXT NOT NULL DEFAULT '',
	stdout      TEXT NOT NULL DEFAULT '',
	stderr      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	success     BOOLEAN NOT NULL DEFAULT FALSE,
	actor       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_server ON execution_logs (server_id, created_at DESC);

CREATE TABLE IF NOT EXISTS activity_logs (
	id         TEXT PRIMARY KEY,
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
