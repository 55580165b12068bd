// ABOUTME: DDL for the control-plane and tenant store schemas
// ABOUTME: Every statement is IF NOT EXISTS so bootstrap stays idempotent

package bootstrap

// controlPlaneSchema creates the shared control-plane tables. Foreign keys
// only reference tables inside the same store.
const controlPlaneSchema = `
	CREATE TABLE IF NOT EXISTS _admins (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		last_seen_at  TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_admins_username ON _admins(username);

	CREATE TABLE IF NOT EXISTS _api_keys (
		id           TEXT PRIMARY KEY,
		key          TEXT NOT NULL UNIQUE,
		owner_id     TEXT NOT NULL,
		kind         TEXT NOT NULL,
		project_id   TEXT,
		scopes       TEXT NOT NULL DEFAULT '[]',
		active       INTEGER NOT NULL DEFAULT 1,
		expires_at   TEXT,
		use_count    INTEGER NOT NULL DEFAULT 0,
		last_used_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,

		CHECK (kind IN ('master', 'tenant'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_master_owner
		ON _api_keys(owner_id) WHERE kind = 'master';
	CREATE INDEX IF NOT EXISTS idx_api_keys_key ON _api_keys(key);

	CREATE TABLE IF NOT EXISTS _projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _sessions (
		token        TEXT PRIMARY KEY,
		subject_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		project_id   TEXT,
		scopes       TEXT NOT NULL DEFAULT '[]',
		active       INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL,
		expires_at   TEXT NOT NULL,
		last_used_at TEXT,
		ip           TEXT,
		user_agent   TEXT,

		CHECK (kind IN ('admin', 'tenant_user'))
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_subject ON _sessions(subject_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON _sessions(expires_at);

	CREATE TABLE IF NOT EXISTS _email_templates (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		subject    TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _system_checks (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		status     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		checked_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _backups (
		id         TEXT PRIMARY KEY,
		file_name  TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _activity_log (
		id          TEXT PRIMARY KEY,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		detail      TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_created ON _activity_log(created_at DESC);
`

// tenantSchema creates the per-project tables. Isolation is at the file
// level; the project_id column exists so legacy statement shapes keep
// working, not because rows need it.
const tenantSchema = `
	CREATE TABLE IF NOT EXISTS collections (
		id         TEXT PRIMARY KEY,
		project_id TEXT,
		name       TEXT NOT NULL UNIQUE,
		type       TEXT NOT NULL DEFAULT 'base',
		schema     TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		project_id    TEXT,
		collection_id TEXT REFERENCES collections(id) ON DELETE CASCADE,
		data          TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
		updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id);

	CREATE TABLE IF NOT EXISTS folders (
		id         TEXT PRIMARY KEY,
		project_id TEXT,
		parent_id  TEXT REFERENCES folders(id),
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS files (
		id           TEXT PRIMARY KEY,
		project_id   TEXT,
		folder_id    TEXT REFERENCES folders(id),
		name         TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		mime_type    TEXT,
		storage_path TEXT NOT NULL,
		created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		project_id    TEXT,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		verified      INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
		updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		project_id TEXT,
		key        TEXT NOT NULL UNIQUE,
		owner_id   TEXT NOT NULL,
		scopes     TEXT NOT NULL DEFAULT '[]',
		active     INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS permissions (
		id            TEXT PRIMARY KEY,
		project_id    TEXT,
		collection_id TEXT REFERENCES collections(id) ON DELETE CASCADE,
		role          TEXT NOT NULL,
		rule          TEXT NOT NULL,
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS versions (
		id          TEXT PRIMARY KEY,
		project_id  TEXT,
		document_id TEXT REFERENCES documents(id) ON DELETE CASCADE,
		rev         INTEGER NOT NULL,
		data        TEXT NOT NULL,
		created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_versions_document ON versions(document_id, rev);

	CREATE TABLE IF NOT EXISTS changelog (
		id          TEXT PRIMARY KEY,
		project_id  TEXT,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		op          TEXT NOT NULL,
		detail      TEXT,
		created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_changelog_entity ON changelog(entity_type, entity_id);
`

// columnMigration adds a column when pragma_table_info shows it missing.
// backfill runs right after the ALTER, but only when the predecessor column
// it copies from is present.
type columnMigration struct {
	table       string
	column      string
	check       string
	apply       string
	predecessor string
	backfill    string
}

// controlPlaneMigrations upgrades stores created by earlier releases.
var controlPlaneMigrations = []columnMigration{
	{
		table:       "_admins",
		column:      "last_seen_at",
		check:       `SELECT 1 FROM pragma_table_info('_admins') WHERE name = 'last_seen_at'`,
		apply:       `ALTER TABLE _admins ADD COLUMN last_seen_at TEXT`,
		predecessor: "last_active",
		backfill:    `UPDATE _admins SET last_seen_at = last_active WHERE last_seen_at IS NULL`,
	},
	{
		table:  "_api_keys",
		column: "use_count",
		check:  `SELECT 1 FROM pragma_table_info('_api_keys') WHERE name = 'use_count'`,
		apply:  `ALTER TABLE _api_keys ADD COLUMN use_count INTEGER NOT NULL DEFAULT 0`,
	},
	{
		table:  "_sessions",
		column: "user_agent",
		check:  `SELECT 1 FROM pragma_table_info('_sessions') WHERE name = 'user_agent'`,
		apply:  `ALTER TABLE _sessions ADD COLUMN user_agent TEXT`,
	},
}
