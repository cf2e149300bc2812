package sqlite

const schema = `
-- Operations table
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    previous_payload TEXT,
    user_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    executed_at DATETIME,
    synced_at DATETIME,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 1 CHECK(priority >= 0 AND priority <= 3),
    strategy TEXT NOT NULL DEFAULT 'server_wins',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    not_before DATETIME,
    sync_attempts INTEGER NOT NULL DEFAULT 0,
    dead_letter INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    rules_evaluated TEXT NOT NULL DEFAULT '[]',
    validation_errors TEXT NOT NULL DEFAULT '[]',
    requires_sync INTEGER NOT NULL DEFAULT 0,
    claimed_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);

-- Dependency edges (operation → operation it waits on)
CREATE TABLE IF NOT EXISTS operation_deps (
    operation_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    PRIMARY KEY (operation_id, depends_on_id),
    FOREIGN KEY (operation_id) REFERENCES operations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_operation_deps_target ON operation_deps(depends_on_id);

-- Cache entries: local materialized view of remote entities
CREATE TABLE IF NOT EXISTS cache_entries (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    accessed_at DATETIME NOT NULL,
    expires_at DATETIME,
    server_version TEXT NOT NULL DEFAULT '',
    last_synced DATETIME,
    sync_required INTEGER NOT NULL DEFAULT 0,
    access_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_cache_sync_required ON cache_entries(sync_required);

-- Entity schemas, one row per entity type (latest version wins)
CREATE TABLE IF NOT EXISTS schemas (
    entity_type TEXT PRIMARY KEY,
    version INTEGER NOT NULL DEFAULT 1,
    definition TEXT NOT NULL
);

-- Business rules
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    seq INTEGER NOT NULL DEFAULT 0,
    definition TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_entity ON rules(entity_type, enabled);

-- Engine metadata: sync watermarks, handshake marker, parked conflicts
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);
`
