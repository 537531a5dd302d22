package graph

// Schema is the embedded SQLite schema for the graph layer. All statements
// are idempotent so opening an existing database is a no-op.
//
// The memories_fts virtual table is an external-content FTS5 index over
// content and summary, kept in sync with the memories table via triggers.
// FTS5 rank values are negative (more negative == better match).
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id                TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	importance        INTEGER NOT NULL DEFAULT 5,
	confidence        REAL NOT NULL DEFAULT 0.8,
	decay_days        INTEGER,
	forgotten         INTEGER NOT NULL DEFAULT 0,
	delete_reason     TEXT NOT NULL DEFAULT '',
	forgotten_at      TEXT,
	supersedes_id     TEXT,
	project           TEXT NOT NULL DEFAULT '',
	session_id        TEXT NOT NULL DEFAULT '',
	source_channel    TEXT NOT NULL DEFAULT '',
	source_message_id TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project);
CREATE INDEX IF NOT EXISTS idx_memories_forgotten ON memories(forgotten);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

CREATE TABLE IF NOT EXISTS entities (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL DEFAULT 'topic'
);

CREATE TABLE IF NOT EXISTS memory_entities (
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	PRIMARY KEY (memory_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id);

CREATE TABLE IF NOT EXISTS tags (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS memory_tags (
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	tag_id    INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (memory_id, tag_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	project    TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	ended_at   TEXT,
	mutations  INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	summary,
	content='memories',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content, summary)
	VALUES (new.rowid, new.content, new.summary);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, summary)
	VALUES ('delete', old.rowid, old.content, old.summary);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, summary)
	VALUES ('delete', old.rowid, old.content, old.summary);
	INSERT INTO memories_fts(rowid, content, summary)
	VALUES (new.rowid, new.content, new.summary);
END;
`
