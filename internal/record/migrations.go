package record

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    producer TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    events INTEGER NOT NULL DEFAULT 0,
    clean BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,
    parent TEXT,
    name TEXT,
    ts INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
`
