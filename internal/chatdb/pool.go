package chatdb

import (
	"context"
	"fmt"

	"pkt.systems/pslog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultPoolSize = 4

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// pool wraps sqlitex.Pool and prepares every connection with the store
// pragmas and schema.
type pool struct {
	inner *sqlitex.Pool
	path  string
	log   pslog.Logger
}

func openPool(path string, size int, log pslog.Logger) (*pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("chatdb: open %s: %w", path, err)
	}
	log.Info("chatdb pool opened", "path", path, "pool_size", size)
	return &pool{inner: inner, path: path, log: log}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("chatdb: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("chatdb: schema: %w", err)
	}
	return nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatdb: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.log.Error("chatdb pool close failed", "path", p.path, "err", err)
		return fmt.Errorf("chatdb: close %s: %w", p.path, err)
	}
	p.log.Info("chatdb pool closed", "path", p.path)
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	external_session_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS chat_messages_external
	ON chat_messages (project_id, external_session_id, timestamp);
CREATE INDEX IF NOT EXISTS chat_messages_session
	ON chat_messages (session_id);
CREATE TABLE IF NOT EXISTS session_links (
	session_id TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL,
	linked_at INTEGER NOT NULL
);
`
