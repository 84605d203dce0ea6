// Package chatdb persists chat messages in SQLite and serves them back as
// conversation history when no agent transcript is available.
package chatdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

const defaultPageLimit = 50

var _ core.HistoryStore = (*Store)(nil)

// Config configures a message store.
type Config struct {
	// Path is the database file; its directory must exist.
	Path     string
	PoolSize int
	Logger   pslog.Logger
	Now      func() time.Time
}

// Store saves messages and links host sessions to the agent's external
// session ids so saved messages can be read back by external id.
type Store struct {
	pool *pool
	log  pslog.Logger
	now  func() time.Time
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("chatdb: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	p, err := openPool(cfg.Path, cfg.PoolSize, log)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, log: log, now: now}, nil
}

// Close waits for borrowed connections and closes the pool.
func (s *Store) Close() error {
	return s.pool.close()
}

// SaveMessage stores a message. When the request carries no external id,
// the id linked to the host session is used.
func (s *Store) SaveMessage(ctx context.Context, req schema.SaveMessageRequest) (msg schema.Message, err error) {
	if req.ProjectID == "" {
		return schema.Message{}, schema.ErrNoProject
	}
	if req.Role != schema.RoleUser && req.Role != schema.RoleAssistant {
		return schema.Message{}, fmt.Errorf("%w: role %q", schema.ErrInvalidRequest, req.Role)
	}
	var metaJSON any
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return schema.Message{}, fmt.Errorf("chatdb: metadata: %w", err)
		}
		metaJSON = string(data)
	}
	conn, err := s.pool.take(ctx)
	if err != nil {
		return schema.Message{}, err
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return schema.Message{}, fmt.Errorf("chatdb: begin: %w", err)
	}
	defer endTx(&err)

	ext := req.ExternalID
	if ext == "" && req.SessionID != "" {
		if ext, err = linkedExternal(conn, req.SessionID); err != nil {
			return schema.Message{}, err
		}
	}
	ts := s.now().UTC()
	msg = schema.Message{
		ID:        schema.MessageID(uuid.NewString()),
		Role:      req.Role,
		Content:   req.Content,
		Timestamp: ts,
		Status:    schema.MessageSent,
		Metadata:  cloneMeta(req.Metadata),
	}
	err = sqlitex.Execute(conn, `INSERT INTO chat_messages
		(id, project_id, session_id, external_session_id, role, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(msg.ID),
			string(req.ProjectID),
			string(req.SessionID),
			string(ext),
			string(msg.Role),
			msg.Content,
			ts.UnixMilli(),
			metaJSON,
		},
	})
	if err != nil {
		return schema.Message{}, fmt.Errorf("chatdb: insert message: %w", err)
	}
	s.log.Debug("chatdb message saved", "project", req.ProjectID, "session", req.SessionID, "message", msg.ID)
	return msg, nil
}

// LinkExternal records the external id of a host session and backfills it
// on messages saved before the agent reported it.
func (s *Store) LinkExternal(ctx context.Context, sessionID schema.SessionID, ext schema.ExternalSessionID) (err error) {
	if sessionID == "" || ext == "" {
		return fmt.Errorf("%w: session and external id required", schema.ErrInvalidRequest)
	}
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("chatdb: begin: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `INSERT INTO session_links (session_id, external_session_id, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET external_session_id = excluded.external_session_id, linked_at = excluded.linked_at`,
		&sqlitex.ExecOptions{Args: []any{string(sessionID), string(ext), s.now().UnixMilli()}})
	if err != nil {
		return fmt.Errorf("chatdb: link session: %w", err)
	}
	err = sqlitex.Execute(conn, `UPDATE chat_messages SET external_session_id = ?
		WHERE session_id = ? AND external_session_id = ''`,
		&sqlitex.ExecOptions{Args: []any{string(ext), string(sessionID)}})
	if err != nil {
		return fmt.Errorf("chatdb: backfill external id: %w", err)
	}
	s.log.Debug("chatdb session linked", "session", sessionID, "external_session", ext, "backfilled", conn.Changes())
	return nil
}

// History returns saved messages of an external session in order.
func (s *Store) History(ctx context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	if req.ExternalID == "" {
		return nil, fmt.Errorf("%w: external_session_id required", schema.ErrInvalidRequest)
	}
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)
	return queryMessages(conn, `SELECT id, role, content, timestamp, metadata FROM chat_messages
		WHERE project_id = ? AND external_session_id = ?
		ORDER BY timestamp, rowid`, string(req.ProjectID), string(req.ExternalID))
}

// HistoryPage returns a newest-first page of saved messages.
func (s *Store) HistoryPage(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	if req.ExternalID == "" {
		return schema.HistoryPage{}, fmt.Errorf("%w: external_session_id required", schema.ErrInvalidRequest)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	offset := max(req.Offset, 0)
	conn, err := s.pool.take(ctx)
	if err != nil {
		return schema.HistoryPage{}, err
	}
	defer s.pool.put(conn)

	total := 0
	err = sqlitex.Execute(conn, `SELECT count(*) FROM chat_messages WHERE project_id = ? AND external_session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(req.ProjectID), string(req.ExternalID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return schema.HistoryPage{}, fmt.Errorf("chatdb: count: %w", err)
	}
	messages, err := queryMessages(conn, `SELECT id, role, content, timestamp, metadata FROM chat_messages
		WHERE project_id = ? AND external_session_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?`, string(req.ProjectID), string(req.ExternalID), limit, offset)
	if err != nil {
		return schema.HistoryPage{}, err
	}
	return schema.HistoryPage{
		Messages:   messages,
		TotalCount: total,
		HasMore:    offset+len(messages) < total,
		Offset:     offset,
	}, nil
}

// ListSessions summarizes saved conversations of a project, most recent
// first. Messages not yet linked to an external id are not listed.
func (s *Store) ListSessions(ctx context.Context, req schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	if req.ProjectID == "" {
		return nil, schema.ErrNoProject
	}
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)
	var sessions []schema.SessionInfo
	err = sqlitex.Execute(conn, `SELECT m.external_session_id, min(m.timestamp), max(m.timestamp), count(*),
			(SELECT content FROM chat_messages l
				WHERE l.project_id = m.project_id AND l.external_session_id = m.external_session_id
				ORDER BY l.timestamp DESC, l.rowid DESC LIMIT 1)
		FROM chat_messages m
		WHERE m.project_id = ? AND m.external_session_id != ''
		GROUP BY m.external_session_id
		ORDER BY max(m.timestamp) DESC`,
		&sqlitex.ExecOptions{
			Args: []any{string(req.ProjectID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, schema.SessionInfo{
					ExternalID:   schema.ExternalSessionID(stmt.ColumnText(0)),
					CreatedAt:    time.UnixMilli(stmt.ColumnInt64(1)).UTC(),
					LastActivity: time.UnixMilli(stmt.ColumnInt64(2)).UTC(),
					MessageCount: stmt.ColumnInt(3),
					Preview:      preview(stmt.ColumnText(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chatdb: list sessions: %w", err)
	}
	return sessions, nil
}

func linkedExternal(conn *sqlite.Conn, sessionID schema.SessionID) (schema.ExternalSessionID, error) {
	var ext schema.ExternalSessionID
	err := sqlitex.Execute(conn, `SELECT external_session_id FROM session_links WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ext = schema.ExternalSessionID(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("chatdb: lookup session link: %w", err)
	}
	return ext, nil
}

func queryMessages(conn *sqlite.Conn, query string, args ...any) ([]schema.Message, error) {
	var messages []schema.Message
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg, err := scanMessage(stmt)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chatdb: query messages: %w", err)
	}
	return messages, nil
}

// scanMessage reads columns id(0), role(1), content(2), timestamp(3),
// metadata(4).
func scanMessage(stmt *sqlite.Stmt) (schema.Message, error) {
	msg := schema.Message{
		ID:        schema.MessageID(stmt.ColumnText(0)),
		Role:      schema.Role(stmt.ColumnText(1)),
		Content:   stmt.ColumnText(2),
		Timestamp: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
		Status:    schema.MessageSent,
	}
	if !stmt.ColumnIsNull(4) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &msg.Metadata); err != nil {
			return schema.Message{}, fmt.Errorf("chatdb: metadata of %s: %w", msg.ID, err)
		}
	}
	if msg.Role == schema.RoleAssistant {
		msg.Status = schema.MessageCompleted
	}
	return msg, nil
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= 100 {
		return content
	}
	return string(runes[:100]) + "..."
}
