package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

const (
	fileExt          = ".jsonl"
	defaultPageLimit = 50
	previewRunes     = 100
)

var _ core.HistoryReader = (*Store)(nil)

// Store reads transcripts under root/<encoded project>/<external id>.jsonl.
type Store struct {
	root   string
	logger pslog.Logger
}

// NewStore returns a store rooted at root.
func NewStore(root string) (*Store, error) {
	return NewStoreWithLogger(root, nil)
}

// NewStoreWithLogger returns a store that logs skipped lines.
func NewStoreWithLogger(root string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("transcript: root is required")
	}
	return &Store{root: filepath.Clean(root), logger: logger}, nil
}

// Root returns the transcript root.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the directory holding transcripts of project.
func (s *Store) ProjectDir(project schema.ProjectID) string {
	return filepath.Join(s.root, encodeProject(string(project)))
}

// Path returns the transcript file of an external session.
func (s *Store) Path(project schema.ProjectID, ext schema.ExternalSessionID) (string, error) {
	if project == "" {
		return "", schema.ErrNoProject
	}
	name := string(ext)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: external session id %q", schema.ErrInvalidRequest, ext)
	}
	return filepath.Join(s.ProjectDir(project), name+fileExt), nil
}

// History returns the whole conversation in order. A missing transcript
// yields no messages.
func (s *Store) History(ctx context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	path, err := s.Path(req.ProjectID, req.ExternalID)
	if err != nil {
		return nil, err
	}
	messages, err := s.readFile(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return messages, err
}

// HistoryPage returns a newest-first page. When the conversation holds a
// continuation marker, everything from the last marker on is returned in
// one page and older messages are not paged.
func (s *Store) HistoryPage(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	all, err := s.History(ctx, schema.HistoryRequest{AgentType: req.AgentType, ProjectID: req.ProjectID, ExternalID: req.ExternalID})
	if err != nil {
		return schema.HistoryPage{}, err
	}
	return paginate(all, req.Offset, req.Limit), nil
}

func paginate(all []schema.Message, offset, limit int) schema.HistoryPage {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	marker := -1
	for i := len(all) - 1; i >= 0; i-- {
		if isContinuation(all[i].Content) {
			marker = i
			break
		}
	}
	window := all
	if marker >= 0 {
		window = all[marker:]
	}
	newest := make([]schema.Message, len(window))
	for i, msg := range window {
		newest[len(window)-1-i] = msg
	}
	page := schema.HistoryPage{TotalCount: len(newest), Offset: offset}
	if marker >= 0 {
		page.Messages = newest
		return page
	}
	start := min(offset, len(newest))
	end := min(offset+limit, len(newest))
	page.Messages = newest[start:end]
	page.HasMore = end < len(newest)
	return page
}

// ListSessions summarizes the transcripts of a project, most recent first.
func (s *Store) ListSessions(ctx context.Context, req schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	if req.ProjectID == "" {
		return nil, schema.ErrNoProject
	}
	dir := s.ProjectDir(req.ProjectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []schema.SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messages, err := s.readFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			s.warn("transcript list skipped file", "file", entry.Name(), "err", err)
			continue
		}
		if len(messages) == 0 {
			continue
		}
		first, last := messages[0], messages[len(messages)-1]
		sessions = append(sessions, schema.SessionInfo{
			ExternalID:   schema.ExternalSessionID(strings.TrimSuffix(entry.Name(), fileExt)),
			CreatedAt:    first.Timestamp,
			LastActivity: last.Timestamp,
			Preview:      preview(last.Content),
			MessageCount: len(messages),
		})
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

func (s *Store) readFile(ctx context.Context, path string) ([]schema.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var messages []schema.Message
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			msg, ok, err := parseLine(line)
			switch {
			case err != nil:
				s.debug("transcript line skipped", "file", filepath.Base(path), "line", lineNo, "err", err)
			case ok:
				messages = append(messages, msg)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return messages, nil
			}
			return nil, readErr
		}
		if lineNo%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
}

func (s *Store) debug(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}

// encodeProject maps a project path to a directory name by replacing every
// character outside [A-Za-z0-9] with '-'.
func encodeProject(project string) string {
	var b strings.Builder
	b.Grow(len(project))
	for _, r := range project {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "..."
}
