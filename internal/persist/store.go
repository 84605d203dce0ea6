package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jariahh/ateliercode-sub000/schema"
	"pkt.systems/pslog"
)

// snapshotVersion is bumped when the on-disk layout changes.
const snapshotVersion = 1

// TabSnapshot captures a tab for persistence.
type TabSnapshot struct {
	ID           schema.TabID             `json:"id"`
	AgentType    schema.AgentType         `json:"agent_type"`
	SessionID    schema.SessionID         `json:"session_id,omitempty"`
	CLISessionID schema.ExternalSessionID `json:"cli_session_id,omitempty"`
	Label        string                   `json:"label"`
	Order        int                      `json:"tab_order"`
	Active       bool                     `json:"is_active"`
	HasActivity  bool                     `json:"has_activity,omitempty"`
	CreatedAt    int64                    `json:"created_at"`
	LastActivity int64                    `json:"last_activity"`
}

// ProjectSnapshot captures a project's tab state for persistence.
type ProjectSnapshot struct {
	Version   int              `json:"version"`
	ProjectID schema.ProjectID `json:"project_id"`
	Tabs      []TabSnapshot    `json:"tabs"`
}

// Store persists project snapshots to disk. It implements core.TabStore.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// LoadTabs reads the persisted tabs of a project. A missing snapshot yields
// no tabs.
func (s *Store) LoadTabs(_ context.Context, projectID schema.ProjectID) ([]schema.Tab, error) {
	snapshot, ok, err := s.Load(projectID)
	if err != nil || !ok {
		return nil, err
	}
	tabs := make([]schema.Tab, 0, len(snapshot.Tabs))
	for _, snap := range snapshot.Tabs {
		tabs = append(tabs, snap.tab(projectID))
	}
	return tabs, nil
}

// SaveTabs replaces the persisted tabs of a project.
func (s *Store) SaveTabs(_ context.Context, projectID schema.ProjectID, tabs []schema.Tab) error {
	snapshot := ProjectSnapshot{Version: snapshotVersion, ProjectID: projectID, Tabs: make([]TabSnapshot, 0, len(tabs))}
	for _, tab := range tabs {
		snapshot.Tabs = append(snapshot.Tabs, snapshotOf(tab))
	}
	return s.Save(projectID, snapshot)
}

// Load reads a project snapshot from disk.
func (s *Store) Load(projectID schema.ProjectID) (ProjectSnapshot, bool, error) {
	path := s.pathForProject(projectID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "project", projectID)
			return ProjectSnapshot{}, false, nil
		}
		s.warn("state load failed", "project", projectID, "err", err)
		return ProjectSnapshot{}, false, err
	}
	var snapshot ProjectSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.warn("state load failed", "project", projectID, "err", err)
		return ProjectSnapshot{}, false, err
	}
	if snapshot.Version > snapshotVersion {
		err := fmt.Errorf("state snapshot version %d is newer than supported %d", snapshot.Version, snapshotVersion)
		s.warn("state load failed", "project", projectID, "err", err)
		return ProjectSnapshot{}, false, err
	}
	s.debug("state load ok", "project", projectID, "tabs", len(snapshot.Tabs))
	return snapshot, true, nil
}

// Save writes a project snapshot to disk atomically.
func (s *Store) Save(projectID schema.ProjectID, snapshot ProjectSnapshot) error {
	path := s.pathForProject(projectID)
	if err := s.writeAtomic(path, snapshot); err != nil {
		s.warn("state save failed", "project", projectID, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "project", projectID, "tabs", len(snapshot.Tabs))
	}
	return nil
}

func (s *Store) writeAtomic(path string, snapshot ProjectSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tabs-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func (s *Store) pathForProject(projectID schema.ProjectID) string {
	name := sanitize(string(projectID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, "tabs", name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
