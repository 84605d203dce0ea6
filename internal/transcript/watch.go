package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/prompt"
	"github.com/jariahh/ateliercode-sub000/schema"
)

var _ core.EventSource = (*Watcher)(nil)

// Watcher tails transcripts and reports appended messages as session
// updates. Only lines written after Subscribe are reported.
type Watcher struct {
	store *Store
}

// NewWatcher returns a watcher over store.
func NewWatcher(store *Store) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("transcript: missing store")
	}
	return &Watcher{store: store}, nil
}

// Subscribe starts tailing the transcript of req.ExternalID. The project
// directory must exist; the file itself may appear later.
func (w *Watcher) Subscribe(ctx context.Context, req schema.WatchRequest, fn core.UpdateFunc) (func(), error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if fn == nil {
		return nil, errors.New("transcript: missing update func")
	}
	path, err := w.store.Path(req.ProjectID, req.ExternalID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: no transcripts for project %s", schema.ErrSessionNotFound, req.ProjectID)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("transcript: watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("transcript: watch %s: %w", dir, err)
	}
	t := &tail{
		path: path,
		ext:  req.ExternalID,
		fn:   fn,
		log:  pslog.Ctx(ctx).With("external_session", req.ExternalID),
	}
	if info, err := os.Stat(path); err == nil {
		t.offset = info.Size()
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.run(fw, done)
	}()
	t.log.Debug("transcript watch started", "file", filepath.Base(path))

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = fw.Close()
			wg.Wait()
			t.log.Debug("transcript watch stopped")
		})
	}, nil
}

// tail tracks the read position in one transcript file.
type tail struct {
	path    string
	ext     schema.ExternalSessionID
	fn      core.UpdateFunc
	log     pslog.Logger
	offset  int64
	partial []byte
}

func (t *tail) run(fw *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.offset = 0
				t.partial = nil
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				if err := t.read(); err != nil {
					t.log.Warn("transcript read failed", "err", err)
					t.fn(schema.ErrorUpdate(t.ext, err.Error()))
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			t.log.Warn("transcript watch error", "err", err)
			t.fn(schema.ErrorUpdate(t.ext, err.Error()))
		}
	}
}

// read consumes whole lines appended since the last read. A trailing line
// without a newline is held until it is completed.
func (t *tail) read() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		t.log.Info("transcript truncated, rereading")
		t.offset = 0
		t.partial = nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	t.offset += int64(len(data))
	data = append(t.partial, data...)
	t.partial = nil
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		msg, ok, err := parseLine(line)
		if err != nil {
			t.log.Debug("transcript line skipped", "err", err)
			continue
		}
		if !ok {
			continue
		}
		t.fn(schema.NewMessageUpdate(t.ext, msg))
		if msg.Role != schema.RoleAssistant {
			continue
		}
		if p, found := prompt.Extract(msg.Content); found {
			t.fn(schema.PromptUpdate(t.ext, p))
		}
	}
	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}
	return nil
}
