package agentcli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/schema"
)

const stopGrace = 5 * time.Second

var _ core.AgentHost = (*Host)(nil)

// ExternalIDFunc is called once per session when the agent reports its own
// session id.
type ExternalIDFunc func(ctx context.Context, desc schema.SessionDescriptor)

// Config controls how agent processes are spawned.
type Config struct {
	Plugins      map[schema.AgentType]*Plugin
	DefaultAgent schema.AgentType
	// Env is appended to the process environment of every agent.
	Env          []string
	OnExternalID ExternalIDFunc
	Logger       pslog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Host implements core.AgentHost. A session is a registered conversation;
// every Send runs one agent CLI invocation in the project directory and
// continues the agent session once its id is known.
type Host struct {
	cfg      Config
	log      pslog.Logger
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[schema.SessionID]*hostSession
}

type hostSession struct {
	desc    schema.SessionDescriptor
	plugin  *Plugin
	procs   map[int]*exec.Cmd
	lastPID int
}

// NewHost returns a host serving cfg.Plugins.
func NewHost(cfg Config) (*Host, error) {
	if len(cfg.Plugins) == 0 {
		return nil, errors.New("agentcli: no agent plugins")
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:      cfg,
		log:      log,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[schema.SessionID]*hostSession),
	}, nil
}

// Plugin returns the plugin for agent, falling back to the default agent.
func (h *Host) Plugin(agent schema.AgentType) (*Plugin, error) {
	if agent == "" {
		agent = h.cfg.DefaultAgent
	}
	if agent == "" {
		return nil, schema.ErrNoAgent
	}
	p, ok := h.cfg.Plugins[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrAgentUnavailable, agent)
	}
	return p, nil
}

// Agents lists the configured agent types.
func (h *Host) Agents() []schema.AgentType {
	out := make([]schema.AgentType, 0, len(h.cfg.Plugins))
	for agent := range h.cfg.Plugins {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start registers a session for the project directory. No process runs
// until the first Send.
func (h *Host) Start(ctx context.Context, req schema.HostStartRequest) (schema.SessionDescriptor, error) {
	if req.ProjectID == "" {
		return schema.SessionDescriptor{}, schema.ErrNoProject
	}
	p, err := h.Plugin(req.AgentType)
	if err != nil {
		return schema.SessionDescriptor{}, err
	}
	if req.ResumeExternalID != "" && !p.CanResume() {
		return schema.SessionDescriptor{}, fmt.Errorf("%w: %s cannot resume sessions", schema.ErrNotResumable, p.Type())
	}
	info, err := os.Stat(string(req.ProjectID))
	if err != nil || !info.IsDir() {
		return schema.SessionDescriptor{}, fmt.Errorf("%w: project path %s is not a directory", schema.ErrNoProject, req.ProjectID)
	}
	if _, err := exec.LookPath(p.Meta.CLICommand); err != nil {
		return schema.SessionDescriptor{}, fmt.Errorf("%w: %s: %v", schema.ErrAgentUnavailable, p.Meta.CLICommand, err)
	}
	desc := schema.SessionDescriptor{
		SessionID:  schema.SessionID(uuid.NewString()),
		ProjectID:  req.ProjectID,
		AgentType:  p.Type(),
		ExternalID: req.ResumeExternalID,
		Running:    true,
		StartedAt:  h.now().UTC(),
	}
	h.mu.Lock()
	h.sessions[desc.SessionID] = &hostSession{desc: desc, plugin: p, procs: make(map[int]*exec.Cmd)}
	h.mu.Unlock()
	pslog.Ctx(ctx).Info("agent session started", "session", desc.SessionID, "agent", desc.AgentType, "project", desc.ProjectID, "resume", desc.ExternalID != "")
	return desc, nil
}

// Send runs the agent CLI with text. It returns once the process started;
// output is scanned for the agent session id until the process exits.
func (h *Host) Send(ctx context.Context, sessionID schema.SessionID, text string) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, sessionID)
	}
	desc := sess.desc
	p := sess.plugin
	h.mu.Unlock()

	args := p.Args(text, string(desc.ProjectID), desc.ExternalID)
	log := pslog.Ctx(ctx).With("session", sessionID, "agent", desc.AgentType)
	log.Info("agent exec start", "workdir", desc.ProjectID, "args_len", len(args), "resume", desc.ExternalID != "", "message_len", len(text), "env_extra", len(h.cfg.Env))

	cmd := exec.CommandContext(h.ctx, p.Meta.CLICommand, args...)
	cmd.Dir = string(desc.ProjectID)
	cmd.Env = append(os.Environ(), h.cfg.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("agent exec stdout failed", "err", err)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("agent exec stderr failed", "err", err)
		return err
	}

	h.mu.Lock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, sessionID)
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		log.Error("agent exec start failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrAgentUnavailable, err)
	}
	pid := cmd.Process.Pid
	sess.procs[pid] = cmd
	sess.lastPID = pid
	h.wg.Add(1)
	h.mu.Unlock()
	h.cfg.Metrics.AgentStarted()
	log.Info("agent exec started", "pid", pid)

	out := readOutput(log, stdout, stderr, func(_ string, line string) {
		h.observeLine(sessionID, p, line)
	})
	started := h.now()
	go func() {
		defer h.wg.Done()
		readErr := out.wait()
		waitErr := cmd.Wait()
		h.finish(sessionID, pid)
		h.cfg.Metrics.AgentExited(string(desc.AgentType), waitErr)
		fields := []any{"pid", pid, "exit_code", exitCode(waitErr), "duration_ms", h.now().Sub(started).Milliseconds()}
		if readErr != nil {
			fields = append(fields, "read_err", readErr)
		}
		if waitErr != nil {
			fields = append(fields, "err", waitErr)
		}
		log.Info("agent exec finished", fields...)
	}()
	return nil
}

func (h *Host) observeLine(sessionID schema.SessionID, p *Plugin, line string) {
	ext, ok := p.MatchSessionID(line)
	if !ok {
		return
	}
	h.mu.Lock()
	sess, found := h.sessions[sessionID]
	if !found || sess.desc.ExternalID != "" {
		h.mu.Unlock()
		return
	}
	sess.desc.ExternalID = ext
	desc := sess.desc
	h.mu.Unlock()
	h.log.Info("agent session id detected", "session", sessionID, "external_session", ext)
	if h.cfg.OnExternalID != nil {
		h.cfg.OnExternalID(h.ctx, desc)
	}
}

func (h *Host) finish(sessionID schema.SessionID, pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[sessionID]; ok {
		delete(sess.procs, pid)
	}
}

// Stop forgets the session and terminates its running processes.
func (h *Host) Stop(ctx context.Context, sessionID schema.SessionID) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, sessionID)
	}
	delete(h.sessions, sessionID)
	procs := make([]*exec.Cmd, 0, len(sess.procs))
	for _, cmd := range sess.procs {
		procs = append(procs, cmd)
	}
	h.mu.Unlock()
	log := pslog.Ctx(ctx)
	for _, cmd := range procs {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("agent exec signal failed", "session", sessionID, "pid", cmd.Process.Pid, "err", err)
		}
	}
	log.Info("agent session stopped", "session", sessionID, "killed", len(procs))
	return nil
}

// SyncExternalID reports the agent session id once output revealed it.
func (h *Host) SyncExternalID(ctx context.Context, sessionID schema.SessionID) (schema.ExternalSessionID, bool, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", schema.ErrSessionNotFound, sessionID)
	}
	return sess.desc.ExternalID, sess.desc.ExternalID != "", nil
}

// ListActive returns the registered sessions, oldest first.
func (h *Host) ListActive(ctx context.Context) ([]schema.SessionDescriptor, error) {
	_ = ctx
	h.mu.Lock()
	out := make([]schema.SessionDescriptor, 0, len(h.sessions))
	for _, sess := range h.sessions {
		desc := sess.desc
		if _, running := sess.procs[sess.lastPID]; running {
			desc.PID = sess.lastPID
		}
		out = append(out, desc)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Close terminates every running agent process and waits for them.
func (h *Host) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
