package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoProject indicates no project was given.
	ErrNoProject = errors.New("no project selected")
	// ErrNoAgent indicates no agent type was given or configured.
	ErrNoAgent = errors.New("no agent configured")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession indicates a send was attempted on a tab without a session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrNotResumable indicates a stopped session has no external id.
	ErrNotResumable = errors.New("session is not resumable")
	// ErrSessionRunning indicates the tab already has a running session.
	ErrSessionRunning = errors.New("session already running")
	// ErrEmptyMessage indicates the message was empty.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageNotFound indicates a patch targeted an unknown message id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrPromptPending indicates input is suspended until the pending prompt is answered.
	ErrPromptPending = errors.New("structured prompt pending")
	// ErrNoPrompt indicates no prompt is pending on the tab.
	ErrNoPrompt = errors.New("no prompt pending")
	// ErrUnknownCommand indicates a peer asked for a command with no handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrTimeout indicates a peer call did not receive a response in time.
	ErrTimeout = errors.New("peer call timed out")
	// ErrPeerClosed indicates the peer link closed before a response arrived.
	ErrPeerClosed = errors.New("peer link closed")
	// ErrAgentUnavailable indicates the requested agent plugin is not installed.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrWatchUnsupported indicates no event source serves the agent type.
	ErrWatchUnsupported = errors.New("session watching not supported")
)
