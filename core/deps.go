package core

import (
	"time"

	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"pkt.systems/pslog"
)

// ServiceDeps captures the collaborators of the core service.
type ServiceDeps struct {
	Host      AgentHost
	History   HistoryStore
	Events    EventSource
	TabStore  TabStore
	EventSink EventSink
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}
