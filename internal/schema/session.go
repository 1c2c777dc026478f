package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/tradecore/errs"
)

// SessionMode selects the execution backend for a session.
type SessionMode string

const (
	ModeBacktest       SessionMode = "BACKTEST"
	ModeLive           SessionMode = "LIVE"
	ModePaper          SessionMode = "PAPER"
	ModeDataCollection SessionMode = "DATA_COLLECTION"
)

// Valid reports whether the mode is one of the supported execution modes.
func (m SessionMode) Valid() bool {
	switch m {
	case ModeBacktest, ModeLive, ModePaper, ModeDataCollection:
		return true
	default:
		return false
	}
}

// SessionStatus enumerates execution session lifecycle states.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "IDLE"
	StatusStarting SessionStatus = "STARTING"
	StatusRunning  SessionStatus = "RUNNING"
	StatusPaused   SessionStatus = "PAUSED"
	StatusStopping SessionStatus = "STOPPING"
	StatusStopped  SessionStatus = "STOPPED"
	StatusError    SessionStatus = "ERROR"
)

// sessionTransitions is the authoritative transition table. Any pair absent
// here is an invalid transition.
var sessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	StatusIdle:     {StatusStarting: {}},
	StatusStarting: {StatusRunning: {}, StatusError: {}},
	StatusRunning:  {StatusPaused: {}, StatusStopping: {}, StatusError: {}},
	StatusPaused:   {StatusRunning: {}, StatusStopping: {}},
	StatusStopping: {StatusStarting: {}, StatusStopped: {}, StatusError: {}},
	StatusStopped:  {StatusStarting: {}},
	StatusError:    {StatusStarting: {}, StatusStopped: {}},
}

// CanTransition reports whether from -> to is an allowed session transition.
func CanTransition(from, to SessionStatus) bool {
	targets, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// TransitionError builds the canonical invalid-transition error.
func TransitionError(sessionID string, from, to SessionStatus) error {
	return errs.New("execution/transition", errs.CodeState,
		errs.WithSession(sessionID),
		errs.WithMessage(fmt.Sprintf("invalid transition %s -> %s", from, to)))
}

// SessionMetrics aggregates progress counters published on metrics updates.
type SessionMetrics struct {
	TicksProcessed     int64 `json:"ticks_processed"`
	OrderbooksReplayed int64 `json:"orderbooks_replayed"`
	SignalsGenerated   int64 `json:"signals_generated"`
	OrdersPlaced       int64 `json:"orders_placed"`
	EventsDropped      int64 `json:"events_dropped"`
}

// ExecutionSession is the single active execution context per process.
type ExecutionSession struct {
	SessionID    string         `json:"session_id"`
	Mode         SessionMode    `json:"mode"`
	Symbols      []string       `json:"symbols"`
	Status       SessionStatus  `json:"status"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	StartTime    time.Time      `json:"start_time,omitempty"`
	EndTime      time.Time      `json:"end_time,omitempty"`
	Progress     float64        `json:"progress"`
	Metrics      SessionMetrics `json:"metrics"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Clone returns a copy safe to hand across goroutines. Parameters are
// shallow-copied; callers treat them as immutable after creation.
func (s *ExecutionSession) Clone() *ExecutionSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Symbols = append([]string(nil), s.Symbols...)
	return &cp
}

// NewSessionID builds an operator-facing session identifier,
// exec_YYYYMMDD_HHMMSS_<8-hex>.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%s_%s", now.UTC().Format("20060102_150405"), suffix)
}
