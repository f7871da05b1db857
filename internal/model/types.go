package model

import (
	"strings"

	"github.com/g960059/muxpane/internal/api"
)

// Mode is the kind of process a session runs.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeAgent Mode = "agent"
)

// PaneKind distinguishes project-bound panes from throwaway shells.
type PaneKind string

const (
	PaneKindProject PaneKind = "project"
	PaneKindAdHoc   PaneKind = "adhoc"
)

// AgentState is the server-reported lifecycle of an agent process.
// Meaningful only for sessions with ModeAgent.
type AgentState string

const (
	AgentNotStarted AgentState = "not_started"
	AgentStarting   AgentState = "starting"
	AgentRunning    AgentState = "running"
	AgentStopped    AgentState = "stopped"
	AgentError      AgentState = "error"
)

// ConnState is the observable state of one terminal connection. It is
// owned by the view that opened the connection and never persisted.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnError        ConnState = "error"
	ConnSessionDead  ConnState = "session_dead"
	ConnTimeout      ConnState = "timeout"
)

type Session struct {
	ID         string
	Mode       Mode
	WorkingDir string
	IsAlive    bool
	AgentState AgentState
}

// NeedsStart reports whether switching to this agent session requires
// asking the server to start the agent process first.
func (s Session) NeedsStart() bool {
	return s.AgentState != AgentRunning && s.AgentState != AgentStarting
}

type Pane struct {
	ID         string
	Kind       PaneKind
	Name       string
	ProjectID  string
	ActiveMode Mode
	Order      int
	Sessions   []Session
}

// SessionForMode returns the pane's session matching mode, if any.
func (p Pane) SessionForMode(mode Mode) (Session, bool) {
	for _, s := range p.Sessions {
		if s.Mode == mode {
			return s, true
		}
	}
	return Session{}, false
}

func CanonicalMode(mode string) Mode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeAgent):
		return ModeAgent
	default:
		return ModeShell
	}
}

func CanonicalAgentState(state string) AgentState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case string(AgentStarting):
		return AgentStarting
	case string(AgentRunning):
		return AgentRunning
	case string(AgentStopped):
		return AgentStopped
	case string(AgentError):
		return AgentError
	default:
		return AgentNotStarted
	}
}

func CanonicalPaneKind(kind string) PaneKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case string(PaneKindProject):
		return PaneKindProject
	default:
		return PaneKindAdHoc
	}
}

// SessionFromAPI converts a wire session to the domain shape.
func SessionFromAPI(in api.SessionResponse) Session {
	return Session{
		ID:         in.SessionID,
		Mode:       CanonicalMode(in.Mode),
		WorkingDir: in.WorkingDir,
		IsAlive:    in.IsAlive,
		AgentState: CanonicalAgentState(in.AgentState),
	}
}

// PaneFromAPI converts a wire pane to the domain shape.
func PaneFromAPI(in api.PaneResponse) Pane {
	sessions := make([]Session, 0, len(in.Sessions))
	for _, s := range in.Sessions {
		sessions = append(sessions, SessionFromAPI(s))
	}
	return Pane{
		ID:         in.PaneID,
		Kind:       CanonicalPaneKind(in.PaneType),
		Name:       in.PaneName,
		ProjectID:  in.ProjectID,
		ActiveMode: CanonicalMode(in.ActiveMode),
		Order:      in.Order,
		Sessions:   sessions,
	}
}

// PanesFromAPI converts a wire pane list to the domain shape.
func PanesFromAPI(in []api.PaneResponse) []Pane {
	panes := make([]Pane, 0, len(in))
	for _, p := range in {
		panes = append(panes, PaneFromAPI(p))
	}
	return panes
}
