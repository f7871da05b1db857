package api

// Wire types for the pane/session REST surface exposed by the multiplexing
// host. Field names follow the backend's snake_case contract.

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type SessionResponse struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	WorkingDir string `json:"working_dir,omitempty"`
	IsAlive    bool   `json:"is_alive"`
	AgentState string `json:"agent_state,omitempty"`
}

type PaneResponse struct {
	PaneID     string            `json:"pane_id"`
	PaneType   string            `json:"pane_type"`
	PaneName   string            `json:"pane_name"`
	ProjectID  string            `json:"project_id,omitempty"`
	ActiveMode string            `json:"active_mode"`
	Order      int               `json:"order"`
	Sessions   []SessionResponse `json:"sessions"`
}

type PanesEnvelope struct {
	MaxPanes int            `json:"max_panes"`
	Panes    []PaneResponse `json:"panes"`
}

type CreatePaneRequest struct {
	PaneType   string `json:"pane_type"`
	PaneName   string `json:"pane_name"`
	ProjectID  string `json:"project_id,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type UpdatePaneRequest struct {
	PaneName   string `json:"pane_name,omitempty"`
	ActiveMode string `json:"active_mode,omitempty"`
}

type SwapPanesRequest struct {
	PaneIDA string `json:"pane_id_a"`
	PaneIDB string `json:"pane_id_b"`
}

type LayoutItem struct {
	PaneID        string   `json:"pane_id"`
	WidthPercent  *float64 `json:"width_percent,omitempty"`
	HeightPercent *float64 `json:"height_percent,omitempty"`
}

type LayoutRequest struct {
	Items []LayoutItem `json:"items"`
}

type AgentStateResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// Terminal WebSocket control frames. Client frames are either raw
// keystroke bytes or a single JSON resize envelope; server frames are
// raw terminal output with no envelope at all.

type ResizeSpec struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ResizeFrame struct {
	Resize ResizeSpec `json:"resize"`
}

// CloseReason is the close-frame payload sent with CloseSessionDead.
type CloseReason struct {
	Message string `json:"message"`
}

// CloseSessionDead is the reserved application close code meaning the
// backing process/session no longer exists.
const CloseSessionDead = 4000
