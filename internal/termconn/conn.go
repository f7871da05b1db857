package termconn

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/g960059/muxpane/internal/api"
	"github.com/g960059/muxpane/internal/config"
	"github.com/g960059/muxpane/internal/model"
)

// Options configures one terminal view's connection. OnState and OnOutput
// are invoked from the connection's own goroutines; callers that touch
// shared state from them must synchronize.
type Options struct {
	OnState  func(state model.ConnState, detail string)
	OnOutput func(data []byte)
	// Initial viewport fit, sent as the first control frame on connect.
	Cols int
	Rows int
}

// Manager opens terminal connections against one multiplexing host.
type Manager struct {
	baseURL string
	dialer  *websocket.Dialer
	cfg     config.Config
}

func NewManager(baseURL string, cfg config.Config) *Manager {
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No HandshakeTimeout: the connect timer owns the timeout policy
		// and cancels the dial context itself.
		dialer: &websocket.Dialer{},
		cfg:    cfg,
	}
}

// Handle is one live terminal connection. Exactly one WebSocket per
// handle; handles are never shared across views even for the same
// session id.
type Handle struct {
	id        string
	sessionID string
	wsURL     string
	mgr       *Manager
	opts      Options
	log       pslog.Logger

	mu           sync.Mutex
	state        model.ConnState
	conn         *websocket.Conn
	gen          int
	timedOutOnce bool
	closed       bool
	connectTimer *time.Timer
	retryTimer   *time.Timer
	dialCancel   context.CancelFunc
	pendingCols  int
	pendingRows  int

	writeMu sync.Mutex // gorilla conns are not concurrent-write safe
}

// Open dials /ws/terminal/{sessionID} and returns immediately; progress is
// reported through opts.OnState. The session id is not validated against
// the pane store here; a stale id surfaces as a session_dead close.
func (m *Manager) Open(ctx context.Context, sessionID, workingDir string, opts Options) *Handle {
	wsURL := m.baseURL + "/ws/terminal/" + url.PathEscape(sessionID)
	if strings.TrimSpace(workingDir) != "" {
		wsURL += "?working_dir=" + url.QueryEscape(workingDir)
	}
	h := &Handle{
		id:          uuid.NewString(),
		sessionID:   sessionID,
		wsURL:       wsURL,
		mgr:         m,
		opts:        opts,
		log:         pslog.Ctx(ctx).With("session_id", sessionID),
		state:       model.ConnConnecting,
		pendingCols: opts.Cols,
		pendingRows: opts.Rows,
	}
	h.mu.Lock()
	h.startAttemptLocked()
	h.mu.Unlock()
	h.notify(model.ConnConnecting, "")
	return h
}

// ID identifies this view's connection, not the session.
func (h *Handle) ID() string { return h.id }

func (h *Handle) SessionID() string { return h.sessionID }

// State returns the last observed connection state.
func (h *Handle) State() model.ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SendInput writes raw bytes if the socket is open and silently drops
// them otherwise. At-most-once: nothing is queued for a reconnect.
func (h *Handle) SendInput(data []byte) {
	h.mu.Lock()
	conn := h.conn
	open := h.state == model.ConnConnected && conn != nil
	h.mu.Unlock()
	if !open {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, data)
}

// Resize sends a {"resize":{...}} control frame. Sizes sent before the
// socket opens are coalesced to the latest one; the remote PTY only
// needs the final geometry.
func (h *Handle) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	h.mu.Lock()
	h.pendingCols = cols
	h.pendingRows = rows
	conn := h.conn
	open := h.state == model.ConnConnected && conn != nil
	h.mu.Unlock()
	if !open {
		return
	}
	h.writeResize(conn, cols, rows)
}

// Reconnect tears down any existing socket and starts a fresh attempt,
// with the full timeout/retry budget restored.
func (h *Handle) Reconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.teardownLocked()
	h.state = model.ConnConnecting
	h.timedOutOnce = false
	h.startAttemptLocked()
	h.mu.Unlock()
	h.notify(model.ConnConnecting, "")
}

// Close terminates the socket and stops all timers. Idempotent, and the
// only transition no state can leave.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.teardownLocked()
	h.mu.Unlock()
}

// teardownLocked cancels the in-flight dial, timers, and socket. Every
// exit path funnels through here so nothing leaks across reconnects.
func (h *Handle) teardownLocked() {
	h.gen++
	if h.connectTimer != nil {
		h.connectTimer.Stop()
		h.connectTimer = nil
	}
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
	if h.dialCancel != nil {
		h.dialCancel()
		h.dialCancel = nil
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

func (h *Handle) startAttemptLocked() {
	gen := h.gen
	dialCtx, cancel := context.WithCancel(context.Background())
	h.dialCancel = cancel
	h.connectTimer = time.AfterFunc(h.mgr.cfg.ConnectTimeout, func() {
		h.onConnectTimeout(gen)
	})
	go h.dial(dialCtx, gen)
}

func (h *Handle) dial(ctx context.Context, gen int) {
	conn, resp, err := h.mgr.dialer.DialContext(ctx, h.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.mu.Lock()
	if gen != h.gen || h.closed {
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		// Timeouts are handled by the connect timer; any other dial
		// failure is a transport error the caller must Reconnect from.
		if ctx.Err() != nil {
			h.mu.Unlock()
			return
		}
		if h.connectTimer != nil {
			h.connectTimer.Stop()
			h.connectTimer = nil
		}
		h.state = model.ConnError
		h.mu.Unlock()
		h.notify(model.ConnError, err.Error())
		return
	}
	if h.connectTimer != nil {
		h.connectTimer.Stop()
		h.connectTimer = nil
	}
	h.conn = conn
	h.state = model.ConnConnected
	cols, rows := h.pendingCols, h.pendingRows
	h.mu.Unlock()

	if cols > 0 && rows > 0 {
		h.writeResize(conn, cols, rows)
	}
	h.log.Info("terminal connected", "conn_id", h.id)
	h.notify(model.ConnConnected, h.sessionID)
	go h.readLoop(conn, gen)
}

// onConnectTimeout fires while an attempt is still connecting. The first
// timeout per open/reconnect closes the attempt and retries once after a
// fixed backoff; the second gives up until an explicit Reconnect.
func (h *Handle) onConnectTimeout(gen int) {
	h.mu.Lock()
	if gen != h.gen || h.closed || h.state != model.ConnConnecting {
		h.mu.Unlock()
		return
	}
	if !h.timedOutOnce {
		h.timedOutOnce = true
		h.gen++
		next := h.gen
		if h.dialCancel != nil {
			h.dialCancel()
			h.dialCancel = nil
		}
		h.retryTimer = time.AfterFunc(h.mgr.cfg.ReconnectBackoff, func() {
			h.mu.Lock()
			if next != h.gen || h.closed {
				h.mu.Unlock()
				return
			}
			h.startAttemptLocked()
			h.mu.Unlock()
		})
		h.mu.Unlock()
		h.log.Warn("terminal connect timed out, retrying once",
			"conn_id", h.id, "backoff", h.mgr.cfg.ReconnectBackoff)
		return
	}
	h.gen++
	if h.dialCancel != nil {
		h.dialCancel()
		h.dialCancel = nil
	}
	h.state = model.ConnTimeout
	h.mu.Unlock()
	h.notify(model.ConnTimeout, "connection timed out")
}

func (h *Handle) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.handleReadError(gen, err)
			return
		}
		if h.opts.OnOutput != nil {
			// Every server frame is terminal output bytes, verbatim.
			h.opts.OnOutput(data)
		}
	}
}

func (h *Handle) handleReadError(gen int, err error) {
	h.mu.Lock()
	if gen != h.gen || h.closed {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	state := model.ConnError
	detail := err.Error()
	if closeErr, ok := err.(*websocket.CloseError); ok {
		if closeErr.Code == api.CloseSessionDead {
			state = model.ConnSessionDead
			detail = parseCloseReason(closeErr.Text)
		} else {
			state = model.ConnDisconnected
			detail = closeErr.Text
		}
	}
	h.state = state
	h.mu.Unlock()
	h.notify(state, detail)
}

func (h *Handle) writeResize(conn *websocket.Conn, cols, rows int) {
	frame, err := json.Marshal(api.ResizeFrame{Resize: api.ResizeSpec{Cols: cols, Rows: rows}})
	if err != nil {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *Handle) notify(state model.ConnState, detail string) {
	if h.opts.OnState != nil {
		h.opts.OnState(state, detail)
	}
}

// parseCloseReason extracts the {"message":...} payload from a 4000
// close frame, falling back to a generic message.
func parseCloseReason(text string) string {
	var reason api.CloseReason
	if err := json.Unmarshal([]byte(text), &reason); err == nil && strings.TrimSpace(reason.Message) != "" {
		return reason.Message
	}
	return "session no longer exists"
}
