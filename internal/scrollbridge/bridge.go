package scrollbridge

import (
	"sync"
	"time"

	"github.com/g960059/muxpane/internal/config"
	"github.com/g960059/muxpane/internal/model"
)

// The remote multiplexer owns all scrollback; the local view only ever
// holds the current viewport. Scrolling therefore drives the remote
// modal copy-mode with control bytes injected into the input stream.
const (
	copyModeEnter  = "\x02[" // mux prefix + [
	scrollUpStep   = "\x15"  // half page up
	scrollDownStep = "\x04"  // half page down
	copyModeExit   = "q"
)

// Sender is the terminal connection the bridge injects control bytes
// into. Satisfied by *termconn.Handle.
type Sender interface {
	State() model.ConnState
	SendInput(data []byte)
}

// Bridge translates scroll gestures into copy-mode control sequences.
// One bridge per open terminal view; reset on any real keystroke.
type Bridge struct {
	sender Sender
	cfg    config.Config

	mu              sync.Mutex
	inCopyMode      bool
	consecutiveDown int
	touchAccum      float64
	idleTimer       *time.Timer
	stopped         bool
}

func New(sender Sender, cfg config.Config) *Bridge {
	return &Bridge{sender: sender, cfg: cfg}
}

// Wheel dispatches one scroll step per wheel event. Positive deltaY
// scrolls down (toward newer output), negative scrolls up.
func (b *Bridge) Wheel(deltaY float64) {
	if deltaY == 0 {
		return
	}
	b.step(deltaY > 0)
}

// TouchScroll accumulates touch-move deltas and dispatches one step for
// every full gesture-threshold worth of travel since the last step.
func (b *Bridge) TouchScroll(deltaY float64) {
	b.mu.Lock()
	b.touchAccum += deltaY
	threshold := b.cfg.TouchThresholdPx
	steps := make([]bool, 0, 2)
	for b.touchAccum >= threshold {
		steps = append(steps, true)
		b.touchAccum -= threshold
	}
	for b.touchAccum <= -threshold {
		steps = append(steps, false)
		b.touchAccum += threshold
	}
	b.mu.Unlock()
	for _, down := range steps {
		b.step(down)
	}
}

// Reset clears copy-mode bookkeeping without sending the exit byte.
// Called when real input went through, since the remote side leaves
// copy-mode on its own then.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inCopyMode = false
	b.consecutiveDown = 0
	b.touchAccum = 0
	b.stopIdleTimerLocked()
}

// Stop tears the bridge down on view unmount. No exit byte is sent; the
// connection is going away with the view.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.stopIdleTimerLocked()
}

// InCopyMode reports whether the bridge believes the remote side is in
// copy-mode. Best-effort: there is no ground truth from the remote.
func (b *Bridge) InCopyMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inCopyMode
}

func (b *Bridge) step(down bool) {
	// Gestures on a socket that is not open are no-ops, with no local
	// state change and no buffering.
	if b.sender.State() != model.ConnConnected {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if down {
		b.consecutiveDown++
	} else {
		b.consecutiveDown = 0
	}
	// Enough consecutive downward steps approximates "scrolled back to
	// the bottom": leave copy-mode instead of shadowing live output.
	// Heuristic only; the threshold is tunable via config.
	if down && b.inCopyMode && b.consecutiveDown >= b.cfg.DownScrollExitCount {
		b.inCopyMode = false
		b.consecutiveDown = 0
		b.stopIdleTimerLocked()
		b.mu.Unlock()
		b.sender.SendInput([]byte(copyModeExit))
		return
	}
	enter := false
	if !b.inCopyMode {
		b.inCopyMode = true
		enter = true
	}
	b.resetIdleTimerLocked()
	b.mu.Unlock()

	if enter {
		b.sender.SendInput([]byte(copyModeEnter))
	}
	if down {
		b.sender.SendInput([]byte(scrollDownStep))
	} else {
		b.sender.SendInput([]byte(scrollUpStep))
	}
}

func (b *Bridge) resetIdleTimerLocked() {
	b.stopIdleTimerLocked()
	b.idleTimer = time.AfterFunc(b.cfg.CopyModeIdleExit, b.onIdleExpiry)
}

func (b *Bridge) stopIdleTimerLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
}

func (b *Bridge) onIdleExpiry() {
	b.mu.Lock()
	if b.stopped || !b.inCopyMode {
		b.mu.Unlock()
		return
	}
	b.inCopyMode = false
	b.consecutiveDown = 0
	b.idleTimer = nil
	b.mu.Unlock()
	if b.sender.State() == model.ConnConnected {
		b.sender.SendInput([]byte(copyModeExit))
	}
}
