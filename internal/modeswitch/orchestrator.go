// Package modeswitch sequences the multi-step switch of a pane between
// shell and agent mode: flip the mode server-side, locate the fresh
// session, start the agent process when needed, and point the active
// view at the right session.
package modeswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/g960059/muxpane/internal/config"
	"github.com/g960059/muxpane/internal/model"
	"github.com/g960059/muxpane/internal/paneclient"
	"github.com/g960059/muxpane/internal/panestore"
)

// ErrNoSession means the server confirmed a mode switch but the
// returned pane carries no session for that mode. That breaks the
// server contract; it is surfaced, never swallowed.
var ErrNoSession = errors.New("mode switch left no matching session")

// ErrSuperseded means a newer Switch (or CancelPoll) aborted this one's
// agent-start poll. Callers treat it as a skipped outcome, not a failure.
var ErrSuperseded = errors.New("mode switch superseded")

// Navigator is the view-side collaborator that displays a session.
type Navigator interface {
	ShowSession(sessionID string)
}

type Result struct {
	Pane      model.Pane
	SessionID string
	// AgentStarted is true when the start/poll path ran; false when the
	// agent was already running or starting and the steps were skipped.
	AgentStarted bool
}

type Orchestrator struct {
	store  *panestore.Store
	client *paneclient.Client
	nav    Navigator
	cfg    config.Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	pollGen int
}

func New(store *panestore.Store, client *paneclient.Client, nav Navigator, cfg config.Config) *Orchestrator {
	return &Orchestrator{store: store, client: client, nav: nav, cfg: cfg}
}

// Switch moves the pane identified by ref (pane id, or project id for
// older callers) to mode. A newer Switch supersedes any in-flight
// agent-start poll; the superseded call returns ErrSuperseded, which
// callers treat as an expected outcome rather than a failure.
func (o *Orchestrator) Switch(ctx context.Context, ref string, mode model.Mode) (Result, error) {
	log := pslog.Ctx(ctx).With("pane_ref", ref, "mode", string(mode))

	// Any newer switch supersedes an in-flight agent-start poll, so a
	// stale poll can never apply its result after this one begins.
	o.CancelPoll()

	pane, ok := o.store.Pane(ref)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", panestore.ErrPaneNotFound, ref)
	}

	fresh, err := o.store.SetActiveMode(ctx, pane.ID, mode)
	if err != nil {
		return Result{}, err
	}
	// The session id must come from the pane the server just returned;
	// a reference captured before the call may carry stale session ids.
	sess, ok := fresh.SessionForMode(mode)
	if !ok {
		log.Error("mode switch confirmed but no session for mode",
			"pane_id", fresh.ID, "sessions", len(fresh.Sessions))
		return Result{}, fmt.Errorf("%w: pane %s mode %s", ErrNoSession, fresh.ID, mode)
	}

	result := Result{Pane: fresh, SessionID: sess.ID}
	if mode == model.ModeAgent && sess.NeedsStart() {
		result.AgentStarted = true
		if err := o.startAndPoll(ctx, log, sess.ID); err != nil {
			// Cancellation with the caller's own context still live means
			// the poll context was cancelled from outside this call.
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return Result{}, ErrSuperseded
			}
			return Result{}, err
		}
	}

	if o.nav != nil {
		o.nav.ShowSession(sess.ID)
	}
	return result, nil
}

// startAndPoll starts the agent process and, when the server reports
// it still starting, polls its state until running, error, timeout, or
// cancellation. The store is invalidated after every poll tick and
// unconditionally on exit so the UI converges even on timeout.
func (o *Orchestrator) startAndPoll(ctx context.Context, log pslog.Logger, sessionID string) error {
	pollCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = cancel
	o.pollGen++
	gen := o.pollGen
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.pollGen == gen {
			o.cancel = nil
		}
		o.mu.Unlock()
	}()
	defer o.store.Invalidate()

	started, err := o.client.StartAgent(pollCtx, sessionID)
	if err != nil {
		return err
	}
	if model.CanonicalAgentState(started.State) != model.AgentStarting {
		return nil
	}

	deadline := time.Now().Add(o.cfg.AgentPollTimeout)
	for {
		if err := sleepWithContext(pollCtx, o.cfg.AgentPollInterval); err != nil {
			return err
		}
		state, err := o.client.AgentState(pollCtx, sessionID)
		o.store.Invalidate()
		if err != nil {
			if pollCtx.Err() != nil {
				return pollCtx.Err()
			}
			log.Warn("agent state poll failed", "session_id", sessionID, "err", err)
		} else {
			switch model.CanonicalAgentState(state.State) {
			case model.AgentRunning, model.AgentError:
				return nil
			}
		}
		if time.Now().After(deadline) {
			log.Warn("agent start poll timed out", "session_id", sessionID,
				"timeout", o.cfg.AgentPollTimeout)
			return nil
		}
	}
}

// CancelPoll aborts any in-flight agent-start poll, for view unmount.
func (o *Orchestrator) CancelPoll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
