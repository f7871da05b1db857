package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"github.com/g960059/muxpane/internal/api"
	"github.com/g960059/muxpane/internal/config"
	"github.com/g960059/muxpane/internal/db"
	"github.com/g960059/muxpane/internal/model"
	"github.com/g960059/muxpane/internal/modeswitch"
	"github.com/g960059/muxpane/internal/paneclient"
	"github.com/g960059/muxpane/internal/panestore"
	"github.com/g960059/muxpane/internal/scrollbridge"
	"github.com/g960059/muxpane/internal/termconn"
)

type Runner struct {
	cfg        config.Config
	httpClient *http.Client
	client     *paneclient.Client
	store      *panestore.Store
	out        io.Writer
	errOut     io.Writer
	stdin      io.Reader
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(config.DefaultConfig(), nil, out, errOut)
}

func NewRunnerWithClient(cfg config.Config, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	pc := paneclient.NewWithClient(cfg.BaseURL, client)
	return &Runner{
		cfg:        cfg,
		httpClient: client,
		client:     pc,
		store:      panestore.New(pc, cfg.MaxPanes),
		out:        out,
		errOut:     errOut,
		stdin:      os.Stdin,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	baseURL, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if baseURL != "" && baseURL != r.cfg.BaseURL {
		// Rebuild only the API client and store; the injected HTTP
		// client and stdin stay as constructed.
		r.cfg.BaseURL = baseURL
		r.client = paneclient.NewWithClient(baseURL, r.httpClient)
		r.store = panestore.New(r.client, r.cfg.MaxPanes)
	}
	if strings.TrimSpace(r.cfg.SnapshotPath) != "" {
		snap, err := db.Open(ctx, r.cfg.SnapshotPath)
		if err != nil {
			pslog.Ctx(ctx).Warn("pane snapshot unavailable",
				"path", r.cfg.SnapshotPath, "err", err)
		} else {
			defer snap.Close() //nolint:errcheck
			r.store.WithSnapshot(snap)
			r.store.Seed(ctx)
		}
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "pane":
		return r.runPane(ctx, rest[1:])
	case "layout":
		return r.runLayout(ctx, rest[1:])
	case "switch":
		return r.runSwitch(ctx, rest[1:])
	case "attach":
		return r.runAttach(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	baseURL := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--base-url" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--base-url requires value")
			}
			baseURL = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return baseURL, rest, nil
}

func (r *Runner) runPane(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: muxpane pane <list|create|remove|rename|swap>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("pane list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if err := r.store.Refresh(ctx); err != nil {
			// The warm-start snapshot keeps list usable while the
			// server is unreachable; mutations still fail hard.
			if len(r.store.Panes()) == 0 {
				return r.handleErr(err)
			}
			_, _ = fmt.Fprintf(r.errOut, "warning: using cached pane list: %v\n", err)
		}
		panes := r.store.Panes()
		if *jsonOut {
			return r.printJSON(panes)
		}
		for _, p := range panes {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%d sessions\n",
				p.ID, p.Kind, p.Name, p.ActiveMode, len(p.Sessions))
		}
		return 0
	case "create":
		fs := flag.NewFlagSet("pane create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		projectID := fs.String("project", "", "project id (omit for an ad-hoc pane)")
		workingDir := fs.String("dir", "", "working directory")
		jsonOut := fs.Bool("json", false, "output JSON")
		rest := args[1:]
		name := ""
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			name = rest[0]
			rest = rest[1:]
		}
		if err := fs.Parse(rest); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if name == "" && fs.NArg() > 0 {
			name = fs.Arg(0)
		}
		if err := r.store.Refresh(ctx); err != nil {
			return r.handleErr(err)
		}
		var pane model.Pane
		var err error
		if strings.TrimSpace(*projectID) != "" {
			if strings.TrimSpace(name) == "" {
				_, _ = fmt.Fprintln(r.errOut, "usage: muxpane pane create <name> --project <id> [--dir <path>]")
				return 2
			}
			pane, err = r.store.CreateProjectPane(ctx, name, strings.TrimSpace(*projectID), strings.TrimSpace(*workingDir))
		} else {
			pane, err = r.store.CreateAdHocPane(ctx, name, strings.TrimSpace(*workingDir))
		}
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(pane)
		}
		_, _ = fmt.Fprintf(r.out, "created pane %s (%s)\n", pane.ID, pane.Name)
		return 0
	case "remove":
		fs := flag.NewFlagSet("pane remove", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		rest := args[1:]
		paneID := ""
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			paneID = rest[0]
			rest = rest[1:]
		}
		if err := fs.Parse(rest); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if paneID == "" && fs.NArg() > 0 {
			paneID = fs.Arg(0)
		}
		if paneID == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: muxpane pane remove <pane-id>")
			return 2
		}
		if err := r.store.Refresh(ctx); err != nil {
			return r.handleErr(err)
		}
		if err := r.store.RemovePane(ctx, paneID); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "removed pane %s\n", paneID)
		return 0
	case "rename":
		fs := flag.NewFlagSet("pane rename", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if fs.NArg() != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: muxpane pane rename <pane-id> <name>")
			return 2
		}
		paneID, name := fs.Arg(0), fs.Arg(1)
		if err := r.store.Refresh(ctx); err != nil {
			return r.handleErr(err)
		}
		if err := r.store.RenamePane(ctx, paneID, name); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "renamed pane %s to %s\n", paneID, name)
		return 0
	case "swap":
		fs := flag.NewFlagSet("pane swap", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if fs.NArg() != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: muxpane pane swap <pane-id-a> <pane-id-b>")
			return 2
		}
		if err := r.store.Refresh(ctx); err != nil {
			return r.handleErr(err)
		}
		if err := r.store.SwapPanePositions(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "swapped panes %s and %s\n", fs.Arg(0), fs.Arg(1))
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown pane command: %s\n", args[0])
		return 2
	}
}

// runLayout saves resize percentages in bulk. Each positional argument is
// one pane's geometry as <pane-id>:<width%>:<height%>.
func (r *Runner) runLayout(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("layout", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: muxpane layout <pane-id>:<width%>:<height%> ...")
		return 2
	}
	items := make([]api.LayoutItem, 0, fs.NArg())
	for _, arg := range fs.Args() {
		item, err := parseLayoutItem(arg)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		items = append(items, item)
	}
	if err := r.store.SaveLayouts(ctx, items); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "saved layout for %d panes\n", len(items))
	return 0
}

func parseLayoutItem(raw string) (api.LayoutItem, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
		return api.LayoutItem{}, fmt.Errorf("invalid layout item %q (want <pane-id>:<width%%>:<height%%>)", raw)
	}
	width, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return api.LayoutItem{}, fmt.Errorf("invalid width in %q: %w", raw, err)
	}
	height, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return api.LayoutItem{}, fmt.Errorf("invalid height in %q: %w", raw, err)
	}
	return api.LayoutItem{PaneID: strings.TrimSpace(parts[0]), WidthPercent: &width, HeightPercent: &height}, nil
}

// navPrinter satisfies modeswitch.Navigator for the one-shot CLI flow.
type navPrinter struct {
	out io.Writer
}

func (n *navPrinter) ShowSession(sessionID string) {
	_, _ = fmt.Fprintf(n.out, "session %s\n", sessionID)
}

func (r *Runner) runSwitch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("switch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: muxpane switch <pane-id> <shell|agent>")
		return 2
	}
	mode := model.CanonicalMode(fs.Arg(1))
	if string(mode) != fs.Arg(1) {
		_, _ = fmt.Fprintf(r.errOut, "invalid mode: %s\n", fs.Arg(1))
		return 2
	}
	if err := r.store.Refresh(ctx); err != nil {
		return r.handleErr(err)
	}
	var nav modeswitch.Navigator
	if !*jsonOut {
		nav = &navPrinter{out: r.out}
	}
	orch := modeswitch.New(r.store, r.client, nav, r.cfg)
	result, err := orch.Switch(ctx, fs.Arg(0), mode)
	if err != nil {
		// A superseded switch is a skipped outcome, not a failure.
		if errors.Is(err, modeswitch.ErrSuperseded) {
			return 0
		}
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(result)
	}
	return 0
}

// PageUp/PageDown escape sequences, translated into scroll steps so the
// copy-mode bridge drives the remote scrollback instead of the local one.
const (
	seqPageUp   = "\x1b[5~"
	seqPageDown = "\x1b[6~"
)

// runAttach streams one terminal session to stdout until the connection
// reaches a terminal state or stdin closes the session.
func (r *Runner) runAttach(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workingDir := fs.String("dir", "", "working directory for a fresh session")
	cols := fs.Int("cols", 80, "terminal columns")
	rows := fs.Int("rows", 24, "terminal rows")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: muxpane attach <session-id> [--dir <path>] [--cols <n>] [--rows <n>]")
		return 2
	}
	sessionID := fs.Arg(0)

	type stateEvent struct {
		state  model.ConnState
		detail string
	}
	states := make(chan stateEvent, 8)
	mgr := termconn.NewManager(wsBaseURL(r.cfg.BaseURL), r.cfg)
	handle := mgr.Open(ctx, sessionID, strings.TrimSpace(*workingDir), termconn.Options{
		Cols: *cols,
		Rows: *rows,
		OnState: func(state model.ConnState, detail string) {
			states <- stateEvent{state: state, detail: detail}
		},
		OnOutput: func(data []byte) {
			_, _ = r.out.Write(data)
		},
	})
	defer handle.Close()

	bridge := scrollbridge.New(handle, r.cfg)
	defer bridge.Stop()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.stdin.Read(buf)
			if n > 0 {
				switch string(buf[:n]) {
				case seqPageUp:
					bridge.Wheel(-1)
				case seqPageDown:
					bridge.Wheel(1)
				default:
					// Typing exits copy mode before the keystroke lands.
					bridge.Reset()
					handle.SendInput(append([]byte(nil), buf[:n]...))
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case ev := <-states:
			switch ev.state {
			case model.ConnSessionDead:
				_, _ = fmt.Fprintf(r.errOut, "session dead: %s\n", ev.detail)
				return 1
			case model.ConnTimeout:
				_, _ = fmt.Fprintf(r.errOut, "connection timed out: %s\n", sessionID)
				return 1
			case model.ConnError:
				_, _ = fmt.Fprintf(r.errOut, "connection error: %s\n", ev.detail)
				return 1
			case model.ConnDisconnected:
				_, _ = fmt.Fprintln(r.errOut, "disconnected")
				return 0
			}
		}
	}
}

// wsBaseURL rewrites an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}

func (r *Runner) printJSON(v any) int {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(buf.Bytes())
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: muxpane [--base-url <url>] <pane|layout|switch|attach> ...")
}
