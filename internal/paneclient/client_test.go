package paneclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/g960059/muxpane/internal/api"
)

func TestListPanesDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"max_panes":4,"panes":[{"pane_id":"p1","pane_type":"project","pane_name":"web","project_id":"prj-1","active_mode":"shell","order":0,"sessions":[{"session_id":"s1","mode":"shell","is_alive":true}]}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	env, err := client.ListPanes(context.Background())
	if err != nil {
		t.Fatalf("list panes: %v", err)
	}
	if env.MaxPanes != 4 {
		t.Fatalf("expected max_panes 4, got %d", env.MaxPanes)
	}
	if len(env.Panes) != 1 || env.Panes[0].PaneID != "p1" || env.Panes[0].Sessions[0].SessionID != "s1" {
		t.Fatalf("unexpected panes payload: %+v", env.Panes)
	}
}

func TestCreatePaneSendsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.CreatePaneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode create pane request: %v", err)
		}
		if req.PaneType != "adhoc" || req.PaneName != "Ad-Hoc Terminal" || req.WorkingDir != "/tmp" {
			t.Fatalf("unexpected create pane request: %+v", req)
		}
		_, _ = io.WriteString(w, `{"pane_id":"p2","pane_type":"adhoc","pane_name":"Ad-Hoc Terminal","active_mode":"shell","order":1,"sessions":[{"session_id":"s2","mode":"shell","is_alive":true}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	pane, err := client.CreatePane(context.Background(), api.CreatePaneRequest{
		PaneType:   "adhoc",
		PaneName:   "Ad-Hoc Terminal",
		WorkingDir: "/tmp",
	})
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}
	if pane.PaneID != "p2" || len(pane.Sessions) != 1 {
		t.Fatalf("unexpected create pane response: %+v", pane)
	}
}

func TestUpdatePaneEscapesID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Fatalf("expected PATCH, got %s", r.Method)
		}
		if r.URL.EscapedPath() != "/api/terminal/panes/p%2F1" {
			t.Fatalf("unexpected escaped path: %s", r.URL.EscapedPath())
		}
		var req api.UpdatePaneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode update pane request: %v", err)
		}
		if req.ActiveMode != "agent" {
			t.Fatalf("unexpected update pane request: %+v", req)
		}
		_, _ = io.WriteString(w, `{"pane_id":"p/1","pane_type":"project","pane_name":"web","active_mode":"agent","order":0,"sessions":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	pane, err := client.UpdatePane(context.Background(), "p/1", api.UpdatePaneRequest{ActiveMode: "agent"})
	if err != nil {
		t.Fatalf("update pane: %v", err)
	}
	if pane.ActiveMode != "agent" {
		t.Fatalf("unexpected update pane response: %+v", pane)
	}
}

func TestDeletePaneNotFoundIsRequestError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"pane not found"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.DeletePane(context.Background(), "gone")
	if err == nil {
		t.Fatalf("expected request error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T (%v)", err, err)
	}
	if !reqErr.NotFound() || reqErr.Detail != "pane not found" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
}

func TestSwapPanesSendsBothIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes/swap", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.SwapPanesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode swap request: %v", err)
		}
		if req.PaneIDA != "p1" || req.PaneIDB != "p2" {
			t.Fatalf("unexpected swap request: %+v", req)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	if err := client.SwapPanes(context.Background(), "p1", "p2"); err != nil {
		t.Fatalf("swap panes: %v", err)
	}
}

func TestSwapPanesRejectsBlankID(t *testing.T) {
	client := NewWithClient("http://example.invalid", &http.Client{})
	if err := client.SwapPanes(context.Background(), "p1", "   "); err == nil {
		t.Fatalf("expected blank pane id error")
	}
}

func TestSaveLayoutPutsItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/layout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		var req api.LayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode layout request: %v", err)
		}
		if len(req.Items) != 1 || req.Items[0].PaneID != "p1" || req.Items[0].WidthPercent == nil || *req.Items[0].WidthPercent != 60 {
			t.Fatalf("unexpected layout request: %+v", req)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	width := 60.0
	client := NewWithClient(srv.URL, srv.Client())
	if err := client.SaveLayout(context.Background(), []api.LayoutItem{{PaneID: "p1", WidthPercent: &width}}); err != nil {
		t.Fatalf("save layout: %v", err)
	}
}

func TestStartAgentAndAgentStateEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/sessions/s1/start-claude", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"session_id":"s1","state":"starting"}`)
	})
	mux.HandleFunc("/api/terminal/sessions/s1/claude-state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"session_id":"s1","state":"running"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	started, err := client.StartAgent(context.Background(), "s1")
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	if started.State != "starting" {
		t.Fatalf("unexpected start response: %+v", started)
	}
	state, err := client.AgentState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("agent state: %v", err)
	}
	if state.State != "running" {
		t.Fatalf("unexpected state response: %+v", state)
	}
}

func TestRequestErrorFallsBackToRawBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.ListPanes(context.Background())
	if err == nil {
		t.Fatalf("expected request error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T (%v)", err, err)
	}
	if reqErr.StatusCode != http.StatusBadGateway || reqErr.Detail != "upstream exploded" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if !strings.Contains(reqErr.Error(), "502") {
		t.Fatalf("expected status code in message, got %q", reqErr.Error())
	}
}

func TestUnaryRequestUsesTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/terminal/panes", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = io.WriteString(w, `{"max_panes":4,"panes":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(20 * time.Millisecond)
	start := time.Now()
	_, err := client.ListPanes(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if time.Since(start) > 120*time.Millisecond {
		t.Fatalf("timeout should happen quickly, elapsed=%s", time.Since(start))
	}
}
