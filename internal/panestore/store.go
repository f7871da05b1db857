// Package panestore is the client-side source of truth for Pane and
// Session entities. It mirrors the server's pane list, applies mutations
// optimistically where the user would otherwise wait on a round trip,
// and reconciles with the server after every mutation settles.
package panestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/g960059/muxpane/internal/api"
	"github.com/g960059/muxpane/internal/db"
	"github.com/g960059/muxpane/internal/model"
	"github.com/g960059/muxpane/internal/paneclient"
)

// DefaultAdHocName is the display name for ad-hoc panes created without
// an explicit name. Duplicates get a " [2]", " [3]", ... suffix.
const DefaultAdHocName = "Ad-Hoc Terminal"

var (
	ErrPaneLimit    = errors.New("pane limit reached")
	ErrPaneNotFound = errors.New("pane not found")
)

type Store struct {
	client   *paneclient.Client
	snapshot *db.Snapshot

	mu       sync.Mutex
	panes    []model.Pane
	maxPanes int
	fetched  bool

	// refetch runs the post-settle reconciliation. Tests replace it to
	// observe the rollback state before the refetch overwrites it.
	refetch func()
}

// New builds a store over the given API client. maxPanes is the
// client-side creation guard until the server reports its own limit.
func New(client *paneclient.Client, maxPanes int) *Store {
	s := &Store{client: client, maxPanes: maxPanes}
	s.refetch = func() {
		go func() { _ = s.Refresh(context.Background()) }()
	}
	return s
}

// WithSnapshot attaches a warm-start cache. The store seeds from it in
// Seed and rewrites it after every confirmed refresh.
func (s *Store) WithSnapshot(snapshot *db.Snapshot) *Store {
	s.snapshot = snapshot
	return s
}

// Seed populates the cache from the local snapshot so a UI has a deck
// to show before the first Refresh answers. No-op once fetched.
func (s *Store) Seed(ctx context.Context) {
	if s.snapshot == nil {
		return
	}
	panes, err := s.snapshot.LoadPanes(ctx)
	if err != nil {
		if !errors.Is(err, db.ErrEmpty) {
			pslog.Ctx(ctx).Warn("pane snapshot unreadable", "err", err)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetched || len(s.panes) > 0 {
		return
	}
	s.panes = panes
}

// Refresh replaces the cache with the server's pane list.
func (s *Store) Refresh(ctx context.Context) error {
	env, err := s.client.ListPanes(ctx)
	if err != nil {
		return err
	}
	panes := model.PanesFromAPI(env.Panes)
	sortPanes(panes)
	s.mu.Lock()
	s.panes = panes
	if env.MaxPanes > 0 {
		s.maxPanes = env.MaxPanes
	}
	s.fetched = true
	s.mu.Unlock()
	s.persist(ctx, panes)
	return nil
}

// Panes returns a deep copy of the cached deck in layout order. Callers
// never mutate the cache directly; all writes funnel through the
// store's mutation methods.
func (s *Store) Panes() []model.Pane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePanes(s.panes)
}

// PaneLimit returns the effective maximum number of live panes.
func (s *Store) PaneLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPanes
}

// Pane resolves a pane by id, or by project id as a fallback for
// callers still holding the older project-keyed shape.
func (s *Store) Pane(ref string) (model.Pane, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.panes {
		if p.ID == ref {
			return clonePane(p), true
		}
	}
	for _, p := range s.panes {
		if p.ProjectID != "" && p.ProjectID == ref {
			return clonePane(p), true
		}
	}
	return model.Pane{}, false
}

// CreateProjectPane creates a project pane with its shell session; the
// agent session may be materialized lazily on the first mode switch.
func (s *Store) CreateProjectPane(ctx context.Context, name, projectID, workingDir string) (model.Pane, error) {
	return s.create(ctx, api.CreatePaneRequest{
		PaneType:   string(model.PaneKindProject),
		PaneName:   name,
		ProjectID:  projectID,
		WorkingDir: workingDir,
	})
}

// CreateAdHocPane creates a plain shell pane. An empty name gets the
// default ad-hoc display name.
func (s *Store) CreateAdHocPane(ctx context.Context, name, workingDir string) (model.Pane, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultAdHocName
	}
	return s.create(ctx, api.CreatePaneRequest{
		PaneType:   string(model.PaneKindAdHoc),
		PaneName:   name,
		WorkingDir: workingDir,
	})
}

func (s *Store) create(ctx context.Context, req api.CreatePaneRequest) (model.Pane, error) {
	s.mu.Lock()
	if len(s.panes) >= s.maxPanes {
		s.mu.Unlock()
		// Client-side guard only; the server create is authoritative.
		return model.Pane{}, fmt.Errorf("%w (%d)", ErrPaneLimit, s.maxPanes)
	}
	req.PaneName = uniqueName(req.PaneName, s.panes)
	s.mu.Unlock()

	resp, err := s.client.CreatePane(ctx, req)
	if err != nil {
		return model.Pane{}, err
	}
	pane := model.PaneFromAPI(resp)
	s.mu.Lock()
	s.panes = append(s.panes, clonePane(pane))
	sortPanes(s.panes)
	persisted := clonePanes(s.panes)
	s.mu.Unlock()
	s.persist(ctx, persisted)
	return pane, nil
}

// RemovePane deletes a pane and every session it owns. Removing an
// already-gone pane succeeds. A deck is never left empty: deleting the
// last pane auto-creates one ad-hoc replacement.
func (s *Store) RemovePane(ctx context.Context, paneID string) error {
	if err := s.client.DeletePane(ctx, paneID); err != nil {
		var reqErr *paneclient.RequestError
		if !errors.As(err, &reqErr) || !reqErr.NotFound() {
			return err
		}
	}
	s.mu.Lock()
	kept := s.panes[:0]
	for _, p := range s.panes {
		if p.ID != paneID {
			kept = append(kept, p)
		}
	}
	s.panes = kept
	empty := len(s.panes) == 0
	persisted := clonePanes(s.panes)
	s.mu.Unlock()
	s.persist(ctx, persisted)

	if empty {
		if _, err := s.CreateAdHocPane(ctx, DefaultAdHocName, ""); err != nil {
			return fmt.Errorf("auto-create fallback pane: %w", err)
		}
	}
	return nil
}

// SetActiveMode flips the pane's mode, materializing the missing
// session server-side when needed, and returns the fresh pane. Callers
// must use the returned pane, not any previously cached reference; the
// fresh one carries the session ids that are actually live.
func (s *Store) SetActiveMode(ctx context.Context, paneID string, mode model.Mode) (model.Pane, error) {
	resp, err := s.client.UpdatePane(ctx, paneID, api.UpdatePaneRequest{ActiveMode: string(mode)})
	if err != nil {
		return model.Pane{}, err
	}
	fresh := model.PaneFromAPI(resp)
	s.mu.Lock()
	for i := range s.panes {
		if s.panes[i].ID == fresh.ID {
			s.panes[i] = clonePane(fresh)
			break
		}
	}
	persisted := clonePanes(s.panes)
	s.mu.Unlock()
	s.persist(ctx, persisted)
	return fresh, nil
}

// RenamePane renames optimistically with rollback on rejection.
func (s *Store) RenamePane(ctx context.Context, paneID, name string) error {
	return s.mutateOptimistic(ctx,
		func(panes []model.Pane) {
			for i := range panes {
				if panes[i].ID == paneID {
					panes[i].Name = name
				}
			}
		},
		func(ctx context.Context) error {
			_, err := s.client.UpdatePane(ctx, paneID, api.UpdatePaneRequest{PaneName: name})
			return err
		},
	)
}

// SwapPanePositions swaps the two panes' order optimistically so
// drag-and-drop feels instantaneous, rolling back if the server rejects
// the swap.
func (s *Store) SwapPanePositions(ctx context.Context, paneIDA, paneIDB string) error {
	return s.mutateOptimistic(ctx,
		func(panes []model.Pane) {
			ia, ib := -1, -1
			for i := range panes {
				switch panes[i].ID {
				case paneIDA:
					ia = i
				case paneIDB:
					ib = i
				}
			}
			if ia < 0 || ib < 0 {
				return
			}
			panes[ia].Order, panes[ib].Order = panes[ib].Order, panes[ia].Order
			sortPanes(panes)
		},
		func(ctx context.Context) error {
			return s.client.SwapPanes(ctx, paneIDA, paneIDB)
		},
	)
}

// SaveLayouts persists resize percentages in bulk. Fire-and-forget for
// the caller's UI flow, but a rejected request is still surfaced.
func (s *Store) SaveLayouts(ctx context.Context, items []api.LayoutItem) error {
	return s.client.SaveLayout(ctx, items)
}

// Invalidate schedules a reconciling refetch.
func (s *Store) Invalidate() {
	s.refetch()
}

// mutateOptimistic is the one shape every latency-visible mutation
// follows: snapshot, apply locally, commit remotely, roll back to the
// snapshot on failure, and reconcile with a refetch either way.
func (s *Store) mutateOptimistic(ctx context.Context, apply func(panes []model.Pane), commit func(ctx context.Context) error) error {
	s.mu.Lock()
	snapshot := clonePanes(s.panes)
	apply(s.panes)
	s.mu.Unlock()

	err := commit(ctx)
	if err != nil {
		s.mu.Lock()
		s.panes = snapshot
		s.mu.Unlock()
	}
	s.refetch()
	return err
}

func (s *Store) persist(ctx context.Context, panes []model.Pane) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.SavePanes(ctx, panes); err != nil {
		pslog.Ctx(ctx).Warn("pane snapshot write failed", "err", err)
	}
}

// uniqueName keeps display names unique within the deck: "Name",
// "Name [2]", "Name [3]", ...
func uniqueName(base string, panes []model.Pane) string {
	taken := make(map[string]bool, len(panes))
	for _, p := range panes {
		taken[p.Name] = true
	}
	if !taken[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s [%d]", base, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

func sortPanes(panes []model.Pane) {
	sort.SliceStable(panes, func(i, j int) bool {
		return panes[i].Order < panes[j].Order
	})
}

func clonePane(p model.Pane) model.Pane {
	out := p
	out.Sessions = append([]model.Session(nil), p.Sessions...)
	return out
}

func clonePanes(panes []model.Pane) []model.Pane {
	out := make([]model.Pane, len(panes))
	for i, p := range panes {
		out[i] = clonePane(p)
	}
	return out
}
