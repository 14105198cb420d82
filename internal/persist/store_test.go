package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/showcase/schema"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, dir
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.FindBySlug(context.Background(), "missing"); !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	dashboard := schema.Dashboard{
		ID:               "d1",
		Owner:            "alice",
		Slug:             "report",
		Name:             "Report",
		Source:           "notebook",
		PresentationType: "voila",
		StartPath:        "main.ipynb",
		Visitors:         []schema.UserID{"bob"},
		Group:            schema.GroupRef{Name: "dash-report", Members: []schema.UserID{"bob"}},
		FinalBackend:     "dash-report",
		Started:          &started,
		Created:          started.Add(-time.Hour),
	}
	if err := store.Create(context.Background(), dashboard); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(dashboard, got) {
		t.Fatalf("dashboard mismatch:\nwant: %+v\ngot:  %+v", dashboard, got)
	}
	bySlug, err := store.FindBySlug(context.Background(), "report")
	if err != nil || bySlug.ID != "d1" {
		t.Fatalf("find by slug: %+v %v", bySlug, err)
	}
}

func TestStoreCreateRejectsSlugCollision(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, schema.Dashboard{ID: "d1", Owner: "alice", Slug: "report"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, schema.Dashboard{ID: "d2", Owner: "bob", Slug: "report"})
	if !errors.Is(err, schema.ErrSlugTaken) {
		t.Fatalf("expected slug taken, got %v", err)
	}
}

func TestStoreSaveRequiresExisting(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Save(context.Background(), schema.Dashboard{ID: "d1", Owner: "alice", Slug: "report"})
	if !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreRejectsInvalidDashboard(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Create(context.Background(), schema.Dashboard{ID: "d1", Owner: "alice", Slug: "report", FinalBackend: "dash-report"})
	if !errors.Is(err, schema.ErrInvalidDashboard) {
		t.Fatalf("expected invalid dashboard, got %v", err)
	}
}

func TestStoreListOrdersByCreation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, slug := range []schema.Slug{"c", "a", "b"} {
		if err := store.Create(ctx, schema.Dashboard{
			ID:      schema.DashboardID("d-" + string(slug)),
			Owner:   "alice",
			Slug:    slug,
			Created: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Slug != "c" || all[2].Slug != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	store, dir := newTestStore(t)
	path := filepath.Join(dir, "d1.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, err := store.Get(context.Background(), "d1"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestStoreWritesPrivateFiles(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Create(context.Background(), schema.Dashboard{ID: "d1", Owner: "alice", Slug: "report"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "d1.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestStoreFindBySlugUsesIndex(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()
	for _, slug := range []schema.Slug{"alpha", "beta", "gamma"} {
		if err := store.Create(ctx, schema.Dashboard{ID: schema.DashboardID("d-" + string(slug)), Owner: "alice", Slug: slug}); err != nil {
			t.Fatalf("create %s: %v", slug, err)
		}
	}
	// A stray undecodable file would fail a directory scan.
	if err := os.WriteFile(filepath.Join(dir, "zz-broken.json"), []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	got, err := store.FindBySlug(ctx, "beta")
	if err != nil || got.ID != "d-beta" {
		t.Fatalf("find by slug: %+v %v", got, err)
	}
	if _, err := store.FindBySlug(ctx, "delta"); !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "zz-broken.json")); err != nil {
		t.Fatalf("remove stray file: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, err = reopened.FindBySlug(ctx, "gamma")
	if err != nil || got.ID != "d-gamma" {
		t.Fatalf("find by slug after reopen: %+v %v", got, err)
	}
	err = reopened.Create(ctx, schema.Dashboard{ID: "d-other", Owner: "bob", Slug: "alpha"})
	if !errors.Is(err, schema.ErrSlugTaken) {
		t.Fatalf("expected slug taken after reopen, got %v", err)
	}
}

func TestStoreSaveMovesSlugInIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, schema.Dashboard{ID: "d1", Owner: "alice", Slug: "old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, schema.Dashboard{ID: "d2", Owner: "bob", Slug: "other"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Save(ctx, schema.Dashboard{ID: "d1", Owner: "alice", Slug: "new"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.FindBySlug(ctx, "old"); !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected old slug released, got %v", err)
	}
	if got, err := store.FindBySlug(ctx, "new"); err != nil || got.ID != "d1" {
		t.Fatalf("find new slug: %+v %v", got, err)
	}
	err := store.Save(ctx, schema.Dashboard{ID: "d1", Owner: "alice", Slug: "other"})
	if !errors.Is(err, schema.ErrSlugTaken) {
		t.Fatalf("expected slug taken, got %v", err)
	}
}
