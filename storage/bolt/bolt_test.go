package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	})
	return s
}

func snapshot(id string) *engine.CaseSnapshot {
	return &engine.CaseSnapshot{
		Id:              id,
		DefName:         "claim",
		State:           engine.Active,
		Variables:       expr.NewBindings().Extend("who", "alice"),
		PlanModelInstID: "root-" + id,
		Items: []*engine.ItemSnapshot{
			{
				Id:    "root-" + id,
				State: engine.Active,
			},
			{
				Id:          "i-1",
				ItemID:      "review",
				State:       engine.Available,
				StageInstID: "root-" + id,
				Fired:       map[string][]string{"crit-1": {"a/complete"}},
			},
		},
	}
}

func TestStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	want := snapshot("c-1")
	if err := s.Save(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != want.Id || got.DefName != want.DefName || got.State != want.State {
		t.Fatalf("got %#v", got)
	}
	if got.Variables["who"] != "alice" {
		t.Fatalf("variables %#v", got.Variables)
	}
	if len(got.Items) != 2 || got.Items[1].Fired["crit-1"][0] != "a/complete" {
		t.Fatalf("items %#v", got.Items)
	}
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.Save(ctx, snapshot("c-1")); err != nil {
		t.Fatal(err)
	}
	updated := snapshot("c-1")
	updated.State = engine.Completed
	if err := s.Save(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != engine.Completed {
		t.Fatalf("state %s", got.State)
	}
}

func TestStoreListRemove(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, id := range []string{"c-2", "c-1"} {
		if err := s.Save(ctx, snapshot(id)); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Bolt iterates keys in order.
	if len(ids) != 2 || ids[0] != "c-1" || ids[1] != "c-2" {
		t.Fatalf("ids %v", ids)
	}

	if err := s.Remove(ctx, "c-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "c-1"); err != storage.NotFound {
		t.Fatalf("wanted NotFound; got %v", err)
	}

	ids, err = s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c-2" {
		t.Fatalf("ids %v", ids)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Load(context.Background(), "nope"); err != storage.NotFound {
		t.Fatalf("wanted NotFound; got %v", err)
	}
}
