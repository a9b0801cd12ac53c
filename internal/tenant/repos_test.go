package tenant

import (
	"context"
	"testing"

	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

func samplePrompt(id string) model.Prompt {
	return model.Prompt{ID: id, Name: "prompt " + id, Text: "You are helpful."}
}

func testRepos(t *testing.T) *Repos {
	t.Helper()
	r := testRegistry(t, Options{})
	repos, err := r.Repos(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	return repos
}

func TestSettingsDefault(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	got, err := repos.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() = %v, want nil", err)
	}
	if diff := cmp.Diff(model.Settings{}, got); diff != "" {
		t.Errorf("Settings() before first write (-want +got):\n%s", diff)
	}

	want := model.Settings{MaxTurns: 8, FetcherAutoStart: true}
	if err := repos.PutSettings(ctx, want); err != nil {
		t.Fatalf("PutSettings() = %v, want nil", err)
	}
	got, err = repos.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() = %v, want nil", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Settings() mismatch (-want +got):\n%s", diff)
	}
}

func TestFiltersSortedByOrder(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	for _, f := range []model.Filter{
		{ID: "f2", Field: "subject", Pattern: "b", DirectorID: "d", Order: 2},
		{ID: "f0", Field: "subject", Pattern: "a", DirectorID: "d", Order: 0},
		{ID: "f1", Field: "from", Pattern: "c", DirectorID: "d", Order: 1},
	} {
		if err := repos.PutFilter(ctx, f); err != nil {
			t.Fatalf("PutFilter(%s) = %v, want nil", f.ID, err)
		}
	}

	fs, err := repos.Filters(ctx)
	if err != nil {
		t.Fatalf("Filters() = %v, want nil", err)
	}
	var ids []string
	for _, f := range fs {
		ids = append(ids, f.ID)
	}
	if diff := cmp.Diff([]string{"f0", "f1", "f2"}, ids); diff != "" {
		t.Errorf("Filters() order mismatch (-want +got):\n%s", diff)
	}
}

func TestPutFilterRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	cases := []struct {
		name string
		f    model.Filter
	}{
		{"unknown field", model.Filter{ID: "f", Field: "header", Pattern: ".", DirectorID: "d"}},
		{"missing director", model.Filter{ID: "f", Field: "subject", Pattern: "."}},
		{"bad pattern", model.Filter{ID: "f", Field: "subject", Pattern: "(", DirectorID: "d"}},
	}
	for _, tc := range cases {
		err := repos.PutFilter(ctx, tc.f)
		if _, ok := errors.Cause(err).(*model.ValidationError); !ok {
			t.Errorf("%s: PutFilter() = %v, want *model.ValidationError", tc.name, err)
		}
	}

	// Nothing invalid may reach the store.
	fs, err := repos.Filters(ctx)
	if err != nil {
		t.Fatalf("Filters() = %v, want nil", err)
	}
	if len(fs) != 0 {
		t.Errorf("Filters() = %v after rejected writes, want none stored", fs)
	}
}

func TestReorderFilters(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	for i, id := range []string{"a", "b", "c"} {
		f := model.Filter{ID: id, Field: "subject", Pattern: ".", DirectorID: "d", Order: i}
		if err := repos.PutFilter(ctx, f); err != nil {
			t.Fatalf("PutFilter(%s) = %v, want nil", id, err)
		}
	}
	if err := repos.ReorderFilters(ctx, []string{"c", "a", "b"}); err != nil {
		t.Fatalf("ReorderFilters() = %v, want nil", err)
	}

	fs, err := repos.Filters(ctx)
	if err != nil {
		t.Fatalf("Filters() = %v, want nil", err)
	}
	var ids []string
	for _, f := range fs {
		ids = append(ids, f.ID)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids); diff != "" {
		t.Errorf("Filters() after reorder (-want +got):\n%s", diff)
	}
}

func TestUpdateWorkspaceItemMissing(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	err := repos.UpdateWorkspaceItem(ctx, "ghost", func(cur model.WorkspaceItem) (model.WorkspaceItem, error) {
		return cur, nil
	})
	if errors.Cause(err) != store.ErrNotFound {
		t.Errorf("UpdateWorkspaceItem(missing) cause = %v, want store.ErrNotFound", err)
	}
}

func TestDeleteThreadsAndWorkspace(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	for _, id := range []string{"t1", "t2"} {
		if err := repos.PutThread(ctx, model.ConversationThread{ID: id, Status: model.StatusOngoing}); err != nil {
			t.Fatalf("PutThread(%s) = %v, want nil", id, err)
		}
	}
	if err := repos.PutWorkspaceItem(ctx, model.WorkspaceItem{ID: "w1", WorkspaceID: "t1"}); err != nil {
		t.Fatalf("PutWorkspaceItem() = %v, want nil", err)
	}

	n, err := repos.DeleteThreadsAndWorkspace(ctx, []string{"t1"}, []string{"w1"})
	if err != nil {
		t.Fatalf("DeleteThreadsAndWorkspace() = %v, want nil", err)
	}
	if n != 2 {
		t.Errorf("DeleteThreadsAndWorkspace() = %d deleted, want 2", n)
	}
	if _, err := repos.Thread(ctx, "t2"); err != nil {
		t.Errorf("Thread(t2) = %v, want survivor intact", err)
	}
}
