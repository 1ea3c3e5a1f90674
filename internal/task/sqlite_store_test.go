package task

import (
	"context"
	stdErrors "errors"
	"path/filepath"
	"slices"
	"testing"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), sqliteMemory)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	task := newTestTask("sql-1")
	task.Context = map[string]any{"lang": "go", "depth": 2.0}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTestTask("sql-1")); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := store.Get(ctx, "sql-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Context["lang"] != "go" || got.Priority != DefaultPriority || got.Status != StatusPending {
		t.Fatalf("round trip lost data: %+v", got)
	}

	claimed, err := store.Claim(ctx, "sql-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Attempts != 1 || claimed.Status != StatusInProgress {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "sql-1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}
	if _, err := store.MarkRetry(ctx, "sql-1", CodeTaskProcessing, "transient"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if claimed, err = store.Claim(ctx, "sql-1"); err != nil || claimed.Attempts != 2 {
		t.Fatalf("reclaim: %+v %v", claimed, err)
	}

	completed, err := store.MarkCompleted(ctx, "sql-1", Completion{
		Output:  "## asistente\n\nhola",
		Outputs: map[string]string{"asistente": "hola"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != StatusCompleted || completed.Outputs["asistente"] != "hola" || completed.CompletedAt == 0 {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	if _, err := store.MarkFailed(ctx, "sql-1", CodeTaskProcessing, "late"); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal task must stay terminal, got %v", err)
	}
	if _, err := store.Claim(ctx, "sql-1"); !stdErrors.Is(err, ErrTaskFinished) {
		t.Fatalf("expected finished, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	for _, id := range []string{"a", "b", "c"} {
		task := newTestTask(id)
		if id == "c" {
			task.TargetAgent = "ejecutor"
		}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, "b", Completion{Output: "Respuesta Final"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pending, err := store.List(ctx, BuildListOptions(WithStatuses(StatusPending)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two pending tasks, got %v", ids(pending))
	}

	byAgent, _ := store.List(ctx, BuildListOptions(WithAgent("ejecutor")))
	if got := ids(byAgent); len(got) != 1 || got[0] != "c" {
		t.Fatalf("unexpected agent filter: %v", got)
	}
	query, _ := store.List(ctx, BuildListOptions(WithQuery("final")))
	if got := ids(query); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected query result: %v", got)
	}
	withOutput, _ := store.List(ctx, BuildListOptions(WithOutputPresence(false)))
	if len(withOutput) != 2 {
		t.Fatalf("unexpected output filter: %v", ids(withOutput))
	}
	page, _ := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(page) != 1 {
		t.Fatalf("unexpected page size: %d", len(page))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSQLiteStoreFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Create(ctx, newTestTask("persisted")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, "persisted"); err != nil {
		t.Fatalf("task lost after reopen: %v", err)
	}
}

func TestListQueryMatchesWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	prompts := map[string]string{
		"pct":   "avance 100% listo",
		"zeros": "avance 1000 listo",
		"under": "usa snake_case",
		"other": "usa snakeXcase",
		"bang":  "hola! mundo",
	}
	cases := map[string][]string{
		"0% l":  {"pct"},
		"e_c":   {"under"},
		"%":     {"pct"},
		"_":     {"under"},
		"a! m":  {"bang"},
		"listo": {"pct", "zeros"},
	}

	stores := map[string]Store{"memory": NewMemoryStore(), "sqlite": newSQLiteStore(t)}
	for name, store := range stores {
		for id, prompt := range prompts {
			task := newTestTask(id)
			task.Prompt = prompt
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("%s: create %s: %v", name, id, err)
			}
		}
		for query, want := range cases {
			found, err := store.List(ctx, BuildListOptions(WithQuery(query)))
			if err != nil {
				t.Fatalf("%s: list %q: %v", name, query, err)
			}
			got := ids(found)
			slices.Sort(got)
			if !slices.Equal(got, want) {
				t.Fatalf("%s: query %q matched %v, want %v", name, query, got, want)
			}
		}
	}
}
