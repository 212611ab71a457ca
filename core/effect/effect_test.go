package effect

import (
	"context"
	"testing"

	"github.com/leofalp/flux/core/query"
	"github.com/leofalp/flux/providers/source"
	"github.com/leofalp/flux/providers/source/memsource"
)

func TestRunFiresEnterUpdateExit(t *testing.T) {
	getKey := func(v map[string]any) string { return v["id"].(string) }
	mem := memsource.New(getKey, []map[string]any{{"id": "a", "n": 1.0}})

	var entered, updated, exited []string
	handlers := Handlers{
		OnEnter:  func(key string, _ query.Row) { entered = append(entered, key) },
		OnUpdate: func(key string, _, _ query.Row) { updated = append(updated, key) },
		OnExit:   func(key string, _ query.Row) { exited = append(exited, key) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := map[string]source.Source[string, map[string]any]{"rows": mem}
	q := query.Query{From: query.From{Alias: "rows"}}

	d, err := Run(ctx, q, sources, handlers)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer d.Dispose()

	if len(entered) != 1 {
		t.Fatalf("got %d enters after initial state, want 1", len(entered))
	}

	if err := mem.Update(map[string]any{"id": "a", "n": 2.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated) != 1 {
		t.Fatalf("got %d updates, want 1", len(updated))
	}

	if err := mem.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(exited) != 1 {
		t.Fatalf("got %d exits, want 1", len(exited))
	}
}
