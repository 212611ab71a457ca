package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/leofalp/flux/core/dataflow/join"
	"github.com/leofalp/flux/core/effect"
	"github.com/leofalp/flux/core/index"
	"github.com/leofalp/flux/core/livequery"
	"github.com/leofalp/flux/core/query"
	"github.com/leofalp/flux/providers/observability/slogobs"
	"github.com/leofalp/flux/providers/source"
	"github.com/leofalp/flux/providers/source/memsource"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	fmt.Println("=== Live Query Examples ===")

	fmt.Println("--- Example 1: GroupBy/Count Live Query ---")
	exampleGroupByCount()

	fmt.Println("\n--- Example 2: Lazy Join Hydration ---")
	exampleLazyJoin()

	fmt.Println("\n--- Example 3: Optimizable OrderBy Window ---")
	exampleOptimizableOrderBy()

	fmt.Println("\n--- Example 4: Effect Driver ---")
	exampleEffectDriver()
}

func exampleGroupByCount() {
	widgets := memsource.New(func(v map[string]any) string { return v["id"].(string) }, []map[string]any{
		{"id": "w1", "category": "bolt"},
		{"id": "w2", "category": "bolt"},
		{"id": "w3", "category": "nut"},
	})

	q := query.Query{
		From:    query.From{Alias: "widgets"},
		GroupBy: []query.Expr{query.Ref("widgets", "category")},
		Aggregates: []query.AggregateSpec{
			{Name: "total", Func: "count", Arg: query.Expr{}},
		},
	}

	sources := map[string]source.Source[string, map[string]any]{"widgets": widgets}
	observer := slogobs.New(slogobs.WithLevel(slog.LevelInfo))

	out, co, err := livequery.CreateLiveQueryCollection(context.Background(), q, sources, livequery.WithObserver(observer))
	if err != nil {
		log.Printf("CreateLiveQueryCollection: %v\n", err)
		return
	}
	defer co.Dispose()

	fmt.Printf("groups after initial load: %d\n", out.Size())

	if err := widgets.Insert(map[string]any{"id": "w4", "category": "nut"}); err != nil {
		log.Printf("Insert: %v\n", err)
		return
	}

	for _, v := range out.Values() {
		fmt.Printf("  category=%v total=%v\n", v["group0"], v["total"])
	}
}

func exampleLazyJoin() {
	customers := memsource.New(func(v map[string]any) string { return v["id"].(string) }, []map[string]any{
		{"id": "c1", "name": "ada"},
		{"id": "c2", "name": "grace"},
	})
	if err := customers.AddIndex("id", index.New[string, map[string]any]("id", func(v map[string]any) any { return v["id"] })); err != nil {
		log.Printf("AddIndex: %v\n", err)
		return
	}

	orders := memsource.New(func(v map[string]any) string { return v["id"].(string) }, []map[string]any{
		{"id": "o1", "customerId": "c1"},
	})

	q := query.Query{
		From: query.From{Alias: "orders"},
		Join: []query.JoinClause{
			{
				Alias: "customers",
				Kind:  join.Inner,
				On:    query.Fn(query.OpEq, query.Ref("orders", "customerId"), query.Ref("customers", "id")),
			},
		},
	}

	sources := map[string]source.Source[string, map[string]any]{"orders": orders, "customers": customers}
	out, co, err := livequery.CreateLiveQueryCollection(context.Background(), q, sources)
	if err != nil {
		log.Printf("CreateLiveQueryCollection: %v\n", err)
		return
	}
	defer co.Dispose()

	fmt.Printf("joined rows before grace is ever referenced: %d\n", out.Size())

	if err := orders.Insert(map[string]any{"id": "o2", "customerId": "c2"}); err != nil {
		log.Printf("Insert: %v\n", err)
		return
	}
	fmt.Printf("joined rows after order for grace arrives: %d\n", out.Size())
}

func exampleOptimizableOrderBy() {
	scores := memsource.New(func(v map[string]any) string { return v["id"].(string) }, []map[string]any{
		{"id": "p1", "points": 10.0},
		{"id": "p2", "points": 40.0},
		{"id": "p3", "points": 25.0},
		{"id": "p4", "points": 5.0},
	})
	if err := scores.AddIndex("points", index.NewOrdered[string, map[string]any]("points",
		func(v map[string]any) any { return v["points"] },
		func(a, b any) int {
			x, y := a.(float64), b.(float64)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		},
		index.Descending(),
	)); err != nil {
		log.Printf("AddIndex: %v\n", err)
		return
	}

	limit := 2
	q := query.Query{
		From:    query.From{Alias: "scores"},
		OrderBy: []query.OrderTerm{{Expression: query.Ref("scores", "points"), Direction: query.Desc}},
		Limit:   &limit,
	}

	sources := map[string]source.Source[string, map[string]any]{"scores": scores}
	out, co, err := livequery.CreateLiveQueryCollection(context.Background(), q, sources)
	if err != nil {
		log.Printf("CreateLiveQueryCollection: %v\n", err)
		return
	}
	defer co.Dispose()

	fmt.Printf("top-2 window size: %d\n", out.Size())

	if err := scores.Insert(map[string]any{"id": "p5", "points": 100.0}); err != nil {
		log.Printf("Insert: %v\n", err)
		return
	}
	for _, v := range out.Values() {
		fmt.Printf("  id=%v points=%v\n", v["id"], v["points"])
	}
}

func exampleEffectDriver() {
	rows := memsource.New(func(v map[string]any) string { return v["id"].(string) }, []map[string]any{
		{"id": "a", "n": 1.0},
	})

	handlers := effect.Handlers{
		OnEnter:  func(key string, v query.Row) { fmt.Printf("  enter  %s: %v\n", key, v) },
		OnUpdate: func(key string, v, prev query.Row) { fmt.Printf("  update %s: %v -> %v\n", key, prev, v) },
		OnExit:   func(key string, v query.Row) { fmt.Printf("  exit   %s: %v\n", key, v) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := map[string]source.Source[string, map[string]any]{"rows": rows}
	d, err := effect.Run(ctx, query.Query{From: query.From{Alias: "rows"}}, sources, handlers)
	if err != nil {
		log.Printf("effect.Run: %v\n", err)
		return
	}
	defer d.Dispose()

	if err := rows.Update(map[string]any{"id": "a", "n": 2.0}); err != nil {
		log.Printf("Update: %v\n", err)
		return
	}
	if err := rows.Delete("a"); err != nil {
		log.Printf("Delete: %v\n", err)
		return
	}

	if os.Getenv("FLUX_DEMO_VERBOSE") != "" {
		fmt.Println("(set FLUX_DEMO_VERBOSE=1 for no change in output; this demo is already verbose)")
	}
}
