package multiset

import "testing"

func TestConsolidateSumsAndDropsZeros(t *testing.T) {
	tests := []struct {
		name string
		in   []Entry[string]
		want map[string]int
	}{
		{
			name: "duplicate keys sum",
			in: []Entry[string]{
				{Value: "a", Multiplicity: 1},
				{Value: "a", Multiplicity: 2},
			},
			want: map[string]int{"a": 3},
		},
		{
			name: "opposite signs cancel to zero and vanish",
			in: []Entry[string]{
				{Value: "a", Multiplicity: 1},
				{Value: "a", Multiplicity: -1},
			},
			want: map[string]int{},
		},
		{
			name: "distinct keys stay distinct",
			in: []Entry[string]{
				{Value: "a", Multiplicity: 1},
				{Value: "b", Multiplicity: 1},
			},
			want: map[string]int{"a": 1, "b": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.in...).Consolidate()
			if got.Len() != len(tt.want) {
				t.Fatalf("got %d entries, want %d", got.Len(), len(tt.want))
			}
			for _, e := range got.Inner() {
				want, ok := tt.want[e.Value]
				if !ok {
					t.Fatalf("unexpected value %q in result", e.Value)
				}
				if e.Multiplicity != want {
					t.Errorf("value %q: got multiplicity %d, want %d", e.Value, e.Multiplicity, want)
				}
			}
		})
	}
}

func TestNegateFlipsSign(t *testing.T) {
	m := FromValues(1, 2, 3).Negate()
	for _, e := range m.Inner() {
		if e.Multiplicity != -1 {
			t.Errorf("value %d: got multiplicity %d, want -1", e.Value, e.Multiplicity)
		}
	}
}

func TestConcatIsEntryLevel(t *testing.T) {
	a := FromValues("x")
	b := FromValues("y")
	got := a.Concat(b)
	if got.Len() != 2 {
		t.Fatalf("got %d entries, want 2", got.Len())
	}
}

func TestMapPreservesMultiplicity(t *testing.T) {
	m := New(Entry[int]{Value: 3, Multiplicity: 2})
	got := Map(m, func(x int) int { return x * 10 })
	if got.Len() != 1 {
		t.Fatalf("got %d entries, want 1", got.Len())
	}
	if got.Inner()[0].Value != 30 || got.Inner()[0].Multiplicity != 2 {
		t.Errorf("got %+v, want value=30 multiplicity=2", got.Inner()[0])
	}
}

func TestFilterDropsNonMatching(t *testing.T) {
	m := FromValues(1, 2, 3, 4)
	got := Filter(m, func(x int) bool { return x%2 == 0 })
	if got.Len() != 2 {
		t.Fatalf("got %d entries, want 2", got.Len())
	}
}

func TestJoinWithProductsMatchingKeys(t *testing.T) {
	type row struct {
		ID   int
		Name string
	}
	left := New(
		Entry[row]{Value: row{ID: 1, Name: "a"}, Multiplicity: 1},
		Entry[row]{Value: row{ID: 2, Name: "b"}, Multiplicity: 2},
	)
	right := New(
		Entry[row]{Value: row{ID: 1, Name: "x"}, Multiplicity: 1},
	)

	got := JoinWith(left, right,
		func(r row) int { return r.ID },
		func(r row) int { return r.ID },
	)

	if got.Len() != 1 {
		t.Fatalf("got %d pairs, want 1", got.Len())
	}
	pair := got.Inner()[0]
	if pair.Value.Left.Name != "a" || pair.Value.Right.Name != "x" {
		t.Errorf("got pair %+v, want left=a right=x", pair.Value)
	}
	if pair.Multiplicity != 1 {
		t.Errorf("got multiplicity %d, want 1", pair.Multiplicity)
	}
}

func TestOnlyPositive(t *testing.T) {
	tests := []struct {
		name string
		m    Multiset[string]
		want bool
	}{
		{name: "all +1 unique", m: FromValues("a", "b"), want: true},
		{name: "has -1", m: New(Entry[string]{Value: "a", Multiplicity: -1}), want: false},
		{name: "has +2", m: New(Entry[string]{Value: "a", Multiplicity: 2}), want: false},
		{name: "duplicate +1 keys", m: New(
			Entry[string]{Value: "a", Multiplicity: 1},
			Entry[string]{Value: "a", Multiplicity: 1},
		), want: false},
		{name: "empty", m: New[string](), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.OnlyPositive(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
