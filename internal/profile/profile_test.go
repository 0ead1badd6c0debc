package profile

import (
	"reflect"
	"testing"
	"time"
)

func TestRegistry_Kinds(t *testing.T) {
	r := NewRegistry()

	want := []string{"metric", "progress", "query", "widget"}
	if got := r.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestRegistry_Budgets(t *testing.T) {
	r := NewRegistry()

	query, err := r.Get("query")
	if err != nil {
		t.Fatalf("Get(query) error = %v", err)
	}
	if query.Limits.Timeout != 5*time.Second {
		t.Errorf("query timeout = %s, want 5s", query.Limits.Timeout)
	}
	if query.Limits.MemoryBytes != 64<<20 {
		t.Errorf("query memory = %d, want 64MB", query.Limits.MemoryBytes)
	}

	metric, err := r.Get("metric")
	if err != nil {
		t.Fatalf("Get(metric) error = %v", err)
	}
	if metric.Limits.Timeout != time.Second {
		t.Errorf("metric timeout = %s, want 1s", metric.Limits.Timeout)
	}
	if metric.Limits.MaxCodeBytes != 10<<10 {
		t.Errorf("metric code limit = %d, want 10KB", metric.Limits.MaxCodeBytes)
	}

	// Progress and widget share the general query budget.
	for _, kind := range []string{"progress", "widget"} {
		p, err := r.Get(kind)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", kind, err)
		}
		if p.Limits != query.Limits {
			t.Errorf("%s limits = %+v, want same as query", kind, p.Limits)
		}
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("shell"); err == nil {
		t.Error("Get(shell) should fail")
	}
}

func TestRegistry_Override(t *testing.T) {
	r := NewRegistry()

	p, _ := r.Get("query")
	p.Limits.Timeout = 2 * time.Second
	r.Register(p)

	got, err := r.Get("query")
	if err != nil {
		t.Fatal(err)
	}
	if got.Limits.Timeout != 2*time.Second {
		t.Errorf("override not applied: %s", got.Limits.Timeout)
	}
}
