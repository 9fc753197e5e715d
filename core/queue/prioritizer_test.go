package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/pyropy/s2s/core/model"
)

func TestAttributePrioritizer(t *testing.T) {
	tests := []struct {
		attrs    map[string]string
		priority int64
		ttl      time.Duration
	}{
		{map[string]string{}, 0, 0},
		{map[string]string{AttrPriority: "7"}, 7, 0},
		{map[string]string{AttrPriority: "-3", AttrTTL: "1500"}, -3, 1500 * time.Millisecond},
		{map[string]string{AttrTTL: "2m"}, 0, 2 * time.Minute},
		{map[string]string{AttrPriority: "high", AttrTTL: "soon"}, 0, 0},
		{map[string]string{AttrPriority: "99999999999999999999"}, 0, 0},
		{map[string]string{AttrPriority: "-99999999999999999999"}, 0, 0},
		{map[string]string{AttrTTL: "9300000000000"}, 0, 0},
		{map[string]string{AttrTTL: "9000000000000"}, 0, 9000000000000 * time.Millisecond},
	}

	for _, tt := range tests {
		p, ttl := Attribute.Prioritize(model.NewEmptyRecord(tt.attrs))
		if p != tt.priority || ttl != tt.ttl {
			t.Errorf("%v: got (%d, %s), want (%d, %s)", tt.attrs, p, ttl, tt.priority, tt.ttl)
		}
	}
}

func TestPrioritizerRegistry(t *testing.T) {
	for _, name := range []string{"fifo", "attribute"} {
		if _, err := LookupPrioritizer(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	_, err := LookupPrioritizer("com.example.Custom")
	if !errors.Is(err, ErrUnknownPrioritizer) || !errors.Is(err, model.ErrUsage) {
		t.Fatalf("expected unknown prioritizer usage error, got %v", err)
	}

	RegisterPrioritizer("size", PrioritizerFunc(func(r model.Record) (int64, time.Duration) {
		return r.Size(), 0
	}))

	p, err := LookupPrioritizer("size")
	if err != nil {
		t.Fatal(err)
	}

	if prio, _ := p.Prioritize(model.NewBytesRecord(nil, []byte("abc"))); prio != 3 {
		t.Fatalf("expected priority 3, got %d", prio)
	}
}
