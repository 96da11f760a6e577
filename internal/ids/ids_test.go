package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s >= %s", a, b)
	}
}

func TestPrefixedRoundTripsTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := Prefixed("flt")
	if !strings.HasPrefix(id, "flt_") {
		t.Fatalf("missing prefix: %s", id)
	}
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("could not parse time from %s", id)
	}
	if ts.Before(before) {
		t.Fatalf("unexpected timestamp %v", ts)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
