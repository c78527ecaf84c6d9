package idgen

import (
	"sort"
	"strings"
	"testing"
)

func TestUUIDv7Sortable(t *testing.T) {
	// WHAT: Successive ids sort in creation order.
	// WHY: Post listings fall back to id order for posts created in the same
	// millisecond.
	gen := UUIDv7()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = gen()
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("UUIDv7 ids are not monotonic")
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if len(id) != 36 || seen[id] {
			t.Fatalf("bad or duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixedAndParse(t *testing.T) {
	id := Prefixed("post_", UUIDv7())()
	if !strings.HasPrefix(id, "post_") {
		t.Fatalf("got %q", id)
	}
	u, err := Parse("post_", id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
	if _, err := Parse("rs_", id); err == nil {
		t.Fatal("wrong prefix accepted")
	}
	if _, err := Parse("post_", "post_nope"); err == nil {
		t.Fatal("invalid uuid accepted")
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("p")
	if a, b := gen(), gen(); a != "p1" || b != "p2" {
		t.Fatalf("got %q, %q", a, b)
	}
}
