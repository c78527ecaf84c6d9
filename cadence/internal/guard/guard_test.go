package guard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

var now = time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

type fakeLookup struct {
	published []time.Time
	upcoming  []time.Time
	err       error
}

func count(ts []time.Time, from, to time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(from) && !t.After(to) {
			n++
		}
	}
	return n
}

func (f fakeLookup) PublishedBreaking(_ context.Context, from, to time.Time) (int, error) {
	return count(f.published, from, to), f.err
}

func (f fakeLookup) UpcomingBreaking(_ context.Context, from, to time.Time) (int, error) {
	return count(f.upcoming, from, to), f.err
}

func newGuard(l Lookup) *Guard {
	return New(l, func() time.Time { return now })
}

func TestNoBreakingNews(t *testing.T) {
	pause, reason, err := newGuard(fakeLookup{}).ShouldPauseEvergreen(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pause || reason != "" {
		t.Fatalf("got pause=%v reason=%q", pause, reason)
	}
}

func TestRecentBreakingPauses(t *testing.T) {
	// WHAT: Breaking news published 30 minutes ago pauses evergreen content.
	// WHY: Evergreen must not compete with a live story.
	g := newGuard(fakeLookup{published: []time.Time{now.Add(-30 * time.Minute)}})
	pause, reason, err := g.ShouldPauseEvergreen(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !pause || !strings.Contains(reason, "published") {
		t.Fatalf("got pause=%v reason=%q", pause, reason)
	}
}

func TestOldBreakingDoesNotPause(t *testing.T) {
	g := newGuard(fakeLookup{published: []time.Time{now.Add(-3 * time.Hour)}})
	pause, _, err := g.ShouldPauseEvergreen(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pause {
		t.Fatal("breaking news older than the window must not pause")
	}
}

func TestUpcomingBreakingPauses(t *testing.T) {
	g := newGuard(fakeLookup{upcoming: []time.Time{now.Add(90 * time.Minute)}})
	pause, reason, err := g.ShouldPauseEvergreen(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !pause || !strings.Contains(reason, "scheduled") {
		t.Fatalf("got pause=%v reason=%q", pause, reason)
	}
}

func TestWindowFromConfig(t *testing.T) {
	cfg := model.DefaultSchedulingConfig()
	cfg.BreakingNewsWindowMinutes = 20
	g := newGuard(fakeLookup{published: []time.Time{now.Add(-30 * time.Minute)}})
	pause, _, err := g.ShouldPauseEvergreen(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pause {
		t.Fatal("a 20 minute window must ignore news from 30 minutes ago")
	}
}

func TestLookupError(t *testing.T) {
	boom := errors.New("db down")
	_, _, err := newGuard(fakeLookup{err: boom}).ShouldPauseEvergreen(context.Background(), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped lookup error", err)
	}
}
