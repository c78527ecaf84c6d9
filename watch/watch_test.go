package watch

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/cadence/dbopen"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	for _, q := range []string{
		`CREATE TABLE a (updated_at INTEGER)`,
		`CREATE TABLE b (updated_at INTEGER)`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func stamp(t *testing.T, db *sql.DB, table string, v int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO `+table+` (updated_at) VALUES (?)`, v); err != nil {
		t.Fatal(err)
	}
}

func TestMaxColumnAndSum(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	det := Sum(MaxColumn("a", "updated_at"), MaxColumn("b", "updated_at"))

	if v, err := det(ctx, db); err != nil || v != 0 {
		t.Fatalf("empty tables: v=%d err=%v", v, err)
	}
	stamp(t, db, "a", 100)
	stamp(t, db, "b", 7)
	if v, _ := det(ctx, db); v != 107 {
		t.Fatalf("got %d, want 107", v)
	}
	if _, err := MaxColumn("missing", "x")(ctx, db); err == nil {
		t.Fatal("expected an error for a missing table")
	}
}

func TestPollReloadsOnChange(t *testing.T) {
	// WHAT: The first poll seeds the token; a change triggers exactly one
	// reload.
	db := testDB(t)
	ctx := context.Background()
	w := New(db, Options{Detector: MaxColumn("a", "updated_at")})
	calls := 0
	reload := func(context.Context) error { calls++; return nil }

	w.Poll(ctx, reload)
	if calls != 0 {
		t.Fatal("seeding poll must not reload")
	}
	stamp(t, db, "a", 5)
	if !w.Poll(ctx, reload) || calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	w.Poll(ctx, reload)
	if calls != 1 {
		t.Fatal("unchanged token reloaded again")
	}
	if w.Version() != 5 {
		t.Fatalf("version = %d", w.Version())
	}
}

func TestPollDebounce(t *testing.T) {
	// WHAT: Bursts of edits collapse into one reload after the quiet period.
	// WHY: An operator saving a config several times must not thrash the
	// publisher transports.
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	w := New(db, Options{
		Detector: MaxColumn("a", "updated_at"),
		Debounce: time.Second,
		Now:      func() time.Time { return now },
	})
	calls := 0
	reload := func(context.Context) error { calls++; return nil }
	w.Poll(ctx, reload)

	for i := int64(1); i <= 3; i++ {
		stamp(t, db, "a", i)
		w.Poll(ctx, reload)
		now = now.Add(400 * time.Millisecond)
	}
	if calls != 0 {
		t.Fatalf("reloaded during burst: %d", calls)
	}
	now = now.Add(time.Second)
	w.Poll(ctx, reload)
	if calls != 1 || w.Version() != 3 {
		t.Fatalf("calls=%d version=%d", calls, w.Version())
	}
}

func TestFailedReloadRetries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	w := New(db, Options{Detector: MaxColumn("a", "updated_at")})
	fail := true
	reload := func(context.Context) error {
		if fail {
			return errors.New("bad config")
		}
		return nil
	}
	w.Poll(ctx, reload)
	stamp(t, db, "a", 9)

	if w.Poll(ctx, reload) {
		t.Fatal("failed reload reported success")
	}
	if w.Version() != 0 {
		t.Fatal("failed reload advanced the version")
	}
	fail = false
	if !w.Poll(ctx, reload) || w.Version() != 9 {
		t.Fatalf("retry did not apply, version=%d", w.Version())
	}
	s := w.Stats()
	if s.Errors != 1 || s.Reloads != 1 || s.Checks != 3 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	db := testDB(t)
	w := New(db, Options{Detector: MaxColumn("a", "updated_at"), Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, func(context.Context) error { return nil })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
