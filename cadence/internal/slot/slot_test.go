package slot

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

func wed(hour, min int) time.Time {
	return time.Date(2026, time.March, 4, hour, min, 0, 0, time.UTC)
}

func fixed(t time.Time) model.Clock { return func() time.Time { return t } }

// schedule is an in-memory Lookup over a single platform.
type schedule []time.Time

func (s schedule) ScheduledTimes(_ context.Context, _ model.Platform, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, t := range s {
		if !t.Before(from) && !t.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

var peakOrModerate = []model.TimeWindow{model.Peak, model.Moderate}

func TestFirstCandidateFree(t *testing.T) {
	f := New(schedule(nil), nil, fixed(wed(8, 0)))
	res, err := f.FindNextAvailableSlot(context.Background(), wed(8, 20), model.Twitter, peakOrModerate, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Time.Equal(wed(8, 20)) {
		t.Fatalf("time: got %s, want 08:20", res.Time)
	}
	if res.Window != model.Moderate {
		t.Fatalf("window: got %s, want moderate", res.Window)
	}
	if res.Degraded || len(res.Alternatives) != 0 {
		t.Fatalf("unexpected degrade/alternatives: %+v", res)
	}
}

func TestCollisionSkipsToNextStride(t *testing.T) {
	// WHAT: A post 5 minutes away rejects the candidate and records it.
	// WHY: Alternatives explain why a post landed later than requested.
	f := New(schedule{wed(8, 25)}, nil, fixed(wed(8, 0)))
	res, err := f.FindNextAvailableSlot(context.Background(), wed(8, 20), model.Twitter, peakOrModerate, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Time.Equal(wed(8, 35)) {
		t.Fatalf("time: got %s, want 08:35", res.Time)
	}
	if len(res.Alternatives) != 1 || !res.Alternatives[0].Equal(wed(8, 20)) {
		t.Fatalf("alternatives: got %v", res.Alternatives)
	}
}

func TestExactlyTenMinutesApartDoesNotCollide(t *testing.T) {
	f := New(schedule{wed(8, 30)}, nil, fixed(wed(8, 0)))
	res, err := f.FindNextAvailableSlot(context.Background(), wed(8, 20), model.Twitter, peakOrModerate, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Time.Equal(wed(8, 20)) {
		t.Fatalf("time: got %s, want 08:20", res.Time)
	}
}

func TestCollisionInvariant(t *testing.T) {
	// WHAT: Whenever the finder returns a non-degraded slot, no existing post
	// sits within the collision window of it.
	// WHY: This is the contract callers rely on for spacing posts.
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		var s schedule
		for j := 0; j < rng.IntN(8); j++ {
			s = append(s, wed(8, 0).Add(time.Duration(rng.IntN(120))*time.Minute))
		}
		f := New(s, nil, fixed(wed(8, 0)))
		res, err := f.FindNextAvailableSlot(context.Background(), wed(8, 0), model.Twitter, peakOrModerate, 90*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if res.Degraded {
			continue
		}
		for _, e := range s {
			if d := e.Sub(res.Time); d > -10*time.Minute && d < 10*time.Minute {
				t.Fatalf("iteration %d: slot %s collides with %s", i, res.Time, e)
			}
		}
	}
}

func TestExhaustedHorizonReturnsLastInWindowCandidate(t *testing.T) {
	// WHAT: When every in-window candidate collides, the last in-window one
	// comes back flagged degraded, and it does collide.
	// WHY: Publication is never dropped for lack of a perfect slot.
	s := schedule{wed(8, 20), wed(8, 35), wed(8, 50)}
	f := New(s, nil, fixed(wed(8, 0)))
	res, err := f.FindNextAvailableSlot(context.Background(), wed(8, 20), model.Twitter, peakOrModerate, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if !res.Time.Equal(wed(8, 50)) {
		t.Fatalf("time: got %s, want 08:50", res.Time)
	}
	if len(res.Alternatives) != 3 {
		t.Fatalf("alternatives: got %d, want 3", len(res.Alternatives))
	}
	collides := false
	for _, e := range s {
		if d := e.Sub(res.Time); d > -10*time.Minute && d < 10*time.Minute {
			collides = true
		}
	}
	if !collides {
		t.Fatal("degraded slot was expected to collide")
	}
}

func TestNoInWindowCandidateReturnsLastExamined(t *testing.T) {
	f := New(schedule(nil), nil, fixed(wed(8, 0)))
	// Wednesday 13:00 on twitter is moderate, never low.
	res, err := f.FindNextAvailableSlot(context.Background(), wed(13, 0), model.Twitter, []model.TimeWindow{model.Low}, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if !res.Time.Equal(wed(13, 30)) {
		t.Fatalf("time: got %s, want 13:30", res.Time)
	}
	if res.Window != model.Moderate {
		t.Fatalf("window: got %s, want the real window (moderate)", res.Window)
	}
}

func TestOptimalPrefersPeak(t *testing.T) {
	f := New(schedule(nil), nil, fixed(wed(6, 0)))
	res, err := f.FindNextOptimalSlot(context.Background(), model.Twitter, peakOrModerate)
	if err != nil {
		t.Fatal(err)
	}
	if res.Window != model.Peak || !res.Time.Equal(wed(9, 0)) {
		t.Fatalf("got %s at %s, want peak at 09:00", res.Window, res.Time)
	}
}

func TestOptimalFallsBackToModerate(t *testing.T) {
	// Both facebook peak candidates (07:00, 07:15) are taken.
	f := New(schedule{wed(7, 0), wed(7, 15)}, nil, fixed(wed(6, 50)))
	res, err := f.FindNextOptimalSlot(context.Background(), model.Facebook, peakOrModerate)
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded {
		t.Fatalf("unexpected degrade: %+v", res)
	}
	if res.Window != model.Moderate || !res.Time.Equal(wed(9, 0)) {
		t.Fatalf("got %s at %s, want moderate at 09:00", res.Window, res.Time)
	}
	if len(res.Alternatives) != 2 {
		t.Fatal("expected rejected peak candidates in alternatives")
	}
}

func TestOptimalLowOnly(t *testing.T) {
	f := New(schedule(nil), nil, fixed(wed(12, 0)))
	res, err := f.FindNextOptimalSlot(context.Background(), model.Facebook, []model.TimeWindow{model.Low})
	if err != nil {
		t.Fatal(err)
	}
	if res.Window != model.Low || !res.Time.Equal(wed(22, 0)) {
		t.Fatalf("got %s at %s, want low at 22:00", res.Window, res.Time)
	}
}

func TestOptimalWithoutRulesFallsBack(t *testing.T) {
	cfg := model.DefaultSchedulingConfig()
	cfg.Windows = map[model.Platform]model.PlatformWindows{}
	f := New(schedule(nil), cfg, fixed(wed(12, 0)))
	res, err := f.FindNextOptimalSlot(context.Background(), model.Twitter, peakOrModerate)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Time.Equal(wed(13, 0)) || res.Window != model.Moderate {
		t.Fatalf("got %s at %s, want moderate at now+1h", res.Window, res.Time)
	}
}
