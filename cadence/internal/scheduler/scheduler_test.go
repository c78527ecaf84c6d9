package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// 2026-03-04 is a Wednesday.
func wed(hour, min int) time.Time {
	return time.Date(2026, time.March, 4, hour, min, 0, 0, time.UTC)
}

type fakeStore struct {
	scheduled        []time.Time
	breakingPast     []time.Time
	breakingUpcoming []time.Time
	dayCount         int
}

func between(ts []time.Time, from, to time.Time) []time.Time {
	var out []time.Time
	for _, t := range ts {
		if !t.Before(from) && !t.After(to) {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStore) ScheduledTimes(_ context.Context, _ model.Platform, from, to time.Time) ([]time.Time, error) {
	return between(f.scheduled, from, to), nil
}

func (f *fakeStore) PublishedBreaking(_ context.Context, from, to time.Time) (int, error) {
	return len(between(f.breakingPast, from, to)), nil
}

func (f *fakeStore) UpcomingBreaking(_ context.Context, from, to time.Time) (int, error) {
	return len(between(f.breakingUpcoming, from, to)), nil
}

func (f *fakeStore) CountScheduled(_ context.Context, _ model.Platform, _, _ time.Time) (int, error) {
	return f.dayCount, nil
}

func newScheduler(st *fakeStore, now time.Time) *Scheduler {
	return New(st, func() time.Time { return now }, nil)
}

func TestBreakingNewsIsImmediate(t *testing.T) {
	// WHAT: Breaking news lands within two minutes on every platform, whatever
	// the load.
	// WHY: Breaking news is never delayed by slot search.
	now := wed(9, 0)
	busy := &fakeStore{}
	for i := 0; i < 20; i++ {
		busy.scheduled = append(busy.scheduled, now.Add(time.Duration(i)*time.Minute))
	}
	for _, p := range model.Platforms {
		res, err := newScheduler(busy, now).CalculateOptimalTime(context.Background(), model.BreakingNews, p, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.ScheduledAt.Before(now) || res.ScheduledAt.After(now.Add(2*time.Minute)) {
			t.Fatalf("%s: scheduledAt %s outside [now, now+2m]", p, res.ScheduledAt)
		}
		if res.Metadata.Method != model.MethodImmediate {
			t.Fatalf("%s: method %s", p, res.Metadata.Method)
		}
		if res.Metadata.AlternativeTimesConsidered == nil {
			t.Fatal("alternatives must never be nil")
		}
	}
}

func TestNormalNewsOnTwitterWednesdayMorning(t *testing.T) {
	// WHAT: normal_news at Wed 08:00 lands 20-30 minutes later in peak or
	// moderate with the quick method.
	// WHY: Timely news must not wait for the 09:00 peak.
	now := wed(8, 0)
	res, err := newScheduler(&fakeStore{}, now).CalculateOptimalTime(context.Background(), model.NormalNews, model.Twitter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != model.MethodQuick {
		t.Fatalf("method: got %s", res.Metadata.Method)
	}
	if w := res.Metadata.TimeWindow; w != model.Peak && w != model.Moderate {
		t.Fatalf("window: got %s", w)
	}
	if res.ScheduledAt.Before(wed(8, 20)) || res.ScheduledAt.After(wed(8, 30)) {
		t.Fatalf("scheduledAt: got %s", res.ScheduledAt)
	}
	if !res.CalculatedAt.Equal(now) {
		t.Fatalf("calculatedAt: got %s", res.CalculatedAt)
	}
	if res.Reasoning == "" {
		t.Fatal("reasoning must be set")
	}
}

func TestNormalNewsDegradedIsFlagged(t *testing.T) {
	st := &fakeStore{scheduled: []time.Time{wed(8, 20), wed(8, 35), wed(8, 50)}}
	res, err := newScheduler(st, wed(8, 0)).CalculateOptimalTime(context.Background(), model.NormalNews, model.Twitter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Metadata.Degraded || res.Metadata.IsOptimalTime {
		t.Fatalf("metadata: %+v", res.Metadata)
	}
	if len(res.Metadata.AlternativeTimesConsidered) != 3 {
		t.Fatalf("alternatives: got %d", len(res.Metadata.AlternativeTimesConsidered))
	}
	if !strings.Contains(res.Reasoning, "degraded") {
		t.Fatalf("reasoning does not mention the degrade: %q", res.Reasoning)
	}
}

func TestBlogUsesOptimalSlot(t *testing.T) {
	res, err := newScheduler(&fakeStore{}, wed(6, 0)).CalculateOptimalTime(context.Background(), model.Blog, model.Twitter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != model.MethodOptimal || res.Metadata.TimeWindow != model.Peak {
		t.Fatalf("metadata: %+v", res.Metadata)
	}
	if !res.ScheduledAt.Equal(wed(9, 0)) || !res.Metadata.IsOptimalTime {
		t.Fatalf("got %s optimal=%v", res.ScheduledAt, res.Metadata.IsOptimalTime)
	}
}

func TestEvergreenDelayedByBreakingNews(t *testing.T) {
	// WHAT: Evergreen requested 30 minutes after breaking news goes to a low
	// slot at least three hours out.
	// WHY: Evergreen content must not compete with a live story.
	now := wed(21, 0)
	st := &fakeStore{breakingPast: []time.Time{now.Add(-30 * time.Minute)}}
	res, err := newScheduler(st, now).CalculateOptimalTime(context.Background(), model.Evergreen, model.Twitter, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != model.MethodDelayedLow {
		t.Fatalf("method: got %s", res.Metadata.Method)
	}
	if res.ScheduledAt.Before(now.Add(3 * time.Hour)) {
		t.Fatalf("scheduledAt %s earlier than now+3h", res.ScheduledAt)
	}
	if res.Metadata.TimeWindow != model.Low {
		t.Fatalf("window: got %s", res.Metadata.TimeWindow)
	}
	if res.Metadata.IsOptimalTime {
		t.Fatal("a delayed slot is not optimal")
	}
}

func TestEvergreenWithoutBreakingIsLowTraffic(t *testing.T) {
	for _, ct := range []model.ContentType{model.Evergreen, model.Recycled} {
		res, err := newScheduler(&fakeStore{}, wed(12, 0)).CalculateOptimalTime(context.Background(), ct, model.Twitter, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Metadata.Method != model.MethodLowTraffic || res.Metadata.TimeWindow != model.Low {
			t.Fatalf("%s: metadata %+v", ct, res.Metadata)
		}
		if !res.Metadata.IsOptimalTime {
			t.Fatalf("%s: low traffic is the optimal window for this content", ct)
		}
		if !res.ScheduledAt.Equal(wed(22, 0)) {
			t.Fatalf("%s: got %s, want 22:00", ct, res.ScheduledAt)
		}
	}
}

func TestUnknownContentTypeFallsBack(t *testing.T) {
	now := wed(12, 0)
	res, err := newScheduler(&fakeStore{}, now).CalculateOptimalTime(context.Background(), model.ContentType("podcast"), model.Facebook, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != model.MethodFallback || res.Metadata.TimeWindow != model.Moderate {
		t.Fatalf("metadata: %+v", res.Metadata)
	}
	if !res.ScheduledAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("got %s, want now+1h", res.ScheduledAt)
	}
	if !strings.Contains(res.Reasoning, "podcast") {
		t.Fatalf("reasoning should name the type: %q", res.Reasoning)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	_, err := newScheduler(&fakeStore{}, wed(12, 0)).CalculateOptimalTime(context.Background(), model.NormalNews, model.Platform("tiktok"), nil)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("got %v, want invalid input", err)
	}
}

func TestDailyCapIsAdvisory(t *testing.T) {
	// WHAT: A reached daily cap is noted in the reasoning, the post is still
	// scheduled.
	// WHY: The cap informs operators; it never drops a publication.
	st := &fakeStore{dayCount: 3}
	res, err := newScheduler(st, wed(12, 0)).CalculateOptimalTime(context.Background(), model.BreakingNews, model.Instagram, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Reasoning, "daily cap of 3") {
		t.Fatalf("reasoning: %q", res.Reasoning)
	}
}
