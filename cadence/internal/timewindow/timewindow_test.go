package timewindow

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// 2026-03-04 is a Wednesday.
func at(day, hour, min int) time.Time {
	return time.Date(2026, time.March, day, hour, min, 0, 0, time.UTC)
}

func TestClassifyKnownWindows(t *testing.T) {
	// WHAT: Spot-check the default tables.
	// WHY: Every scheduling decision starts from this classification.
	cases := []struct {
		name string
		t    time.Time
		p    model.Platform
		want model.TimeWindow
	}{
		{"twitter wed 9h peak", at(4, 9, 30), model.Twitter, model.Peak},
		{"twitter tue 10h peak", at(3, 10, 0), model.Twitter, model.Peak},
		{"twitter wed 8h moderate", at(4, 8, 20), model.Twitter, model.Moderate},
		{"twitter mon 9h moderate", at(2, 9, 0), model.Twitter, model.Moderate},
		{"twitter wed 23h low", at(4, 23, 0), model.Twitter, model.Low},
		{"facebook wed 7h peak", at(4, 7, 15), model.Facebook, model.Peak},
		{"facebook sat 7h low", at(7, 7, 15), model.Facebook, model.Low},
		{"facebook sat 11h moderate", at(7, 11, 0), model.Facebook, model.Moderate},
		{"instagram thu 19h peak", at(5, 19, 45), model.Instagram, model.Peak},
		{"instagram sun 3h low", at(8, 3, 0), model.Instagram, model.Low},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.t, tc.p); got != tc.want {
				t.Errorf("Classify(%s, %s) = %s, want %s", tc.t, tc.p, got, tc.want)
			}
		})
	}
}

func TestClassifyUnknownPlatformIsModerate(t *testing.T) {
	if got := Classify(at(4, 3, 0), model.Platform("myspace")); got != model.Moderate {
		t.Fatalf("got %s, want moderate", got)
	}
}

func TestClassifyTotalAndDisjoint(t *testing.T) {
	// WHAT: Every instant of a week maps to exactly one window, and peak
	// rules never leak into moderate.
	// WHY: Peak and moderate must be mutually exclusive.
	c := New(nil)
	start := at(2, 0, 0) // Monday
	for _, p := range model.Platforms {
		pw := model.DefaultSchedulingConfig().Windows[p]
		for ts := start; ts.Before(start.Add(7 * 24 * time.Hour)); ts = ts.Add(15 * time.Minute) {
			w := c.Classify(ts, p)
			switch w {
			case model.Peak, model.Moderate, model.Low:
			default:
				t.Fatalf("%s %s: unexpected window %q", p, ts, w)
			}
			inPeak := false
			for _, r := range pw.Peak {
				if r.Matches(ts) {
					inPeak = true
				}
			}
			if inPeak && w != model.Peak {
				t.Fatalf("%s %s: matches a peak rule but classified %s", p, ts, w)
			}
		}
	}
}

func TestClassifyHonoursTimezone(t *testing.T) {
	// WHAT: Rules are evaluated in the configured timezone.
	// WHY: Audience windows are local-time phenomena.
	cfg := model.DefaultSchedulingConfig()
	cfg.Timezone = "America/Mexico_City"
	c := New(cfg)
	// 15:30 UTC on a Wednesday in March is 09:30 in Mexico City (UTC-6).
	if got := c.Classify(at(4, 15, 30), model.Twitter); got != model.Peak {
		t.Fatalf("got %s, want peak", got)
	}
}

func TestNextMatchingTime(t *testing.T) {
	rule := model.WindowRule{Days: []model.Day{model.Day(time.Wednesday)}, Hours: []int{9, 10}}

	t.Run("already inside", func(t *testing.T) {
		from := at(4, 9, 40)
		if got := NextMatchingTime(from, rule, time.UTC); !got.Equal(from) {
			t.Fatalf("got %s, want %s", got, from)
		}
	})

	t.Run("later same day", func(t *testing.T) {
		got := NextMatchingTime(at(4, 8, 5), rule, time.UTC)
		if want := at(4, 9, 0); !got.Equal(want) {
			t.Fatalf("got %s, want %s", got, want)
		}
	})

	t.Run("next week", func(t *testing.T) {
		got := NextMatchingTime(at(4, 11, 0), rule, time.UTC)
		if want := at(11, 9, 0); !got.Equal(want) {
			t.Fatalf("got %s, want %s", got, want)
		}
	})

	t.Run("no match falls back to a day later", func(t *testing.T) {
		empty := model.WindowRule{Days: []model.Day{model.Day(time.Monday)}}
		from := at(4, 8, 0)
		if got := NextMatchingTime(from, empty, time.UTC); !got.Equal(from.Add(24 * time.Hour)) {
			t.Fatalf("got %s, want from+24h", got)
		}
	})
}
