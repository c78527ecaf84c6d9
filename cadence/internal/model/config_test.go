package model

import (
	"errors"
	"testing"
	"time"
)

func TestParseConfigYAML(t *testing.T) {
	// WHAT: An operator file overrides tables and inherits defaults for the rest.
	// WHY: Partial config files are the common case.
	src := []byte(`
timezone: Europe/Madrid
collision_window_minutes: 5
windows:
  twitter:
    peak:
      - days: [mon, Tuesday]
        hours: [12, 13]
`)
	cfg, err := ParseConfigYAML(src)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timezone != "Europe/Madrid" {
		t.Errorf("timezone: got %q", cfg.Timezone)
	}
	if cfg.CollisionWindow() != 5*time.Minute {
		t.Errorf("collision: got %s", cfg.CollisionWindow())
	}
	if cfg.BreakingNewsWindow() != 2*time.Hour {
		t.Errorf("breaking window default: got %s", cfg.BreakingNewsWindow())
	}
	peak := cfg.Windows[Twitter].Peak
	if len(peak) != 1 || !peak[0].HasDay(time.Tuesday) || !peak[0].HasHour(13) {
		t.Fatalf("peak rules: %+v", peak)
	}
}

func TestParseConfigYAMLRejectsBadHour(t *testing.T) {
	src := []byte(`
windows:
  facebook:
    low:
      - days: [sun]
        hours: [24]
`)
	if _, err := ParseConfigYAML(src); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want invalid input", err)
	}
}

func TestParseConfigYAMLRejectsUnknownDay(t *testing.T) {
	src := []byte(`
windows:
  facebook:
    low:
      - days: [someday]
        hours: [1]
`)
	if _, err := ParseConfigYAML(src); err == nil {
		t.Fatal("expected an error for an unknown weekday")
	}
}

func TestEncodeDecode(t *testing.T) {
	cfg := DefaultSchedulingConfig()
	data, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeSchedulingConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Windows[Instagram].Peak) != 2 || !got.Windows[Instagram].Peak[1].HasHour(20) {
		t.Fatalf("instagram peak lost: %+v", got.Windows[Instagram].Peak)
	}
}

func TestDefaultLowWrapsMidnight(t *testing.T) {
	low := DefaultSchedulingConfig().Windows[Facebook].Low[0]
	for _, h := range []int{22, 23, 0, 5} {
		if !low.HasHour(h) {
			t.Errorf("low should include %d", h)
		}
	}
	if low.HasHour(6) || low.HasHour(21) {
		t.Error("low should stop at 06 and start at 22")
	}
}
