package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Day is a weekday that marshals as its three-letter English name.
type Day time.Weekday

var dayNames = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func (d Day) String() string { return dayNames[int(d)%7] }

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	if len(s) > 3 {
		s = s[:3]
	}
	for i, n := range dayNames {
		if n == s {
			*d = Day(i)
			return nil
		}
	}
	return fmt.Errorf("unknown weekday %q", string(b))
}

var (
	weekdays = []Day{Day(time.Monday), Day(time.Tuesday), Day(time.Wednesday), Day(time.Thursday), Day(time.Friday)}
	weekend  = []Day{Day(time.Saturday), Day(time.Sunday)}
	allDays  = append(append([]Day{}, weekdays...), weekend...)
)

// WindowRule matches instants whose weekday is in Days and hour is in Hours.
type WindowRule struct {
	Days  []Day `json:"days" yaml:"days"`
	Hours []int `json:"hours" yaml:"hours"`
}

// Matches reports whether t (already in the config location) falls in the rule.
func (r WindowRule) Matches(t time.Time) bool {
	return r.HasDay(t.Weekday()) && r.HasHour(t.Hour())
}

// HasDay reports whether d is listed.
func (r WindowRule) HasDay(d time.Weekday) bool {
	for _, x := range r.Days {
		if time.Weekday(x) == d {
			return true
		}
	}
	return false
}

// HasHour reports whether h is listed.
func (r WindowRule) HasHour(h int) bool {
	for _, x := range r.Hours {
		if x == h {
			return true
		}
	}
	return false
}

// PlatformWindows holds the rule tables of one platform.
type PlatformWindows struct {
	Peak     []WindowRule `json:"peak" yaml:"peak"`
	Moderate []WindowRule `json:"moderate" yaml:"moderate"`
	Low      []WindowRule `json:"low" yaml:"low"`
}

// Rules returns the table for window w.
func (pw PlatformWindows) Rules(w TimeWindow) []WindowRule {
	switch w {
	case Peak:
		return pw.Peak
	case Moderate:
		return pw.Moderate
	case Low:
		return pw.Low
	}
	return nil
}

// FrequencyCap limits how often a platform is posted to.
type FrequencyCap struct {
	MaxPostsPerDay    int `json:"max_posts_per_day" yaml:"max_posts_per_day"`
	MinSpacingMinutes int `json:"min_spacing_minutes" yaml:"min_spacing_minutes"`
}

// SchedulingConfig is the process-wide scheduling configuration.
type SchedulingConfig struct {
	Timezone                  string                       `json:"timezone" yaml:"timezone"`
	Windows                   map[Platform]PlatformWindows `json:"windows" yaml:"windows"`
	Frequency                 map[Platform]FrequencyCap    `json:"frequency" yaml:"frequency"`
	BreakingNewsWindowMinutes int                          `json:"breaking_news_window_minutes" yaml:"breaking_news_window_minutes"`
	CollisionWindowMinutes    int                          `json:"collision_window_minutes" yaml:"collision_window_minutes"`
	SlotStrideMinutes         int                          `json:"slot_stride_minutes" yaml:"slot_stride_minutes"`
}

func hours(from, to int) []int {
	var hs []int
	for h := from; h != to; h = (h + 1) % 24 {
		hs = append(hs, h)
	}
	return hs
}

// DefaultSchedulingConfig returns the research-based defaults.
func DefaultSchedulingConfig() *SchedulingConfig {
	return &SchedulingConfig{
		Timezone: "UTC",
		Windows: map[Platform]PlatformWindows{
			Facebook: {
				Peak: []WindowRule{{Days: weekdays, Hours: hours(7, 9)}},
				Moderate: []WindowRule{
					{Days: weekdays, Hours: hours(9, 12)},
					{Days: weekdays, Hours: hours(13, 16)},
					{Days: weekend, Hours: hours(10, 13)},
				},
				Low: []WindowRule{{Days: allDays, Hours: hours(22, 6)}},
			},
			Twitter: {
				Peak: []WindowRule{
					{Days: []Day{Day(time.Wednesday)}, Hours: hours(9, 11)},
					{Days: []Day{Day(time.Tuesday), Day(time.Thursday)}, Hours: hours(9, 11)},
				},
				Moderate: []WindowRule{
					{Days: weekdays, Hours: []int{8}},
					{Days: weekdays, Hours: hours(11, 16)},
					{Days: []Day{Day(time.Monday), Day(time.Friday)}, Hours: hours(9, 11)},
				},
				Low: []WindowRule{{Days: allDays, Hours: hours(22, 6)}},
			},
			Instagram: {
				Peak: []WindowRule{
					{Days: weekdays, Hours: hours(11, 13)},
					{Days: weekdays, Hours: hours(19, 21)},
				},
				Moderate: []WindowRule{
					{Days: weekdays, Hours: hours(9, 11)},
					{Days: weekdays, Hours: hours(13, 17)},
					{Days: weekend, Hours: hours(10, 14)},
				},
				Low: []WindowRule{{Days: allDays, Hours: hours(23, 6)}},
			},
		},
		Frequency: map[Platform]FrequencyCap{
			Facebook:  {MaxPostsPerDay: 10, MinSpacingMinutes: 60},
			Twitter:   {MaxPostsPerDay: 30, MinSpacingMinutes: 15},
			Instagram: {MaxPostsPerDay: 3, MinSpacingMinutes: 180},
		},
		BreakingNewsWindowMinutes: 120,
		CollisionWindowMinutes:    10,
		SlotStrideMinutes:         15,
	}
}

// Normalize fills zero values with defaults.
func (c *SchedulingConfig) Normalize() {
	def := DefaultSchedulingConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Windows == nil {
		c.Windows = def.Windows
	}
	if c.Frequency == nil {
		c.Frequency = def.Frequency
	}
	if c.BreakingNewsWindowMinutes <= 0 {
		c.BreakingNewsWindowMinutes = def.BreakingNewsWindowMinutes
	}
	if c.CollisionWindowMinutes <= 0 {
		c.CollisionWindowMinutes = def.CollisionWindowMinutes
	}
	if c.SlotStrideMinutes <= 0 {
		c.SlotStrideMinutes = def.SlotStrideMinutes
	}
}

// Validate checks the tables and the timezone.
func (c *SchedulingConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return &ValidationError{Field: "timezone", Reason: err.Error()}
	}
	for p, pw := range c.Windows {
		if !p.Valid() {
			return &ValidationError{Field: "windows", Reason: fmt.Sprintf("unsupported platform %q", p)}
		}
		for _, w := range []TimeWindow{Peak, Moderate, Low} {
			for _, r := range pw.Rules(w) {
				for _, h := range r.Hours {
					if h < 0 || h > 23 {
						return &ValidationError{Field: "windows", Reason: fmt.Sprintf("%s %s hour %d out of range", p, w, h)}
					}
				}
			}
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *SchedulingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BreakingNewsWindow is how long breaking news suppresses evergreen content.
func (c *SchedulingConfig) BreakingNewsWindow() time.Duration {
	return time.Duration(c.BreakingNewsWindowMinutes) * time.Minute
}

// CollisionWindow is the minimum distance between two posts on a platform.
func (c *SchedulingConfig) CollisionWindow() time.Duration {
	return time.Duration(c.CollisionWindowMinutes) * time.Minute
}

// SlotStride is the distance between candidate slots.
func (c *SchedulingConfig) SlotStride() time.Duration {
	return time.Duration(c.SlotStrideMinutes) * time.Minute
}

// Encode is the storage encoding of the config row.
func (c *SchedulingConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeSchedulingConfig parses a stored config row.
func DecodeSchedulingConfig(data []byte) (*SchedulingConfig, error) {
	var c SchedulingConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode scheduling config: %w", err)
	}
	c.Normalize()
	return &c, nil
}

// ParseConfigYAML parses an operator-supplied YAML config file.
func ParseConfigYAML(data []byte) (*SchedulingConfig, error) {
	var c SchedulingConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &ValidationError{Field: "config", Reason: err.Error()}
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
