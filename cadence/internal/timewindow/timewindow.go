// Package timewindow classifies instants into audience-activity windows.
//
// Classification is a pure function of the instant, the platform and the
// rule tables of a SchedulingConfig. Peak rules are checked before moderate
// rules, so an instant is never both; anything matching neither is low.
package timewindow

import (
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// searchBound is how far NextMatchingTime looks ahead.
const searchBound = 14 * 24 * time.Hour

// Classifier classifies instants against a set of platform tables.
type Classifier struct {
	windows map[model.Platform]model.PlatformWindows
	loc     *time.Location
}

// New builds a Classifier from cfg. A nil cfg uses the defaults.
func New(cfg *model.SchedulingConfig) *Classifier {
	if cfg == nil {
		cfg = model.DefaultSchedulingConfig()
	}
	return &Classifier{windows: cfg.Windows, loc: cfg.Location()}
}

var defaultClassifier = New(nil)

// Classify uses the default tables.
func Classify(t time.Time, p model.Platform) model.TimeWindow {
	return defaultClassifier.Classify(t, p)
}

// Classify returns the window t falls in on platform p. Unknown platforms
// are moderate.
func (c *Classifier) Classify(t time.Time, p model.Platform) model.TimeWindow {
	pw, ok := c.windows[p]
	if !ok {
		return model.Moderate
	}
	local := t.In(c.loc)
	for _, r := range pw.Peak {
		if r.Matches(local) {
			return model.Peak
		}
	}
	for _, r := range pw.Moderate {
		if r.Matches(local) {
			return model.Moderate
		}
	}
	return model.Low
}

// Location is the timezone rules are evaluated in.
func (c *Classifier) Location() *time.Location { return c.loc }

// NextMatchingTime returns the first instant at or after from whose weekday
// is in rule.Days and hour is in rule.Hours. If from already matches it is
// returned unchanged; otherwise the result is the start of the matching hour.
// Gives up after 14 days and returns from + 24h.
func NextMatchingTime(from time.Time, rule model.WindowRule, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	if rule.Matches(local) {
		return from
	}
	// Step on hour boundaries in the rule's timezone.
	cur := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	end := local.Add(searchBound)
	for cur = cur.Add(time.Hour); !cur.After(end); cur = cur.Add(time.Hour) {
		if rule.Matches(cur) {
			return cur.In(from.Location())
		}
	}
	return from.Add(24 * time.Hour)
}
