// Package copytext turns a draft or an article into the final text of a
// post: markup stripped, trimmed to the platform limit, ending with the
// article link tagged for campaign tracking.
package copytext

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// Character limits per platform.
var limits = map[model.Platform]int{
	model.Twitter:   280,
	model.Facebook:  63206,
	model.Instagram: 2200,
}

// twitterURLWeight is the length twitter charges for any link.
const twitterURLWeight = 23

const ellipsis = "…"

// Limit returns the character limit of p, 0 when unknown.
func Limit(p model.Platform) int { return limits[p] }

// Input is what a post's copy is built from.
type Input struct {
	Article  *model.Article
	Platform model.Platform
	// Draft is the caller's text. Empty falls back to the article title.
	Draft         string
	ContentType   model.ContentType
	RecycleNumber int
}

// Options configures tracking parameters.
type Options struct {
	UTMSource string
	UTMMedium string
}

func (o *Options) defaults() {
	if o.UTMSource == "" {
		o.UTMSource = "cadence"
	}
	if o.UTMMedium == "" {
		o.UTMMedium = "social"
	}
}

// Finalizer is the default copy finalizer. Safe for concurrent use.
type Finalizer struct {
	opts   Options
	policy *bluemonday.Policy
}

// New creates a Finalizer.
func New(opts Options) *Finalizer {
	opts.defaults()
	return &Finalizer{opts: opts, policy: bluemonday.StrictPolicy()}
}

// Finalize builds the post text.
func (f *Finalizer) Finalize(_ context.Context, in Input) (string, error) {
	limit := Limit(in.Platform)
	if limit == 0 {
		return "", &model.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", in.Platform)}
	}

	text := f.Plain(in.Draft)
	if text == "" && in.Article != nil {
		text = f.Plain(in.Article.Title)
	}
	if text == "" {
		return "", &model.ValidationError{Field: "content", Reason: "no draft and no article title"}
	}

	link := ""
	if in.Article != nil && in.Article.URL != "" {
		var err error
		link, err = f.TrackingURL(in.Article.URL, in.Platform, campaign(in))
		if err != nil {
			return "", err
		}
	}
	if link == "" {
		return truncate(text, limit), nil
	}

	linkLen := utf8.RuneCountInString(link)
	if in.Platform == model.Twitter {
		linkLen = twitterURLWeight
	}
	// One separator between text and link.
	room := limit - linkLen - 1
	if room <= 0 {
		return link, nil
	}
	return truncate(text, room) + " " + link, nil
}

// Plain strips markup, decodes entities and collapses whitespace.
func (f *Finalizer) Plain(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(f.policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// TrackingURL adds utm_source, utm_medium and utm_campaign to raw. Existing
// utm parameters are replaced, others are kept.
func (f *Finalizer) TrackingURL(raw string, p model.Platform, campaign string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &model.ValidationError{Field: "article.url", Reason: fmt.Sprintf("not an absolute http(s) URL: %q", raw)}
	}
	q := u.Query()
	q.Set("utm_source", f.opts.UTMSource)
	q.Set("utm_medium", f.opts.UTMMedium)
	q.Set("utm_content", string(p))
	if campaign != "" {
		q.Set("utm_campaign", campaign)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func campaign(in Input) string {
	if in.RecycleNumber > 0 {
		return fmt.Sprintf("recycle_%d", in.RecycleNumber)
	}
	return string(in.ContentType)
}

// truncate cuts s to at most n runes, on a word boundary when one exists in
// the last third, and marks the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 1 {
		return string([]rune(s)[:n])
	}
	r := []rune(s)[:n-1]
	cut := len(r)
	for i := len(r) - 1; i > len(r)*2/3; i-- {
		if r[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(r[:cut]), " ,;:.") + ellipsis
}
