// Package publisher delivers finished post copy to social platforms.
//
// A Router maps each platform to a handler: an in-process Publisher
// registered with RegisterLocal, or an HTTPTransport built from a row of the
// publisher_routes table. Routes are reloaded from SQLite at runtime, so a
// platform can be switched between a dry-run logger and a real gateway
// without a restart.
//
//	r := publisher.NewRouter()
//	r.RegisterLocal("twitter", publisher.DryRun{})
//	_ = r.Reload(ctx, db)
//	res, err := r.Publish(ctx, &publisher.Request{Platform: "twitter", Content: "..."})
package publisher

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

// Request is one post to deliver.
type Request struct {
	PostID      string   `json:"post_id"`
	ArticleID   string   `json:"article_id"`
	Platform    string   `json:"platform"`
	ContentType string   `json:"content_type"`
	Content     string   `json:"content"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	IsRecycled  bool     `json:"is_recycled"`
	// Attempt is 1 for the first delivery try.
	Attempt int `json:"attempt"`
}

// Result identifies the post on the platform.
type Result struct {
	PlatformPostID  string `json:"id"`
	PlatformPostURL string `json:"url,omitempty"`
}

// Publisher sends a post to one platform.
type Publisher interface {
	Publish(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, req *Request) (*Result, error)

// Publish implements Publisher.
func (f Func) Publish(ctx context.Context, req *Request) (*Result, error) { return f(ctx, req) }

// DryRun logs the request and reports success without contacting anything.
type DryRun struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (d DryRun) Publish(ctx context.Context, req *Request) (*Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "publisher: dry run",
		"post_id", req.PostID, "platform", req.Platform,
		"chars", utf8.RuneCountInString(req.Content), "media", len(req.MediaURLs))
	return &Result{PlatformPostID: "dryrun_" + req.PostID}, nil
}
