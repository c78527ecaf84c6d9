package cadence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connectMCP(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := mcp.NewServer(&mcp.Implementation{Name: "cadence", Version: "test"}, nil)
	svc.RegisterMCP(srv)
	st, ct := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ss.Close() })
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "test"}, nil).Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatal(err)
	}
	return res.Content[0].(*mcp.TextContent).Text, res.IsError
}

func TestMCPTools(t *testing.T) {
	// WHAT: The tools drive the same service operations; service errors come
	// back as tool errors.
	f := newFixture(t)
	f.article(t, "b1", BreakingNews, time.Minute, 0, "Dam breach upstream")
	cs := connectMCP(t, f.svc)

	text, isErr := callTool(t, cs, "cadence_preview_time", map[string]any{"content_type": "breaking_news", "platform": "instagram"})
	if isErr || !strings.Contains(text, `"calculation_method":"immediate"`) {
		t.Fatalf("preview: %s", text)
	}

	text, isErr = callTool(t, cs, "cadence_schedule_post", map[string]any{"article_id": "b1", "platform": "twitter"})
	if isErr || !strings.Contains(text, `"status":"scheduled"`) {
		t.Fatalf("schedule: %s", text)
	}
	posts, err := f.svc.ListPosts(context.Background(), PostFilter{ArticleID: "b1"})
	if err != nil || len(posts) != 1 {
		t.Fatalf("posts=%d err=%v", len(posts), err)
	}

	text, isErr = callTool(t, cs, "cadence_cancel_post", map[string]any{"post_id": posts[0].ID, "reason": "retracted"})
	if isErr || !strings.Contains(text, `"cancelled":true`) {
		t.Fatalf("cancel: %s", text)
	}
	if _, isErr = callTool(t, cs, "cadence_cancel_post", map[string]any{"post_id": "post_missing"}); !isErr {
		t.Fatal("cancel of a missing post must be a tool error")
	}

	text, isErr = callTool(t, cs, "cadence_check_eligibility", map[string]any{"content_id": "b1"})
	if isErr || !strings.Contains(text, `"is_eligible":false`) {
		t.Fatalf("eligibility: %s", text)
	}

	f.article(t, "w1", Evergreen, 150*24*time.Hour, 0.2, "Notes from the newsroom")
	text, isErr = callTool(t, cs, "cadence_check_eligibility", map[string]any{
		"content_id": "w1",
		"criteria":   map[string]any{"min_performance_score": 0},
	})
	if isErr || !strings.Contains(text, `"is_eligible":true`) {
		t.Fatalf("eligibility with zero score: %s", text)
	}
}
