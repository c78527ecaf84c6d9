package cadence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/cadence/kit"
)

// RegisterMCP registers the cadence tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSchedulePost(srv)
	s.registerCancelPost(srv)
	s.registerReschedulePost(srv)
	s.registerPreviewTime(srv)
	s.registerListPosts(srv)
	s.registerStalePosts(srv)
	s.registerCheckEligibility(srv)
	s.registerRecycleContent(srv)
}

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger, tool.Name)(ep), decode)
}

var (
	propPlatform    = map[string]any{"type": "string", "enum": []string{"facebook", "twitter", "instagram"}}
	propContentType = map[string]any{"type": "string", "enum": []string{"breaking_news", "normal_news", "blog", "evergreen", "recycled"}}
)

func (s *Service) registerSchedulePost(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_schedule_post",
		Description: "Schedule a social post for an article. Without scheduled_at the engine picks the time from the content type and platform audience windows.",
		InputSchema: kit.InputSchema(map[string]any{
			"article_id":   map[string]any{"type": "string"},
			"platform":     propPlatform,
			"content_type": propContentType,
			"content":      map[string]any{"type": "string", "description": "Draft copy; defaults to the article title"},
			"scheduled_at": map[string]any{"type": "string", "format": "date-time"},
		}, "article_id", "platform"),
	}, func(ctx context.Context, r any) (any, error) {
		return s.SchedulePost(ctx, *r.(*ScheduleRequest))
	}, kit.DecodeArgs[ScheduleRequest]())
}

func (s *Service) registerCancelPost(srv *mcp.Server) {
	type req struct {
		PostID string `json:"post_id"`
		Reason string `json:"reason"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_cancel_post",
		Description: "Cancel a scheduled post. Posts already being delivered are refused.",
		InputSchema: kit.InputSchema(map[string]any{
			"post_id": map[string]any{"type": "string"},
			"reason":  map[string]any{"type": "string"},
		}, "post_id"),
	}, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.CancelPost(ctx, p.PostID, p.Reason)
	}, kit.DecodeArgs[req]())
}

func (s *Service) registerReschedulePost(srv *mcp.Server) {
	type req struct {
		PostID      string     `json:"post_id"`
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_reschedule_post",
		Description: "Reschedule a cancelled or failed post, at scheduled_at or at a freshly computed time.",
		InputSchema: kit.InputSchema(map[string]any{
			"post_id":      map[string]any{"type": "string"},
			"scheduled_at": map[string]any{"type": "string", "format": "date-time"},
		}, "post_id"),
	}, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ReschedulePost(ctx, p.PostID, p.ScheduledAt)
	}, kit.DecodeArgs[req]())
}

func (s *Service) registerPreviewTime(srv *mcp.Server) {
	type req struct {
		ContentType ContentType `json:"content_type"`
		Platform    Platform    `json:"platform"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_preview_time",
		Description: "Compute the publish time the engine would choose, without scheduling anything.",
		InputSchema: kit.InputSchema(map[string]any{
			"content_type": propContentType,
			"platform":     propPlatform,
		}, "content_type", "platform"),
	}, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.PreviewTime(ctx, p.ContentType, p.Platform)
	}, kit.DecodeArgs[req]())
}

func (s *Service) registerListPosts(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_list_posts",
		Description: "List posts, soonest first.",
		InputSchema: kit.InputSchema(map[string]any{
			"status":     map[string]any{"type": "string"},
			"platform":   propPlatform,
			"article_id": map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer"},
		}),
	}, func(ctx context.Context, r any) (any, error) {
		return s.ListPosts(ctx, *r.(*PostFilter))
	}, kit.DecodeArgs[PostFilter]())
}

func (s *Service) registerStalePosts(srv *mcp.Server) {
	type req struct {
		OlderThanMinutes int `json:"older_than_minutes"`
		Limit            int `json:"limit"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_stale_posts",
		Description: "List scheduled posts whose publish time passed without delivery.",
		InputSchema: kit.InputSchema(map[string]any{
			"older_than_minutes": map[string]any{"type": "integer"},
			"limit":              map[string]any{"type": "integer"},
		}),
	}, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.StalePosts(ctx, time.Duration(p.OlderThanMinutes)*time.Minute, p.Limit)
	}, kit.DecodeArgs[req]())
}

func (s *Service) registerCheckEligibility(srv *mcp.Server) {
	type req struct {
		ContentID string          `json:"content_id"`
		Criteria  json.RawMessage `json:"criteria"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_check_eligibility",
		Description: "Check whether an article may be recycled and why. Criteria fields override the configured thresholds one by one; 0 disables a threshold.",
		InputSchema: kit.InputSchema(map[string]any{
			"content_id": map[string]any{"type": "string"},
			"criteria":   map[string]any{"type": "object"},
		}, "content_id"),
	}, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		c, err := s.overlayCriteria(p.Criteria)
		if err != nil {
			return nil, err
		}
		return s.CheckEligibility(ctx, p.ContentID, c)
	}, kit.DecodeArgs[req]())
}

func (s *Service) registerRecycleContent(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "cadence_recycle_content",
		Description: "Republish an eligible evergreen or blog article on its platforms.",
		InputSchema: kit.InputSchema(map[string]any{
			"article_id": map[string]any{"type": "string"},
			"platforms":  map[string]any{"type": "array", "items": propPlatform},
			"content":    map[string]any{"type": "string"},
		}, "article_id"),
	}, func(ctx context.Context, r any) (any, error) {
		return s.RecycleContent(ctx, *r.(*RecycleRequest))
	}, kit.DecodeArgs[RecycleRequest]())
}
