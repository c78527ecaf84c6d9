package cadence

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/cadence/kit"
)

// HandlerConfig protects the admin routes with HTTP basic auth. An empty
// AdminPasswordHash disables them.
type HandlerConfig struct {
	AdminUser string
	// AdminPasswordHash is a bcrypt hash.
	AdminPasswordHash string
}

const maxBody = 1 << 20

// NewHandler returns the JSON API of svc.
func NewHandler(svc *Service, hc HandlerConfig) http.Handler {
	if hc.AdminUser == "" {
		hc.AdminUser = "admin"
	}
	r := chi.NewRouter()
	r.Use(apiHeaders, limitBody(maxBody))
	r.Use(requestContext)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			writeJSON(w, 503, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, 200, map[string]any{"status": "ok", "stats": st})
	})
	r.Handle("/metrics", promhttp.HandlerFor(svc.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/articles/{id}", func(r chi.Router) {
		r.Put("/", func(w http.ResponseWriter, r *http.Request) {
			var a Article
			if !decode(w, r, &a) {
				return
			}
			a.ID = chi.URLParam(r, "id")
			if err := svc.UpsertArticle(r.Context(), &a); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, &a)
		})
		r.Put("/score", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Score float64 `json:"performance_score"`
			}
			if !decode(w, r, &req) {
				return
			}
			if err := svc.SetPerformanceScore(r.Context(), chi.URLParam(r, "id"), req.Score); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/eligibility", func(w http.ResponseWriter, r *http.Request) {
			c, err := queryCriteria(r, svc.EligibilityCriteria())
			if err != nil {
				writeError(w, err)
				return
			}
			el, err := svc.CheckEligibility(r.Context(), chi.URLParam(r, "id"), c)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, el)
		})
		r.Post("/recycling-schedule", func(w http.ResponseWriter, r *http.Request) {
			rs, err := svc.CreateRecycleSchedule(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, rs)
		})
		r.Post("/recycle", func(w http.ResponseWriter, r *http.Request) {
			var req RecycleRequest
			if !decodeOptional(w, r, &req) {
				return
			}
			req.ArticleID = chi.URLParam(r, "id")
			out, err := svc.RecycleContent(r.Context(), req)
			if out == nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, withWarnings(out, err))
		})
		r.Post("/performance", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				RecycleDate time.Time `json:"recycle_date"`
				EngagementMetrics
			}
			if !decode(w, r, &req) {
				return
			}
			entry, err := svc.TrackRecyclePerformance(r.Context(), chi.URLParam(r, "id"), req.RecycleDate, req.EngagementMetrics)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, entry)
		})
		r.Post("/posts", func(w http.ResponseWriter, r *http.Request) {
			var req ArticleRequest
			if !decodeOptional(w, r, &req) {
				return
			}
			req.ArticleID = chi.URLParam(r, "id")
			posts, err := svc.ScheduleArticle(r.Context(), req)
			if len(posts) == 0 && err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, withWarnings(map[string]any{"posts": posts}, err))
		})
	})

	r.Route("/api/posts", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req ScheduleRequest
			if !decode(w, r, &req) {
				return
			}
			p, err := svc.SchedulePost(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, p)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			posts, err := svc.ListPosts(r.Context(), PostFilter{
				Status:    Status(q.Get("status")),
				Platform:  Platform(q.Get("platform")),
				ArticleID: q.Get("article_id"),
				Limit:     queryInt(r, "limit", 100),
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, posts)
		})
		r.Get("/stale", func(w http.ResponseWriter, r *http.Request) {
			older, err := queryDuration(r, "older_than")
			if err != nil {
				writeError(w, err)
				return
			}
			posts, err := svc.StalePosts(r.Context(), older, queryInt(r, "limit", 100))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, posts)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := svc.GetPost(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, p)
		})
		r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			evs, err := svc.Events(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, evs)
		})
		r.Post("/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Reason string `json:"reason"`
			}
			if !decodeOptional(w, r, &req) {
				return
			}
			res, err := svc.CancelPost(r.Context(), chi.URLParam(r, "id"), req.Reason)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})
		r.Post("/{id}/reschedule", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ScheduledAt *time.Time `json:"scheduled_at"`
			}
			if !decodeOptional(w, r, &req) {
				return
			}
			p, err := svc.ReschedulePost(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, p)
		})
	})

	r.Get("/api/preview", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		p, err := ParsePlatform(q.Get("platform"))
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := svc.PreviewTime(r.Context(), ContentType(q.Get("content_type")), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, res)
	})
	r.Get("/api/recycling/eligible", func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.FindEligibleContent(r.Context(), queryInt(r, "limit", 10))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, list)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireAdmin(hc))
		r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, svc.SchedulingConfig())
		})
		r.Put("/config", func(w http.ResponseWriter, r *http.Request) {
			cfg, err := readSchedulingConfig(r)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := svc.UpdateSchedulingConfig(r.Context(), cfg); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, cfg)
		})
		r.Put("/routes/{platform}", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Strategy string      `json:"strategy"`
				Endpoint string      `json:"endpoint"`
				Config   RouteConfig `json:"config"`
			}
			if !decode(w, r, &req) {
				return
			}
			p := Platform(chi.URLParam(r, "platform"))
			if err := svc.SetRoute(r.Context(), p, req.Strategy, req.Endpoint, req.Config); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"platform": string(p), "strategy": req.Strategy})
		})
		r.Post("/requeue", func(w http.ResponseWriter, r *http.Request) {
			n, err := svc.RequeueScheduled(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]int{"requeued": n})
		})
		r.Post("/recycle-sweep", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.RecycleDue(r.Context(), queryInt(r, "limit", 0))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})
	})
	return r
}

// requestContext tags the request context with its transport and request id.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(hc HandlerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hc.AdminPasswordHash == "" {
				writeJSON(w, 403, map[string]string{"error": "admin API disabled"})
				return
			}
			user, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(hc.AdminUser)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hc.AdminPasswordHash), []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="cadence"`)
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithActor(r.Context(), user)))
		})
	}
}

// readSchedulingConfig accepts JSON, or YAML when the content type says so.
func readSchedulingConfig(r *http.Request) (*SchedulingConfig, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return ParseConfigYAML(body)
	}
	var cfg SchedulingConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &ValidationError{Field: "config", Reason: err.Error()}
	}
	return &cfg, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, 400, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, 400, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func withWarnings(v any, err error) any {
	if err == nil {
		return v
	}
	return map[string]any{"result": v, "warnings": strings.Split(err.Error(), "\n")}
}

// statusOf maps service errors to HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return 400
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrStateConflict):
		return 409
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// queryCriteria overrides base with the threshold query parameters present.
// It returns nil when none is set.
func queryCriteria(r *http.Request, base Criteria) (*Criteria, error) {
	q := r.URL.Query()
	set := false
	ints := map[string]*int{
		"min_age_months":              &base.MinAgeMonths,
		"max_total_recycles":          &base.MaxTotalRecycles,
		"min_days_since_last_recycle": &base.MinDaysSinceLastRecycle,
	}
	for key, dst := range ints {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, &ValidationError{Field: key, Reason: "must be a non-negative integer"}
			}
			*dst, set = n, true
		}
	}
	if v := q.Get("min_performance_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, &ValidationError{Field: "min_performance_score", Reason: "must be within [0, 1]"}
		}
		base.MinPerformanceScore, set = f, true
	}
	if !set {
		return nil, nil
	}
	return &base, nil
}

func queryDuration(r *http.Request, key string) (time.Duration, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ValidationError{Field: key, Reason: fmt.Sprintf("invalid duration %q", s)}
	}
	return d, nil
}

// apiHeaders marks every response as an uncacheable JSON API answer.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
