package cadence

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewHandler(f.svc, HandlerConfig{AdminUser: "ops", AdminPasswordHash: string(hash)}))
	t.Cleanup(srv.Close)
	return f, srv
}

func call(t *testing.T, method, url, body string, auth bool) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.SetBasicAuth("ops", "s3cret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHTTPPostLifecycle(t *testing.T) {
	// WHAT: Articles and posts are managed over JSON; service errors map to
	// 400, 404 and 409.
	f, srv := newTestServer(t)
	published := f.clk.Now().Add(-time.Hour).Format(time.RFC3339)

	code, body := call(t, "PUT", srv.URL+"/api/articles/n1",
		`{"title":"Port strike ends","url":"https://news.test/n1","content_type":"normal_news","published_at":"`+published+`"}`, false)
	if code != 200 {
		t.Fatalf("upsert article: %d %s", code, body)
	}

	code, body = call(t, "POST", srv.URL+"/api/posts", `{"article_id":"n1","platform":"twitter"}`, false)
	if code != 201 {
		t.Fatalf("schedule: %d %s", code, body)
	}
	var post ScheduledPost
	if err := json.Unmarshal([]byte(body), &post); err != nil {
		t.Fatal(err)
	}
	if post.Status != StatusScheduled || post.SchedulingMetadata.Method != "quick" {
		t.Fatalf("post: %+v", post)
	}

	if code, body = call(t, "GET", srv.URL+"/api/posts/"+post.ID, "", false); code != 200 || !strings.Contains(body, post.ID) {
		t.Fatalf("get: %d %s", code, body)
	}
	if code, _ = call(t, "GET", srv.URL+"/api/posts/post_missing", "", false); code != 404 {
		t.Fatalf("get missing: %d", code)
	}
	if code, _ = call(t, "POST", srv.URL+"/api/posts", `{"article_id":"n1","platform":"myspace"}`, false); code != 400 {
		t.Fatalf("bad platform: %d", code)
	}
	if code, _ = call(t, "POST", srv.URL+"/api/posts", `{not json`, false); code != 400 {
		t.Fatalf("bad body: %d", code)
	}

	code, body = call(t, "POST", srv.URL+"/api/posts/"+post.ID+"/cancel", `{"reason":"duplicate"}`, false)
	if code != 200 || !strings.Contains(body, `"cancelled":true`) {
		t.Fatalf("cancel: %d %s", code, body)
	}
	if code, _ = call(t, "POST", srv.URL+"/api/posts/"+post.ID+"/cancel", "", false); code != 409 {
		t.Fatalf("second cancel: %d", code)
	}
	if code, body = call(t, "GET", srv.URL+"/api/posts?status=cancelled", "", false); code != 200 || !strings.Contains(body, post.ID) {
		t.Fatalf("list: %d %s", code, body)
	}
}

func TestHTTPPreview(t *testing.T) {
	_, srv := newTestServer(t)
	code, body := call(t, "GET", srv.URL+"/api/preview?content_type=breaking_news&platform=facebook", "", false)
	if code != 200 || !strings.Contains(body, `"calculation_method":"immediate"`) {
		t.Fatalf("preview: %d %s", code, body)
	}
	if code, _ = call(t, "GET", srv.URL+"/api/preview?content_type=blog&platform=orkut", "", false); code != 400 {
		t.Fatalf("bad platform: %d", code)
	}
	if code, _ = call(t, "GET", srv.URL+"/api/preview?content_type=gossip&platform=twitter", "", false); code != 400 {
		t.Fatalf("bad content type: %d", code)
	}
}

func TestHTTPAdminAuth(t *testing.T) {
	// WHAT: Admin routes need basic auth; a YAML config upload is applied.
	f, srv := newTestServer(t)

	if code, _ := call(t, "GET", srv.URL+"/api/admin/config", "", false); code != 401 {
		t.Fatalf("no auth: %d", code)
	}
	if code, body := call(t, "GET", srv.URL+"/api/admin/config", "", true); code != 200 || !strings.Contains(body, `"timezone"`) {
		t.Fatalf("with auth: %d %s", code, body)
	}

	req, _ := http.NewRequest("PUT", srv.URL+"/api/admin/config", bytes.NewBufferString("breaking_news_window_minutes: 90\n"))
	req.Header.Set("Content-Type", "application/yaml")
	req.SetBasicAuth("ops", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("put config: %d", resp.StatusCode)
	}
	if got := f.svc.SchedulingConfig().BreakingNewsWindowMinutes; got != 90 {
		t.Fatalf("window = %d", got)
	}

	if code, _ := call(t, "PUT", srv.URL+"/api/admin/routes/twitter", `{"strategy":"carrier-pigeon"}`, true); code != 400 {
		t.Fatalf("bad strategy: %d", code)
	}
	if code, body := call(t, "POST", srv.URL+"/api/admin/requeue", "", true); code != 200 || !strings.Contains(body, `"requeued":0`) {
		t.Fatalf("requeue: %d %s", code, body)
	}
}

func TestHTTPAdminDisabledWithoutHash(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewHandler(f.svc, HandlerConfig{}))
	defer srv.Close()
	if code, _ := call(t, "GET", srv.URL+"/api/admin/config", "", true); code != 403 {
		t.Fatalf("code = %d", code)
	}
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	f, srv := newTestServer(t)
	f.article(t, "b1", BreakingNews, time.Minute, 0, "Volcano erupts")
	if code, body := call(t, "POST", srv.URL+"/api/articles/b1/posts", `{"platforms":["twitter"]}`, false); code != 201 {
		t.Fatalf("fan-out: %d %s", code, body)
	}

	code, body := call(t, "GET", srv.URL+"/health", "", false)
	if code != 200 || !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"scheduled":1`) {
		t.Fatalf("health: %d %s", code, body)
	}
	code, body = call(t, "GET", srv.URL+"/metrics", "", false)
	if code != 200 || !strings.Contains(body, `cadence_posts_scheduled_total{method="immediate",platform="twitter"} 1`) {
		t.Fatalf("metrics: %d %s", code, body)
	}
}

func TestHTTPHardening(t *testing.T) {
	// WHAT: Every response carries the API headers and oversized bodies are
	// refused before they reach the service.
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control = %q", got)
	}

	f := newFixture(t)
	big := `{"article_id":"` + strings.Repeat("x", maxBody) + `","platform":"twitter"}`
	rec := httptest.NewRecorder()
	NewHandler(f.svc, HandlerConfig{}).ServeHTTP(rec, httptest.NewRequest("POST", "/api/posts", strings.NewReader(big)))
	if rec.Code != 400 {
		t.Fatalf("oversized body: %d", rec.Code)
	}
}

func TestHTTPEligibilityOverrides(t *testing.T) {
	// WHAT: Threshold query parameters override the configured criteria,
	// and an explicit zero minimum score is kept rather than defaulted.
	f, srv := newTestServer(t)
	f.article(t, "w1", Evergreen, 150*24*time.Hour, 0.2, "Notes from the newsroom")
	base := srv.URL + "/api/articles/w1/eligibility"

	if code, body := call(t, "GET", base, "", false); code != 200 || !strings.Contains(body, `"is_eligible":false`) {
		t.Fatalf("default: %d %s", code, body)
	}
	if code, body := call(t, "GET", base+"?min_performance_score=0", "", false); code != 200 || !strings.Contains(body, `"is_eligible":true`) {
		t.Fatalf("zero score: %d %s", code, body)
	}
	if code, _ := call(t, "GET", base+"?min_performance_score=2", "", false); code != 400 {
		t.Fatalf("out of range: %d", code)
	}
}
