package publisher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// maxResponseBody caps how much of a gateway response is read.
const maxResponseBody int64 = 1 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// BreakerConfig tunes the per-platform circuit breaker.
type BreakerConfig struct {
	// Failures out of the last Requests executions that open the breaker.
	Failures uint
	Requests uint
	// Delay before an open breaker lets a trial request through.
	Delay time.Duration
}

func (c *BreakerConfig) defaults() {
	if c.Requests == 0 {
		c.Requests = 10
	}
	if c.Failures == 0 {
		c.Failures = 5
	}
	if c.Failures > c.Requests {
		c.Failures = c.Requests
	}
	if c.Delay <= 0 {
		c.Delay = 30 * time.Second
	}
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Endpoint string
	// Secret signs request bodies when set.
	Secret  string
	Timeout time.Duration
	Breaker BreakerConfig
	Logger  *slog.Logger
}

func (c *HTTPConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Breaker.defaults()
}

// HTTPTransport POSTs requests as JSON to a platform gateway. The gateway
// answers 2xx with a Result body. 4xx is a rejection and does not count
// against the breaker; transport errors and 5xx do.
type HTTPTransport struct {
	platform string
	endpoint string
	secret   []byte
	client   *http.Client
	breaker  circuitbreaker.CircuitBreaker[*Result]
}

// NewHTTPTransport validates the endpoint and builds the transport.
func NewHTTPTransport(platform string, cfg HTTPConfig) (*HTTPTransport, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &RouteConfigError{Platform: platform, Reason: fmt.Sprintf("invalid endpoint %q", cfg.Endpoint)}
	}

	logger := cfg.Logger
	breaker := circuitbreaker.NewBuilder[*Result]().
		WithFailureThresholdRatio(cfg.Breaker.Failures, cfg.Breaker.Requests).
		WithDelay(cfg.Breaker.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ *Result, err error) bool {
			return err != nil && KindOf(err) != KindRejected
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("publisher: circuit breaker state change",
				"platform", platform, "from", e.OldState, "to", e.NewState)
		}).
		Build()

	return &HTTPTransport{
		platform: platform,
		endpoint: cfg.Endpoint,
		secret:   []byte(cfg.Secret),
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
	}, nil
}

// Publish implements Publisher.
func (t *HTTPTransport) Publish(ctx context.Context, req *Request) (*Result, error) {
	res, err := failsafe.With[*Result](t.breaker).WithContext(ctx).Get(func() (*Result, error) {
		return t.post(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &Error{Platform: t.platform, Kind: KindCircuitOpen, Err: err}
	}
	return res, err
}

// BreakerOpen reports whether the breaker is currently rejecting calls.
func (t *HTTPTransport) BreakerOpen() bool { return t.breaker.IsOpen() }

// Close drops idle connections.
func (t *HTTPTransport) Close() { t.client.CloseIdleConnections() }

func (t *HTTPTransport) post(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Platform: t.platform, Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Platform: t.platform, Kind: KindNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Cadence-Platform", t.platform)
	if len(t.secret) > 0 {
		hreq.Header.Set(SignatureHeader, "sha256="+Sign(t.secret, body))
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, &Error{Platform: t.platform, Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Platform: t.platform, Kind: KindNetwork, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Platform: t.platform, Kind: KindRejected, Status: resp.StatusCode, Err: errors.New(snippet(data))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Platform: t.platform, Kind: KindPlatform, Status: resp.StatusCode, Err: errors.New(snippet(data))}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &Error{Platform: t.platform, Kind: KindPlatform, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if res.PlatformPostID == "" {
		return nil, &Error{Platform: t.platform, Kind: KindPlatform, Status: resp.StatusCode, Err: errors.New("response carries no post id")}
	}
	return &res, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value, with or without the "sha256="
// prefix. Gateways use it to authenticate cadence.
func Verify(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(signature)
	if err != nil || len(decoded) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
