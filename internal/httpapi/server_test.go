package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

const testSecret = "test-webhook-secret"

type recordingSink struct {
	mu      sync.Mutex
	err     error
	updates []pipeline.Update
}

func (s *recordingSink) EnqueuePushed(update pipeline.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    string
	remote  string
}

func doRequest(t *testing.T, server *Server, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.remote != "" {
		httpReq.RemoteAddr = req.remote
	}
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

// newTestServer allows 192.0.2.0/24, which covers httptest's default
// RemoteAddr of 192.0.2.1.
func newTestServer(t *testing.T, sink UpdateSink, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = testSecret
	}
	if cfg.AllowedCIDRs == nil {
		cfg.AllowedCIDRs = []string{"192.0.2.0/24"}
	}
	server, err := NewServer(sink, pipeline.NewDeliveryCache(16), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server
}

func webhookHeaders() map[string]string {
	return map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": testSecret,
		"Content-Type":                    "application/json",
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	message, _ := payload["message"].(string)
	return message
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status = %q, want ok", payload["status"])
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/telegram/webhook"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for GET on webhook path, got %d", rec.Code)
	}
}

func TestNewServerRejectsInvalidCIDR(t *testing.T) {
	_, err := NewServer(&recordingSink{}, pipeline.NewDeliveryCache(4), ServerConfig{
		WebhookSecret: testSecret,
		AllowedCIDRs:  []string{"not-a-cidr"},
	}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for invalid cidr")
	}
}

func TestWebhookAcceptsValidUpdate(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, sink, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 42, "message": {"text": "hello"}}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "accepted" {
		t.Errorf("status = %q, want accepted", payload["status"])
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d updates, want 1", sink.count())
	}
	sink.mu.Lock()
	got := sink.updates[0]
	sink.mu.Unlock()
	if got.ID != 42 || !got.HasText() {
		t.Errorf("enqueued update = %+v", got)
	}
}

func TestWebhookRequiresSecretHeader(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, sink, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: map[string]string{"Content-Type": "application/json"},
		body:    `{"update_id": 1}`,
		// the secret check runs before the source check
		remote: "198.51.100.7:9999",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Missing secret token." {
		t.Errorf("message = %q", got)
	}
	if sink.count() != 0 {
		t.Error("rejected update reached the sink")
	}
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})
	headers := webhookHeaders()
	headers["X-Telegram-Bot-Api-Secret-Token"] = "guess"

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: headers,
		body:    `{"update_id": 1}`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Invalid secret token." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookRejectsDisallowedSourceIP(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 1}`,
		remote:  "198.51.100.7:9999",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Forbidden source IP." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookHonorsProxyHeadersForSourceIP(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, sink, ServerConfig{})

	headers := webhookHeaders()
	headers["CF-Connecting-IP"] = "192.0.2.200"
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: headers,
		body:    `{"update_id": 7}`,
		remote:  "10.0.0.1:4444",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via proxy header, got %d (%s)", rec.Code, rec.Body.String())
	}

	headers = webhookHeaders()
	headers["X-Real-IP"] = "198.51.100.9"
	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: headers,
		body:    `{"update_id": 8}`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("proxy header should override remote addr, got %d", rec.Code)
	}
}

func TestWebhookRejectsUnparseableClientIP(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})
	headers := webhookHeaders()
	headers["CF-Connecting-IP"] = "not-an-ip"

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: headers,
		body:    `{"update_id": 1}`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Forbidden source IP." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookRequiresJSONContentType(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})
	headers := webhookHeaders()
	headers["Content-Type"] = "text/plain"

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: headers,
		body:    `{"update_id": 1}`,
	})
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id":`,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Invalid JSON payload." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookRejectsNonUpdatePayload(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"hello": "world"}`,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Unable to deserialize Telegram update." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookSkipsDuplicateDeliveries(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, sink, ServerConfig{})
	req := request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 99, "message": {"text": "once"}}`,
	}

	first := doRequest(t, server, req)
	second := doRequest(t, server, req)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes = %d, %d, want 200 for both", first.Code, second.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(second.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "duplicate" {
		t.Errorf("second delivery status = %q, want duplicate", payload["status"])
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d updates, want 1", sink.count())
	}
}

func TestWebhookDefersDeliveryWhenQueueFull(t *testing.T) {
	sink := &recordingSink{err: pipeline.ErrQueueFull}
	server := newTestServer(t, sink, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 5}`,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", rec.Code)
	}
}

func TestWebhookNotReadyWithoutSink(t *testing.T) {
	server := newTestServer(t, nil, ServerConfig{})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 1}`,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Update handler not ready." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookNotReadyWithoutSecret(t *testing.T) {
	server, err := NewServer(&recordingSink{}, pipeline.NewDeliveryCache(4), ServerConfig{
		AllowedCIDRs: []string{"192.0.2.0/24"},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 1}`,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Webhook secret unavailable." {
		t.Errorf("message = %q", got)
	}
}

func TestWebhookRateLimitsPerClient(t *testing.T) {
	sink := &recordingSink{}
	server := newTestServer(t, sink, ServerConfig{RateLimitMax: 1})

	first := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 1, "message": {"text": "a"}}`,
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d (%s)", first.Code, first.Body.String())
	}

	second := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 2, "message": {"text": "b"}}`,
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	server := newTestServer(t, &recordingSink{}, ServerConfig{MaxBodyBytes: 16})

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/telegram/webhook",
		headers: webhookHeaders(),
		body:    `{"update_id": 1, "message": {"text": "` + strings.Repeat("x", 64) + `"}}`,
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
