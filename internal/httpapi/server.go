package httpapi

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

// UpdateSink receives webhook updates for asynchronous processing.
type UpdateSink interface {
	EnqueuePushed(update pipeline.Update) error
}

type ServerConfig struct {
	// WebhookSecret is the token Telegram echoes back in
	// X-Telegram-Bot-Api-Secret-Token. Requests are refused until it is set.
	WebhookSecret string
	// AllowedCIDRs restricts webhook callers to Telegram's published ranges.
	AllowedCIDRs    []string
	MaxBodyBytes    int64
	RateLimitMax    int // zero disables the limiter
	RateLimitWindow time.Duration
}

// Server exposes the Telegram webhook and a health probe. Every check on the
// webhook path answers before any work is queued: rejected deliveries must
// not consume pipeline capacity.
type Server struct {
	sink        UpdateSink
	dedupe      *pipeline.DeliveryCache
	cfg         ServerConfig
	networks    []*net.IPNet
	rateLimiter *rateLimiter
	logger      *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(sink UpdateSink, dedupe *pipeline.DeliveryCache, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if dedupe == nil {
		return nil, fmt.Errorf("server requires a delivery cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	networks := make([]*net.IPNet, 0, len(cfg.AllowedCIDRs))
	for _, cidr := range cfg.AllowedCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid allowed cidr %q: %w", cidr, err)
		}
		networks = append(networks, network)
	}

	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		sink:        sink,
		dedupe:      dedupe,
		cfg:         cfg,
		networks:    networks,
		rateLimiter: limiter,
		logger:      logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/telegram/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", "")
}

// handleWebhook walks the admission checks in a fixed order: availability,
// secret, source IP, content type, payload, dedup. Ordering matters, the
// cheap header checks run before the body is even read.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	clientIP := extractClientIP(r)

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientIP, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID)
			return
		}
	}

	if s.sink == nil {
		s.logger.Error("webhook received but no update sink is registered",
			zap.String("request_id", requestID))
		writeError(w, http.StatusServiceUnavailable, "not_ready", "Update handler not ready.", requestID)
		return
	}
	if s.cfg.WebhookSecret == "" {
		s.logger.Error("webhook secret is not initialized",
			zap.String("request_id", requestID))
		writeError(w, http.StatusServiceUnavailable, "not_ready", "Webhook secret unavailable.", requestID)
		return
	}

	secret := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if secret == "" {
		s.logger.Warn("webhook rejected: missing secret token header",
			zap.String("request_id", requestID))
		writeError(w, http.StatusForbidden, "forbidden", "Missing secret token.", requestID)
		return
	}
	if !hmac.Equal([]byte(secret), []byte(s.cfg.WebhookSecret)) {
		s.logger.Warn("webhook rejected: invalid secret token",
			zap.String("request_id", requestID))
		writeError(w, http.StatusForbidden, "forbidden", "Invalid secret token.", requestID)
		return
	}

	if clientIP == "" {
		s.logger.Warn("webhook rejected: unable to determine client ip",
			zap.String("request_id", requestID))
		writeError(w, http.StatusForbidden, "forbidden", "Unable to determine client IP.", requestID)
		return
	}
	if !s.ipAllowed(clientIP) {
		s.logger.Warn("webhook rejected: source ip outside allowed ranges",
			zap.String("request_id", requestID),
			zap.String("client_ip", clientIP))
		writeError(w, http.StatusForbidden, "forbidden", "Forbidden source IP.", requestID)
		return
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		s.logger.Warn("webhook rejected: unsupported content type",
			zap.String("request_id", requestID),
			zap.String("content_type", contentType))
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json.", requestID)
		return
	}

	body, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return
	}
	var update pipeline.Update
	if err := json.Unmarshal(body, &update); err != nil {
		s.logger.Error("failed to parse webhook payload",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid JSON payload.", requestID)
		return
	}
	if update.ID <= 0 {
		s.logger.Warn("webhook payload is not a telegram update",
			zap.String("request_id", requestID))
		writeError(w, http.StatusBadRequest, "bad_request", "Unable to deserialize Telegram update.", requestID)
		return
	}

	if !s.dedupe.MarkIfNew(update.ID) {
		s.logger.Info("skipping duplicate webhook update",
			zap.String("request_id", requestID),
			zap.Int64("update_id", update.ID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := s.sink.EnqueuePushed(update); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			// 503 makes Telegram redeliver later instead of dropping the update.
			s.logger.Warn("update queue full, deferring delivery",
				zap.String("request_id", requestID),
				zap.Int64("update_id", update.ID))
			writeError(w, http.StatusServiceUnavailable, "overloaded", "Update queue full.", requestID)
			return
		}
		s.logger.Error("failed to enqueue webhook update",
			zap.String("request_id", requestID),
			zap.Int64("update_id", update.ID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to queue update.", requestID)
		return
	}

	s.logger.Info("webhook update accepted",
		zap.String("request_id", requestID),
		zap.Int64("update_id", update.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// extractClientIP prefers the proxy headers set by the edge, falling back to
// the socket peer.
func extractClientIP(r *http.Request) string {
	for _, header := range []string{"CF-Connecting-IP", "X-Real-IP"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (s *Server) ipAllowed(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		s.logger.Warn("invalid client ip received", zap.String("client_ip", value))
		return false
	}
	for _, network := range s.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, requestID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
