package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

type ClientOptions struct {
	Token       string
	BaseURL     string
	HTTPClient  *http.Client
	PollTimeout int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zap.Logger
}

// Client talks to the Telegram Bot API. The bot token is part of every URL,
// so transport errors are scrubbed before they leave this package.
type Client struct {
	token       string
	baseURL     string
	httpClient  *http.Client
	pollTimeout int
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:       token,
		baseURL:     baseURL,
		httpClient:  httpClient,
		pollTimeout: pollTimeout,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}, nil
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// APIError is a Bot API rejection: the HTTP exchange worked but ok=false.
type APIError struct {
	StatusCode  int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api: status=%d code=%d description=%s", e.StatusCode, e.Code, e.Description)
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
}

// FetchUpdates long-polls getUpdates starting at offset.
func (c *Client) FetchUpdates(ctx context.Context, offset int64) ([]pipeline.Update, error) {
	c.logger.Info("fetching telegram updates", zap.Int64("offset", offset))
	var updates []pipeline.Update
	if err := c.call(ctx, "getUpdates", getUpdatesRequest{Offset: offset, Timeout: c.pollTimeout}, &updates); err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	c.logger.Info("telegram updates fetched", zap.Int("count", len(updates)))
	return updates, nil
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// DownloadVoice resolves the file path via getFile and fetches the bytes from
// the file endpoint.
func (c *Client) DownloadVoice(ctx context.Context, fileID string) ([]byte, error) {
	var info fileInfo
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &info); err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if strings.TrimSpace(info.FilePath) == "" {
		return nil, fmt.Errorf("get file: no file path returned for %s", fileID)
	}

	url := c.baseURL + "/file/bot" + c.token + "/" + strings.TrimPrefix(info.FilePath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.scrub(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.scrub(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download voice file: status=%d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download voice file: %w", err)
	}
	c.logger.Info("voice file downloaded",
		zap.String("file_id", fileID),
		zap.Int("bytes", len(audio)))
	return audio, nil
}

type setWebhookRequest struct {
	URL                string `json:"url"`
	SecretToken        string `json:"secret_token,omitempty"`
	DropPendingUpdates bool   `json:"drop_pending_updates,omitempty"`
}

// SetWebhook registers url for push deliveries, carrying the shared secret
// Telegram echoes back on every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string, dropPendingUpdates bool) error {
	var accepted bool
	err := c.call(ctx, "setWebhook", setWebhookRequest{
		URL:                url,
		SecretToken:        secretToken,
		DropPendingUpdates: dropPendingUpdates,
	}, &accepted)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if !accepted {
		return errors.New("set webhook: telegram declined the webhook url")
	}
	return nil
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates,omitempty"`
}

// DeleteWebhook removes any configured webhook so getUpdates polling works.
func (c *Client) DeleteWebhook(ctx context.Context, dropPendingUpdates bool) error {
	var removed bool
	if err := c.call(ctx, "deleteWebhook", deleteWebhookRequest{DropPendingUpdates: dropPendingUpdates}, &removed); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	if c == nil {
		return errors.New("telegram client is nil")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + "/bot" + c.token + "/" + method

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return c.scrub(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return c.scrub(err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return c.scrub(readErr)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var envelope apiEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("%s: decoding response: %w", method, err)
		}
		if !envelope.OK {
			return &APIError{
				StatusCode:  resp.StatusCode,
				Code:        envelope.ErrorCode,
				Description: envelope.Description,
			}
		}
		if result != nil {
			if err := json.Unmarshal(envelope.Result, result); err != nil {
				return fmt.Errorf("%s: decoding result: %w", method, err)
			}
		}
		return nil
	}
}

// scrub removes the bot token from transport errors; net/http embeds the full
// request URL in them.
func (c *Client) scrub(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.token, "<redacted>"))
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
