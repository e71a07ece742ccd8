package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL         = "https://api.gladia.io/v2"
	defaultPollingInterval = time.Second
	defaultJobTimeout      = 2 * time.Minute
	defaultHTTPTimeout     = 2 * time.Minute
	defaultMaxRetries      = 3
	defaultBaseDelay       = 100 * time.Millisecond
	defaultMaxDelay        = 2 * time.Second
)

// ClientOptions configures a Gladia transcription client.
type ClientOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// PollingInterval is the pause between result polls.
	PollingInterval time.Duration
	// TranscriptionTimeout bounds a whole Transcribe call, polling included.
	TranscriptionTimeout time.Duration
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	Logger               *zap.Logger
}

// Client transcribes audio through the Gladia pre-recorded API. A
// transcription is three calls: upload the audio, start the job, then poll
// the job's result URL until it settles.
type Client struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	pollingInterval time.Duration
	jobTimeout      time.Duration
	maxRetries      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	logger          *zap.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gladia client requires an api key")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	pollingInterval := opts.PollingInterval
	if pollingInterval <= 0 {
		pollingInterval = defaultPollingInterval
	}
	jobTimeout := opts.TranscriptionTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:          opts.APIKey,
		baseURL:         baseURL,
		httpClient:      httpClient,
		pollingInterval: pollingInterval,
		jobTimeout:      jobTimeout,
		maxRetries:      maxRetries,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		logger:          logger,
	}, nil
}

type transcriptionRequest struct {
	AudioURL       string `json:"audio_url"`
	DetectLanguage bool   `json:"detect_language"`
}

type jobResult struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Result       struct {
		Transcription struct {
			FullTranscript string `json:"full_transcript"`
		} `json:"transcription"`
	} `json:"result"`
}

// Transcribe uploads the audio and waits for the finished transcript. The
// whole exchange is bounded by the client's transcription timeout.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	audioURL, err := c.upload(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	c.logger.Info("gladia audio uploaded", zap.String("audio_url", audioURL))

	resultURL, err := c.startJob(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("start transcription: %w", err)
	}
	c.logger.Info("gladia transcription started", zap.String("result_url", resultURL))

	transcript, err := c.pollResult(ctx, resultURL)
	if err != nil {
		return "", err
	}
	c.logger.Info("gladia transcription finished", zap.Int("transcript_chars", len(transcript)))
	return transcript, nil
}

func (c *Client) upload(ctx context.Context, audio []byte) (string, error) {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="audio"; filename="voice.oga"`)
	header.Set("Content-Type", "audio/ogg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	var uploaded struct {
		AudioURL string `json:"audio_url"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/upload", form.Bytes(), writer.FormDataContentType(), &uploaded); err != nil {
		return "", err
	}
	if uploaded.AudioURL == "" {
		return "", fmt.Errorf("upload response missing audio_url")
	}
	return uploaded.AudioURL, nil
}

func (c *Client) startJob(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(transcriptionRequest{AudioURL: audioURL, DetectLanguage: true})
	if err != nil {
		return "", err
	}
	var job struct {
		ResultURL string `json:"result_url"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/pre-recorded", body, "application/json", &job); err != nil {
		return "", err
	}
	if job.ResultURL == "" {
		return "", fmt.Errorf("job response missing result_url")
	}
	return job.ResultURL, nil
}

// pollResult sleeps before every poll so a freshly started job is given a
// moment to make progress.
func (c *Client) pollResult(ctx context.Context, resultURL string) (string, error) {
	for {
		if err := sleepContext(ctx, c.pollingInterval); err != nil {
			return "", fmt.Errorf("waiting for transcription result: %w", err)
		}
		var result jobResult
		if err := c.do(ctx, http.MethodGet, resultURL, nil, "", &result); err != nil {
			return "", fmt.Errorf("fetch transcription result: %w", err)
		}
		switch result.Status {
		case "done":
			return result.Result.Transcription.FullTranscript, nil
		case "error":
			message := result.ErrorMessage
			if message == "" {
				message = "unknown transcription error"
			}
			return "", fmt.Errorf("transcription failed: %s", message)
		default:
			status := result.Status
			if status == "" {
				status = "unknown"
			}
			c.logger.Debug("gladia transcription pending", zap.String("status", status))
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string, out any) error {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("x-gladia-key", c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode gladia response: %w", err)
			}
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		return fmt.Errorf("gladia request failed: status=%d message=%s", resp.StatusCode, message)
	}
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
		return ctx.Err()
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
