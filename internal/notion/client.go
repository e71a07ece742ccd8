package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

const (
	defaultBaseURL     = "https://api.notion.com"
	defaultAPIVersion  = "2022-06-28"
	defaultHTTPTimeout = 20 * time.Second
	defaultMaxRetries  = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second

	// Open pages are everything whose progress status is not Done.
	progressProperty = "progress"
	doneStatus       = "Done"
)

// ClientOptions configures a Notion database client.
type ClientOptions struct {
	APIKey     string
	DatabaseID string
	BaseURL    string
	HTTPClient *http.Client
	APIVersion string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// Client performs schema reads and page mutations against one Notion
// database.
type Client struct {
	apiKey     string
	databaseID string
	baseURL    string
	httpClient *http.Client
	apiVersion string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("notion client requires an api key")
	}
	if strings.TrimSpace(opts.DatabaseID) == "" {
		return nil, fmt.Errorf("notion client requires a database id")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
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
		apiKey:     opts.APIKey,
		databaseID: opts.DatabaseID,
		baseURL:    baseURL,
		httpClient: httpClient,
		apiVersion: apiVersion,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}, nil
}

type optionName struct {
	Name string `json:"name"`
}

type optionContainer struct {
	Options []optionName `json:"options"`
}

type databaseProperty struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Select      optionContainer `json:"select"`
	MultiSelect optionContainer `json:"multi_select"`
	Status      optionContainer `json:"status"`
}

func (p databaseProperty) optionNames() []string {
	var options []optionName
	switch p.Type {
	case "select":
		options = p.Select.Options
	case "multi_select":
		options = p.MultiSelect.Options
	case "status":
		options = p.Status.Options
	default:
		return nil
	}
	names := make([]string, 0, len(options))
	for _, option := range options {
		names = append(names, option.Name)
	}
	return names
}

// FetchSchema retrieves the database definition and reduces each property to
// its type plus, for the choice-typed properties, the option names.
func (c *Client) FetchSchema(ctx context.Context) (pipeline.DatabaseSchema, error) {
	c.logger.Info("retrieving notion database schema", zap.String("database_id", c.databaseID))
	var response struct {
		Properties map[string]databaseProperty `json:"properties"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/databases/"+c.databaseID, nil, &response); err != nil {
		return nil, fmt.Errorf("retrieve database: %w", err)
	}
	schema := make(pipeline.DatabaseSchema, len(response.Properties))
	for _, prop := range response.Properties {
		if prop.Name == "" || prop.Type == "" {
			continue
		}
		entry := pipeline.PropertySchema{Type: prop.Type}
		if names := prop.optionNames(); len(names) > 0 {
			entry.Options = names
		}
		schema[prop.Name] = entry
	}
	c.logger.Info("notion database schema simplified", zap.Int("properties", len(schema)))
	return schema, nil
}

type richTextItem struct {
	PlainText string `json:"plain_text"`
}

type dateValue struct {
	Start string `json:"start"`
}

type propertyValue struct {
	Type        string         `json:"type"`
	RichText    []richTextItem `json:"rich_text"`
	Status      *optionName    `json:"status"`
	Select      *optionName    `json:"select"`
	Date        *dateValue     `json:"date"`
	MultiSelect []optionName   `json:"multi_select"`
}

type queryRequest struct {
	Filter      map[string]any `json:"filter"`
	StartCursor string         `json:"start_cursor,omitempty"`
}

type queryResponse struct {
	Results []struct {
		ID         string                   `json:"id"`
		Properties map[string]propertyValue `json:"properties"`
	} `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// QueryOpenPages pages through every database entry whose progress status is
// not Done and reduces each to the text used for retrieval. Pages whose
// properties yield no text are skipped.
func (c *Client) QueryOpenPages(ctx context.Context) ([]pipeline.Page, error) {
	c.logger.Info("querying notion database for open pages", zap.String("database_id", c.databaseID))
	var pages []pipeline.Page
	cursor := ""
	for {
		request := queryRequest{
			Filter: map[string]any{
				"property": progressProperty,
				"status":   map[string]any{"does_not_equal": doneStatus},
			},
			StartCursor: cursor,
		}
		var response queryResponse
		if err := c.call(ctx, http.MethodPost, "/v1/databases/"+c.databaseID+"/query", request, &response); err != nil {
			return nil, fmt.Errorf("query database: %w", err)
		}
		for _, result := range response.Results {
			content := extractTextFromProperties(result.Properties)
			if result.ID == "" || content == "" {
				continue
			}
			pages = append(pages, pipeline.Page{ID: result.ID, Content: content})
		}
		c.logger.Info("retrieved notion page batch",
			zap.Int("results", len(response.Results)),
			zap.Bool("has_more", response.HasMore),
		)
		if !response.HasMore || response.NextCursor == "" {
			break
		}
		cursor = response.NextCursor
	}
	c.logger.Info("open notion pages collected", zap.Int("pages", len(pages)))
	return pages, nil
}

// CreatePage adds a page to the database with the given properties.
func (c *Client) CreatePage(ctx context.Context, properties map[string]any) error {
	c.logger.Info("creating notion page")
	payload := map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": properties,
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/pages", payload, &created); err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	c.logger.Info("notion page created", zap.String("page_id", created.ID))
	return nil
}

// UpdatePage overwrites the given properties on an existing page.
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	c.logger.Info("updating notion page", zap.String("page_id", pageID))
	payload := map[string]any{"properties": properties}
	if err := c.call(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, nil); err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return nil
}

// ArchivePage removes a page from the database's active view.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	c.logger.Info("archiving notion page", zap.String("page_id", pageID))
	payload := map[string]any{"archived": true}
	if err := c.call(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, nil); err != nil {
		return fmt.Errorf("archive page: %w", err)
	}
	return nil
}

// extractTextFromProperties flattens the retrieval-relevant properties of a
// page into "Key: value" lines. Property names are matched case-insensitively
// and empty values are dropped.
func extractTextFromProperties(properties map[string]propertyValue) string {
	var description, progress, priority, deadline, tags string
	for name, value := range properties {
		switch strings.ToLower(name) {
		case "description":
			if value.Type != "rich_text" {
				continue
			}
			var parts []string
			for _, item := range value.RichText {
				parts = append(parts, item.PlainText)
			}
			description = strings.TrimSpace(strings.Join(parts, ""))
		case "progress":
			if value.Type == "status" && value.Status != nil {
				progress = value.Status.Name
			}
		case "priority":
			if value.Type == "select" && value.Select != nil {
				priority = value.Select.Name
			}
		case "deadline":
			if value.Type == "date" && value.Date != nil {
				deadline = value.Date.Start
			}
		case "tags":
			if value.Type != "multi_select" {
				continue
			}
			var names []string
			for _, tag := range value.MultiSelect {
				if tag.Name != "" {
					names = append(names, tag.Name)
				}
			}
			tags = strings.Join(names, ", ")
		}
	}

	var lines []string
	for _, entry := range []struct{ key, value string }{
		{"Description", description},
		{"Progress", progress},
		{"Priority", priority},
		{"Deadline", deadline},
		{"Tags", tags},
	} {
		if entry.value != "" {
			lines = append(lines, entry.key+": "+entry.value)
		}
	}
	return strings.Join(lines, "\n")
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
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
				return fmt.Errorf("decode notion response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errCode := ""
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				errCode = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		if errCode != "" {
			return fmt.Errorf("notion request failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		}
		return fmt.Errorf("notion request failed: status=%d message=%s", resp.StatusCode, errMessage)
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
