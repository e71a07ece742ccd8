package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultModel = "gemini-embedding-001"

// Engine generates retrieval embeddings through the Gemini API. Documents
// and queries use their dedicated task types so the model places them in the
// same space from opposite sides.
type Engine struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewEngine(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Engine, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("embedding engine requires an api key")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Engine{client: client, model: model, logger: logger}, nil
}

// EmbedDocuments embeds page contents for indexing.
func (e *Engine) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, genai.TaskTypeRetrievalDocument)
}

// EmbedQuery embeds a single search query.
func (e *Engine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, genai.TaskTypeRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Engine) embed(ctx context.Context, texts []string, taskType genai.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentRequest{TaskType: taskType},
	)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding returned for text %d", i)
		}
		vectors[i] = emb.Values
	}
	e.logger.Debug("embeddings generated",
		zap.Int("texts", len(texts)),
		zap.String("task_type", string(taskType)),
	)
	return vectors, nil
}

func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
