package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

// Prompt template names the planner renders.
const (
	MainPromptName        = "gemini_main"
	StructuringPromptName = "thought_structuring"
)

// intentSchemaJSON describes one decision-stage intent. The data payload is
// restricted to the Notion property shapes the database understands.
const intentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["create", "update", "archive"]},
		"page_id": {"type": "string"},
		"data": {
			"type": "object",
			"properties": {
				"Name":        {"type": "object", "properties": {"title": {"type": "array"}}, "required": ["title"]},
				"description": {"type": "object", "properties": {"rich_text": {"type": "array"}}, "required": ["rich_text"]},
				"progress":    {"type": "object", "properties": {"status": {"type": "object"}}, "required": ["status"]},
				"priority":    {"type": "object", "properties": {"select": {"type": "object"}}, "required": ["select"]},
				"deadline":    {"type": "object", "properties": {"date": {"type": "object"}}, "required": ["date"]},
				"tags":        {"type": "object", "properties": {"multi_select": {"type": "array"}}, "required": ["multi_select"]}
			},
			"additionalProperties": false
		}
	},
	"required": ["action"],
	"additionalProperties": false
}`

// Completer is the model call the planner builds on.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// PromptRenderer fills named prompt templates.
type PromptRenderer interface {
	Render(name string, vars map[string]string) (string, error)
}

// PlannerOptions configures the decision-stage planner.
type PlannerOptions struct {
	Completer Completer
	Prompts   PromptRenderer
	// Location sets the timezone for the prompt's {today} date.
	Location *time.Location
	Logger   *zap.Logger
}

// Planner turns extracted thoughts into typed mutation intents via two model
// calls: one structuring pass and one decision pass.
type Planner struct {
	completer    Completer
	prompts      PromptRenderer
	location     *time.Location
	intentSchema *jsonschema.Schema
	logger       *zap.Logger
	now          func() time.Time
}

func NewPlanner(opts PlannerOptions) (*Planner, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("planner requires a completer")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("planner requires a prompt renderer")
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := compileIntentSchema()
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	return &Planner{
		completer:    opts.Completer,
		prompts:      opts.Prompts,
		location:     location,
		intentSchema: schema,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func compileIntentSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intentSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("intent.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("intent.json")
}

// StructureThoughts runs the structuring prompt over the whole batch and
// decodes the model's JSON array of structured thoughts.
func (p *Planner) StructureThoughts(ctx context.Context, thoughts []string) ([]pipeline.StructuredThought, error) {
	if len(thoughts) == 0 {
		return nil, nil
	}
	prompt, err := p.prompts.Render(StructuringPromptName, map[string]string{
		"thoughts": strings.Join(thoughts, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("render structuring prompt: %w", err)
	}
	p.logger.Info("structuring thought batch", zap.Int("thoughts", len(thoughts)))
	raw, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("structuring call: %w", err)
	}
	var structured []pipeline.StructuredThought
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &structured); err != nil {
		return nil, fmt.Errorf("decode structuring response: %w", err)
	}
	p.logger.Info("thoughts structured", zap.Int("structured", len(structured)))
	return structured, nil
}

// PlanMutations runs the main decision prompt and decodes the model's JSON
// array into mutation intents. Intents failing the payload schema are
// dropped with a warning; the rest of the batch survives.
func (p *Planner) PlanMutations(ctx context.Context, thoughts []string, schema pipeline.DatabaseSchema, retrievedContext string) ([]pipeline.MutationIntent, error) {
	if len(thoughts) == 0 {
		return nil, nil
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt, err := p.prompts.Render(MainPromptName, map[string]string{
		"schema":              string(schemaJSON),
		"today":               p.now().In(p.location).Format("2006-01-02"),
		"thoughts":            strings.Join(thoughts, "\n\n---\n\n"),
		"retrieved_documents": retrievedContext,
	})
	if err != nil {
		return nil, fmt.Errorf("render decision prompt: %w", err)
	}
	p.logger.Info("planning mutations", zap.Int("thoughts", len(thoughts)))
	raw, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("decision call: %w", err)
	}
	return p.decodeIntents(raw)
}

func (p *Planner) decodeIntents(raw string) ([]pipeline.MutationIntent, error) {
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(cleanJSONResponse(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode decision response: %w", err)
	}
	items, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("decision response is not a json array")
	}
	intents := make([]pipeline.MutationIntent, 0, len(items))
	for i, item := range items {
		if err := p.intentSchema.Validate(item); err != nil {
			p.logger.Warn("dropping intent failing schema validation", zap.Int("index", i), zap.Error(err))
			continue
		}
		entry, ok := item.(map[string]any)
		if !ok {
			p.logger.Warn("dropping non-object intent", zap.Int("index", i))
			continue
		}
		action, _ := entry["action"].(string)
		intent := pipeline.MutationIntent{Kind: pipeline.MutationKind(action)}
		if pageID, ok := entry["page_id"].(string); ok {
			intent.PageID = pageID
		}
		if data, ok := entry["data"].(map[string]any); ok {
			intent.Properties = data
		}
		intents = append(intents, intent)
	}
	p.logger.Info("mutation intents decoded",
		zap.Int("intents", len(intents)),
		zap.Int("dropped", len(items)-len(intents)),
	)
	return intents, nil
}

// cleanJSONResponse strips a surrounding markdown code fence, language tag
// included, from the model output.
func cleanJSONResponse(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = cleaned[3:]
		cleaned = strings.TrimLeft(cleaned, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		cleaned = strings.TrimLeft(cleaned, " \t\r\n")
	}
	if strings.HasSuffix(cleaned, "```") {
		cleaned = cleaned[:len(cleaned)-3]
	}
	return strings.TrimSpace(cleaned)
}
