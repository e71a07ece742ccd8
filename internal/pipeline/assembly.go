package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ContextAssembler builds the retrieved-documents block for the decision
// prompt. Failures degrade to fixed sentinel strings instead of errors so the
// decision stage always receives a well-formed instruction.
type ContextAssembler struct {
	planner   Planner
	retriever Retriever
	topK      int
	logger    *zap.Logger
}

func NewContextAssembler(planner Planner, retriever Retriever, topK int, logger *zap.Logger) *ContextAssembler {
	if topK <= 0 {
		topK = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextAssembler{
		planner:   planner,
		retriever: retriever,
		topK:      topK,
		logger:    logger,
	}
}

func (c *ContextAssembler) AssembleContext(ctx context.Context, thoughts []ExtractedThought) string {
	texts := make([]string, len(thoughts))
	for i, thought := range thoughts {
		texts[i] = thought.Text
	}
	structured, err := c.planner.StructureThoughts(ctx, texts)
	if err != nil {
		c.logger.Warn("thought structuring failed, proceeding without retrieval", zap.Error(err))
		return StructuringFailedSentinel
	}
	if len(structured) == 0 {
		c.logger.Warn("thought structuring returned nothing, proceeding without retrieval")
		return StructuringFailedSentinel
	}

	seen := map[string]struct{}{}
	merged := make([]RetrievedDocument, 0, len(structured)*c.topK)
	for _, thought := range structured {
		description := strings.TrimSpace(thought.Description)
		if description == "" {
			c.logger.Warn("structured thought has no description, skipping retrieval for it")
			continue
		}
		results, searchErr := c.retriever.Search(ctx, description, c.topK)
		if searchErr != nil {
			c.logger.Error("retrieval failed for thought",
				zap.String("description", truncateForLog(description)),
				zap.Error(searchErr))
			continue
		}
		for _, doc := range results {
			if _, dup := seen[doc.PageID]; dup {
				continue
			}
			seen[doc.PageID] = struct{}{}
			merged = append(merged, doc)
		}
	}
	if len(merged) == 0 {
		return NoDocumentsSentinel
	}

	blocks := make([]string, len(merged))
	for i, doc := range merged {
		blocks[i] = fmt.Sprintf("ID: %s\nContent: %s", doc.PageID, doc.Content)
	}
	return strings.Join(blocks, "\n\n")
}

func truncateForLog(s string) string {
	const max = 70
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
