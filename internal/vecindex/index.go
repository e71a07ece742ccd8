package vecindex

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
)

const defaultSearchLimit = 3

// Embedder turns text into vectors. Documents and queries are embedded
// separately so implementations can use asymmetric task types.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type IndexOptions struct {
	Embedder Embedder
	Cache    *Cache // optional
	Logger   *zap.Logger
}

// Index is an in-memory cosine similarity index over open pages. Vectors are
// normalized on insert so similarity reduces to a dot product. Rebuild
// replaces the whole index atomically; a failed rebuild leaves the previous
// contents searchable.
type Index struct {
	embedder Embedder
	cache    *Cache
	logger   *zap.Logger

	mu      sync.RWMutex
	vectors map[string][]float32
	content map[string]string
}

func NewIndex(opts IndexOptions) (*Index, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("index requires an embedder")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		embedder: opts.Embedder,
		cache:    opts.Cache,
		logger:   logger,
		vectors:  map[string][]float32{},
		content:  map[string]string{},
	}, nil
}

// ContentKey derives the cache key for a page's extracted text.
func ContentKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Rebuild re-embeds the given pages and swaps them in as the new index.
// Cached vectors are reused when the content hash matches; cache failures
// degrade to a plain re-embed.
func (ix *Index) Rebuild(ctx context.Context, pages []pipeline.Page) error {
	if len(pages) == 0 {
		ix.logger.Warn("no pages provided, the retrieval index will be empty")
		ix.mu.Lock()
		ix.vectors = map[string][]float32{}
		ix.content = map[string]string{}
		ix.mu.Unlock()
		return nil
	}

	vectors := make(map[string][]float32, len(pages))
	content := make(map[string]string, len(pages))
	var missing []pipeline.Page
	for _, page := range pages {
		if page.ID == "" || page.Content == "" {
			continue
		}
		content[page.ID] = page.Content
		if ix.cache != nil {
			cached, ok, err := ix.cache.Get(ctx, ContentKey(page.Content))
			if err != nil {
				ix.logger.Warn("embedding cache read failed",
					zap.String("page_id", page.ID),
					zap.Error(err))
			} else if ok {
				vectors[page.ID] = normalize(cached)
				continue
			}
		}
		missing = append(missing, page)
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, page := range missing {
			texts[i] = page.Content
		}
		embedded, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed pages: %w", err)
		}
		if len(embedded) != len(missing) {
			return fmt.Errorf("embedding count mismatch: %d pages, %d vectors", len(missing), len(embedded))
		}
		for i, page := range missing {
			vectors[page.ID] = normalize(embedded[i])
			if ix.cache == nil {
				continue
			}
			if err := ix.cache.Put(ctx, ContentKey(page.Content), embedded[i]); err != nil {
				ix.logger.Warn("embedding cache write failed",
					zap.String("page_id", page.ID),
					zap.Error(err))
			}
		}
	}

	ix.mu.Lock()
	ix.vectors = vectors
	ix.content = content
	ix.mu.Unlock()
	ix.logger.Info("retrieval index rebuilt",
		zap.Int("pages", len(vectors)),
		zap.Int("embedded", len(missing)),
		zap.Int("cached", len(vectors)-len(missing)))
	return nil
}

// Search returns the pages most similar to the query, best first. Searching
// an empty index is not an error, it just finds nothing.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]pipeline.RetrievedDocument, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	ix.mu.RLock()
	size := len(ix.vectors)
	ix.mu.RUnlock()
	if size == 0 {
		ix.logger.Warn("search attempted against an empty retrieval index")
		return nil, nil
	}

	queryVec, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec = normalize(queryVec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	h := &scoreHeap{}
	heap.Init(h)
	for id, vec := range ix.vectors {
		if len(vec) != len(queryVec) {
			continue
		}
		score := dotProduct(queryVec, vec)
		if h.Len() < limit {
			heap.Push(h, scoredPage{id: id, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = scoredPage{id: id, score: score}
			heap.Fix(h, 0)
		}
	}

	results := make([]pipeline.RetrievedDocument, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		item := heap.Pop(h).(scoredPage)
		results[i] = pipeline.RetrievedDocument{
			PageID:  item.id,
			Content: ix.content[item.id],
		}
	}
	return results, nil
}

// Size reports how many pages are currently indexed.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

type scoredPage struct {
	id    string
	score float64
}

// scoreHeap is a min-heap on score, keeping the best candidates at the top-k
// cutoff with the worst survivor at the root.
type scoreHeap []scoredPage

func (h scoreHeap) Len() int           { return len(h) }
func (h scoreHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scoreHeap) Push(x any) {
	*h = append(*h, x.(scoredPage))
}

func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return make([]float32, len(v))
	}
	scale := 1 / math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * scale)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
