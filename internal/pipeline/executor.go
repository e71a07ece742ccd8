package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ActionExecutor applies mutation intents to the page store. Creations are
// submitted first, then updates, then archives; submission order is a
// priority on dispatch, not a barrier, so completions interleave freely.
type ActionExecutor struct {
	store  PageStore
	logger *zap.Logger
}

type ExecutionReport struct {
	Submitted int
	Dropped   int
	Failed    int
	Executed  int
}

func NewActionExecutor(store PageStore, logger *zap.Logger) *ActionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionExecutor{store: store, logger: logger}
}

func (e *ActionExecutor) ExecuteIntents(ctx context.Context, intents []MutationIntent) ExecutionReport {
	var report ExecutionReport

	ordered, dropped := e.orderIntents(intents)
	report.Dropped = dropped
	report.Submitted = len(ordered)
	if len(ordered) == 0 {
		e.logger.Info("no executable mutation intents after validation")
		return report
	}

	e.logger.Info("executing mutation intents", zap.Int("count", len(ordered)))
	var failed int64
	var wg sync.WaitGroup
	for _, intent := range ordered {
		wg.Add(1)
		// The handshake keeps dispatch in priority order: the next intent is
		// not launched until this one's goroutine is running.
		launched := make(chan struct{})
		go func(intent MutationIntent) {
			defer wg.Done()
			close(launched)
			if err := e.dispatch(ctx, intent); err != nil {
				atomic.AddInt64(&failed, 1)
				e.logger.Error("mutation intent failed",
					zap.String("kind", string(intent.Kind)),
					zap.String("page_id", intent.PageID),
					zap.Error(err))
			}
		}(intent)
		<-launched
	}
	wg.Wait()

	report.Failed = int(failed)
	report.Executed = report.Submitted - report.Failed
	return report
}

// orderIntents validates the intents and orders the survivors for dispatch:
// creations first, then updates, then archives.
func (e *ActionExecutor) orderIntents(intents []MutationIntent) ([]MutationIntent, int) {
	dropped := 0
	valid := make([]MutationIntent, 0, len(intents))
	for _, intent := range intents {
		if err := intent.Validate(); err != nil {
			dropped++
			e.logger.Warn("dropping invalid mutation intent",
				zap.String("kind", string(intent.Kind)),
				zap.String("page_id", intent.PageID))
			continue
		}
		valid = append(valid, intent)
	}

	ordered := make([]MutationIntent, 0, len(valid))
	for _, kind := range []MutationKind{MutationCreate, MutationUpdate, MutationArchive} {
		for _, intent := range valid {
			if intent.Kind == kind {
				ordered = append(ordered, intent)
			}
		}
	}
	return ordered, dropped
}

func (e *ActionExecutor) dispatch(ctx context.Context, intent MutationIntent) error {
	switch intent.Kind {
	case MutationCreate:
		return e.store.CreatePage(ctx, intent.Properties)
	case MutationUpdate:
		return e.store.UpdatePage(ctx, intent.PageID, intent.Properties)
	case MutationArchive:
		return e.store.ArchivePage(ctx, intent.PageID)
	default:
		return ErrInvalidIntent
	}
}
