package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ProcessorOptions struct {
	Source         UpdateSource
	Downloader     VoiceDownloader
	Transcriber    Transcriber
	Planner        Planner
	Retriever      Retriever
	Pages          PageStore
	LedgerBackend  LedgerBackend
	Admission      AdmissionOptions
	TopKPerThought int
	Queue          UpdateQueue
	QueueSize      int
	DisableWorker  bool
	Logger         *zap.Logger
}

// RunSummary is the accounting emitted once per run, success or not.
type RunSummary struct {
	Fetched           int
	ToProcess         int
	ExtractionSuccess int
	ExtractionFailed  int
	Persisted         int
	ToBeRetried       int
	ActionsExecuted   int
}

// Processor drives the update pipeline: fetch or receive, filter against the
// ledger, extract, assemble context, decide, execute, persist. The ledger is
// read once at run start and written once at run end, so runs are serialized
// behind runMu; pushed updates flow through the queue worker, which respects
// the same mutex.
type Processor struct {
	source    UpdateSource
	extractor *Extractor
	assembler *ContextAssembler
	planner   Planner
	retriever Retriever
	pages     PageStore
	executor  *ActionExecutor
	ledger    *Ledger
	queue     UpdateQueue
	logger    *zap.Logger

	runMu       sync.Mutex
	lastSummary RunSummary

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Source == nil || opts.Downloader == nil || opts.Transcriber == nil ||
		opts.Planner == nil || opts.Retriever == nil || opts.Pages == nil {
		return nil, fmt.Errorf("%w: processor requires all collaborators", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := opts.LedgerBackend
	if backend == nil {
		backend = NewInMemoryLedgerBackend()
	}
	queue := opts.Queue
	if queue == nil {
		queueSize := opts.QueueSize
		if queueSize <= 0 {
			queueSize = 256
		}
		queue = NewInMemoryUpdateQueue(queueSize)
	}
	admission := opts.Admission
	if admission.Logger == nil {
		admission.Logger = logger
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	p := &Processor{
		source:      opts.Source,
		extractor:   NewExtractor(opts.Downloader, opts.Transcriber, NewAdmissionController(admission), logger),
		assembler:   NewContextAssembler(opts.Planner, opts.Retriever, opts.TopKPerThought, logger),
		planner:     opts.Planner,
		retriever:   opts.Retriever,
		pages:       opts.Pages,
		executor:    NewActionExecutor(opts.Pages, logger),
		ledger:      NewLedger(backend, logger),
		queue:       queue,
		logger:      logger,
		closed:      make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if !opts.DisableWorker {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.updateWorker()
		}()
	}
	return p, nil
}

func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.queueCancel()
		if p.queue != nil {
			_ = p.queue.Close()
		}
		p.wg.Wait()
		p.ledger.Close()
	})
}

// Run executes one batch pass against the update source. It reports whether
// pending updates were found, so catch-up callers can loop until the backlog
// drains; the report stays true even when a later stage failed, because the
// ledger decides what actually retries.
func (p *Processor) Run(ctx context.Context) bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	runID := uuid.NewString()
	p.logger.Info("starting pipeline run", zap.String("run_id", runID))
	summary := &RunSummary{}
	defer p.finishRun(runID, summary)

	processed := p.ledger.Load()
	updates, err := p.source.FetchUpdates(ctx, NextOffset(processed))
	if err != nil {
		p.logger.Error("fetching updates failed",
			zap.Bool("critical", true),
			zap.Error(err))
		return false
	}
	summary.Fetched = len(updates)
	if len(updates) == 0 {
		p.logger.Info("no new updates found")
		return false
	}

	unprocessed := make([]Update, 0, len(updates))
	for _, update := range updates {
		if _, done := processed[update.ID]; !done {
			unprocessed = append(unprocessed, update)
		}
	}
	summary.ToProcess = len(unprocessed)
	if len(unprocessed) == 0 {
		// Advance the ledger over the fetched IDs so they are not
		// re-fetched next run.
		p.logger.Info("all fetched updates were already processed")
		for _, update := range updates {
			processed[update.ID] = struct{}{}
		}
		if err := p.ledger.Persist(processed); err != nil {
			p.logger.Error("ledger persist failed while advancing offset",
				zap.Bool("critical", true),
				zap.Error(err))
		}
		return false
	}

	p.processBatch(ctx, processed, unprocessed, summary)
	return true
}

// ProcessPushed runs the pipeline for one delivered update. Push deliveries
// share the batch state machine; only the fetch step is skipped.
func (p *Processor) ProcessPushed(ctx context.Context, update Update) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	runID := uuid.NewString()
	p.logger.Info("processing pushed update",
		zap.String("run_id", runID),
		zap.Int64("update_id", update.ID))
	summary := &RunSummary{}
	defer p.finishRun(runID, summary)

	processed := p.ledger.Load()
	if _, done := processed[update.ID]; done {
		p.logger.Info("update already processed, skipping",
			zap.Int64("update_id", update.ID))
		return
	}
	summary.Fetched = 1
	summary.ToProcess = 1
	p.processBatch(ctx, processed, []Update{update}, summary)
}

// EnqueuePushed hands a delivered update to the pipeline worker without
// waiting for processing.
func (p *Processor) EnqueuePushed(update Update) error {
	select {
	case <-p.closed:
		return ErrQueueClosed
	default:
	}
	if update.ID == 0 {
		return ErrInvalidInput
	}
	if !p.queue.TryEnqueue(update) {
		return ErrQueueFull
	}
	return nil
}

// LastRunSummary returns the accounting of the most recently finished run.
func (p *Processor) LastRunSummary() RunSummary {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.lastSummary
}

func (p *Processor) updateWorker() {
	for {
		update, ok := p.queue.Dequeue(p.queueCtx)
		if !ok {
			return
		}
		p.ProcessPushed(p.queueCtx, update)
	}
}

func (p *Processor) processBatch(ctx context.Context, processed map[int64]struct{}, updates []Update, summary *RunSummary) {
	extraction := p.extractor.ExtractBatch(ctx, updates)
	summary.ExtractionSuccess = len(extraction.Thoughts)
	summary.ExtractionFailed = len(extraction.FailedIDs)

	successfulIDs := make([]int64, 0, len(extraction.Thoughts))
	for _, thought := range extraction.Thoughts {
		successfulIDs = append(successfulIDs, thought.UpdateID)
	}
	if len(extraction.Thoughts) == 0 {
		p.logger.Info("no processable content in batch")
		p.persistSuccessful(processed, successfulIDs, summary)
		return
	}

	if err := p.decideAndExecute(ctx, extraction.Thoughts, summary); err != nil {
		// Extraction succeeded, so the batch is not retried: the ledger add
		// below keeps these IDs from reprocessing on the next pass.
		p.logger.Error("decision stage failed, persisting extraction progress anyway",
			zap.Bool("critical", true),
			zap.Error(err))
	}
	p.persistSuccessful(processed, successfulIDs, summary)
}

func (p *Processor) decideAndExecute(ctx context.Context, thoughts []ExtractedThought, summary *RunSummary) error {
	schema, err := p.pages.FetchSchema(ctx)
	if err != nil {
		return fmt.Errorf("fetch database schema: %w", err)
	}
	if err := p.refreshIndex(ctx); err != nil {
		p.logger.Warn("retrieval index refresh failed, searching stale index", zap.Error(err))
	}
	retrievedContext := p.assembler.AssembleContext(ctx, thoughts)

	texts := make([]string, len(thoughts))
	for i, thought := range thoughts {
		texts[i] = thought.Text
	}
	intents, err := p.planner.PlanMutations(ctx, texts, schema, retrievedContext)
	if err != nil {
		return fmt.Errorf("plan mutations: %w", err)
	}
	if len(intents) == 0 {
		p.logger.Warn("decision stage produced no mutation intents for a non-empty batch")
		return nil
	}
	report := p.executor.ExecuteIntents(ctx, intents)
	summary.ActionsExecuted = report.Executed
	return nil
}

func (p *Processor) refreshIndex(ctx context.Context) error {
	pages, err := p.pages.QueryOpenPages(ctx)
	if err != nil {
		return fmt.Errorf("query open pages: %w", err)
	}
	if err := p.retriever.Rebuild(ctx, pages); err != nil {
		return fmt.Errorf("rebuild retrieval index: %w", err)
	}
	return nil
}

func (p *Processor) persistSuccessful(processed map[int64]struct{}, successfulIDs []int64, summary *RunSummary) {
	if len(successfulIDs) == 0 {
		return
	}
	for _, id := range successfulIDs {
		processed[id] = struct{}{}
	}
	if err := p.ledger.Persist(processed); err != nil {
		p.logger.Error("ledger persist failed, batch may reprocess",
			zap.Bool("critical", true),
			zap.Error(err))
		return
	}
	summary.Persisted = len(successfulIDs)
}

func (p *Processor) finishRun(runID string, summary *RunSummary) {
	summary.ToBeRetried = summary.ToProcess - summary.Persisted
	p.lastSummary = *summary
	p.logger.Info("pipeline run summary",
		zap.String("run_id", runID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("to_process", summary.ToProcess),
		zap.Int("extraction_success", summary.ExtractionSuccess),
		zap.Int("extraction_failed", summary.ExtractionFailed),
		zap.Int("persisted", summary.Persisted),
		zap.Int("to_be_retried", summary.ToBeRetried),
		zap.Int("actions_executed", summary.ActionsExecuted))
}
