package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maximilian-armuss-dev/telegram2notion/internal/config"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/embedding"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/gemini"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/gladia"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/httpapi"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/notion"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/pipeline"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/prompt"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/telegram"
	"github.com/maximilian-armuss-dev/telegram2notion/internal/vecindex"
)

func main() {
	settings := config.Load()
	if err := settings.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(settings.ZapLevel())
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := telegram.NewClient(telegram.ClientOptions{
		Token:  settings.TelegramBotToken,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("telegram client init failed", zap.Error(err))
	}

	transcriber, err := gladia.NewClient(gladia.ClientOptions{
		APIKey:               settings.GladiaAPIKey,
		BaseURL:              settings.GladiaAPIURL,
		PollingInterval:      settings.GladiaPollingInterval,
		TranscriptionTimeout: settings.GladiaTranscriptionTimeout,
		Logger:               logger,
	})
	if err != nil {
		logger.Fatal("gladia client init failed", zap.Error(err))
	}

	pages, err := notion.NewClient(notion.ClientOptions{
		APIKey:     settings.NotionAPIKey,
		DatabaseID: settings.NotionDatabaseID,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("notion client init failed", zap.Error(err))
	}

	prompts, err := prompt.NewStore(prompt.StoreOptions{
		Templates: map[string]string{
			gemini.MainPromptName:        settings.PromptMainPath,
			gemini.StructuringPromptName: settings.PromptStructuringPath,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("prompt store init failed", zap.Error(err))
	}
	if err := prompts.Watch(ctx); err != nil {
		logger.Warn("prompt hot reload unavailable", zap.Error(err))
	}
	defer func() { _ = prompts.Close() }()

	completer, err := gemini.NewClient(gemini.ClientOptions{
		APIKey: settings.GoogleAPIKey,
		Model:  settings.GeminiModel,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("gemini client init failed", zap.Error(err))
	}
	planner, err := gemini.NewPlanner(gemini.PlannerOptions{
		Completer: completer,
		Prompts:   prompts,
		Location:  settings.Location(),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("planner init failed", zap.Error(err))
	}

	embedder, err := embedding.NewEngine(ctx, settings.GoogleAPIKey, settings.EmbeddingModel, logger)
	if err != nil {
		logger.Fatal("embedding engine init failed", zap.Error(err))
	}
	defer func() { _ = embedder.Close() }()

	cache, err := vecindex.OpenCache(settings.EmbeddingCachePath)
	if err != nil {
		// The index works without the cache, pages just get re-embedded
		// every refresh.
		logger.Warn("embedding cache unavailable", zap.Error(err))
		cache = nil
	} else {
		defer func() { _ = cache.Close() }()
	}
	index, err := vecindex.NewIndex(vecindex.IndexOptions{
		Embedder: embedder,
		Cache:    cache,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("retrieval index init failed", zap.Error(err))
	}

	ledgerBackend, err := pipeline.BuildLedgerBackendFromDSN(settings.StateFilePath)
	if err != nil {
		logger.Fatal("state ledger init failed", zap.Error(err))
	}

	processor, err := pipeline.NewProcessor(pipeline.ProcessorOptions{
		Source:        bot,
		Downloader:    bot,
		Transcriber:   transcriber,
		Planner:       planner,
		Retriever:     index,
		Pages:         pages,
		LedgerBackend: ledgerBackend,
		Admission: pipeline.AdmissionOptions{
			MaxPerWindow:  settings.GladiaMaxTranscriptionsPerHour,
			Window:        settings.GladiaRateLimitWindow,
			Cooldown:      settings.GladiaRateLimitCooldown,
			MaxConcurrent: settings.GladiaMaxConcurrentTranscriptions,
			Logger:        logger,
		},
		TopKPerThought: settings.RAGTopKPerThought,
		QueueSize:      settings.UpdateQueueSize,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}
	defer processor.Close()

	if !settings.WebhookEnabled {
		logger.Warn("webhook mode disabled, running single polling pass only")
		processor.Run(ctx)
		return
	}

	if err := prepareWebhookMode(ctx, settings, bot, processor, logger); err != nil {
		logger.Fatal("webhook startup failed", zap.Error(err))
	}

	server, err := httpapi.NewServer(
		processor,
		pipeline.NewDeliveryCache(settings.WebhookUpdateCacheSize),
		httpapi.ServerConfig{
			WebhookSecret:   settings.WebhookSecretToken,
			AllowedCIDRs:    settings.TelegramAllowedCIDRs,
			MaxBodyBytes:    settings.WebhookMaxBodyBytes,
			RateLimitMax:    settings.WebhookRateLimitMax,
			RateLimitWindow: settings.WebhookRateLimitWindow,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("webhook server init failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              settings.ListenAddr(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("webhook server listening", zap.String("addr", settings.ListenAddr()))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("webhook server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// prepareWebhookMode drains the polling backlog before handing delivery over
// to Telegram's push. The webhook stays deleted while catching up so polling
// and push never run against the same offset.
func prepareWebhookMode(ctx context.Context, settings *config.Settings, bot *telegram.Client, processor *pipeline.Processor, logger *zap.Logger) error {
	logger.Info("disabling webhook before polling catch-up")
	if err := bot.DeleteWebhook(ctx, false); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	runStartupPolling(ctx, settings.StartupPollingMaxRuns, processor, logger)
	logger.Info("configuring webhook", zap.String("url", settings.WebhookURL))
	if err := bot.SetWebhook(ctx, settings.WebhookURL, settings.WebhookSecretToken, false); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	logger.Info("webhook mode ready", zap.String("url", settings.WebhookURL))
	return nil
}

func runStartupPolling(ctx context.Context, maxRuns int, processor *pipeline.Processor, logger *zap.Logger) {
	if maxRuns <= 0 {
		logger.Info("startup polling disabled by configuration")
		return
	}
	logger.Info("running startup polling catch-up", zap.Int("max_passes", maxRuns))
	for pass := 1; pass <= maxRuns; pass++ {
		logger.Info("starting startup polling pass", zap.Int("pass", pass))
		if !processor.Run(ctx) {
			logger.Info("startup polling drained the backlog", zap.Int("passes", pass))
			return
		}
	}
	logger.Warn("startup polling reached its pass limit, pending updates may remain for webhook processing",
		zap.Int("max_passes", maxRuns))
}
