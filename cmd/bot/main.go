package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"chatflow/internal/config"
	"chatflow/internal/contextwindow"
	"chatflow/internal/dispatch"
	"chatflow/internal/jobs"
	"chatflow/internal/llm"
	"chatflow/internal/logging"
	"chatflow/internal/ops"
	"chatflow/internal/scheduler"
	"chatflow/internal/sendqueue"
	"chatflow/internal/session"
	"chatflow/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		fallbackLogger := logging.New("production")
		fallbackLogger.Fatal().Err(err).Msg("configuration invalid")
	}
	logger := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := session.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer store.Close()
	logger.Info().Msg("connected to redis")

	factory := &llm.Factory{
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
	}
	llmClient, err := factory.CreateClient(string(cfg.LLMProvider), cfg.OpenAIModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create llm client")
	}

	bot, err := telegram.New(cfg.TelegramBotToken, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create telegram bot")
	}

	windows := contextwindow.NewManager(store, cfg.WindowSpan, cfg.WindowFloor, logger)
	sendq := sendqueue.New(bot, func(ctx context.Context, userID int64, segment string) {
		windows.Append(ctx, session.Exchange{
			UserID:    userID,
			Role:      session.RoleBot,
			Text:      segment,
			Timestamp: time.Now(),
		})
	}, cfg.SendCPS, cfg.SendJitter, cfg.MaxDeliveryFailures, logger)

	enqueuer, err := jobs.NewEnqueuer(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create job enqueuer")
	}
	defer enqueuer.Close()

	dispatcher := dispatch.New(dispatch.Options{
		Store:        store,
		Windows:      windows,
		SendQueue:    sendq,
		Jobs:         enqueuer,
		LLM:          llmClient,
		SystemPrompt: readSystemPrompt(cfg.SystemPromptPath, logger),
		Fallback:     cfg.FallbackReply,
		Debounce:     cfg.DebounceInterval,
		ClaimTTL:     cfg.ClaimTTL,
		Log:          logger,
	})
	bot.OnMessage(dispatcher.HandleInbound)

	worker, err := jobs.NewServer(cfg.RedisURL, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create job server")
	}
	worker.HandleProcessThought(dispatcher.HandleProcessThought)
	if err := worker.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start job server")
	}

	sched := scheduler.New(logger)
	if err := sched.AddJob("*/5 * * * *", "trim-windows", windows.Trim); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule trim")
	}
	if err := sched.AddJob("@hourly", "sweep-idle-users", func() {
		if n := dispatcher.Chunker().Sweep(cfg.IdleRetireAfter); n > 0 {
			logger.Info().Int("retired", n).Msg("idle users swept")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule sweep")
	}
	sched.Start()

	opsSrv := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      ops.NewRouter(logger, store),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.OpsAddr).Msg("ops server listening")
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()

	// Blocks until SIGINT/SIGTERM cancels ctx.
	bot.Start(ctx)

	logger.Info().Msg("shutting down")
	sched.Stop()
	worker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	logger.Info().Msg("stopped")
}

func readSystemPrompt(path string, logger zerolog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("system prompt not readable, continuing without")
		return ""
	}
	return strings.TrimSpace(string(data))
}
