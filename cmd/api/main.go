package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
	"github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/pump"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	addr      string
	redisURL  string
	logLevel  string
	logFormat string
}

func main() {
	var f flags
	root := &cobra.Command{
		Use:          "z-relay",
		Short:        "Resumable LLM token streaming server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.addr, "addr", "", "listen address, overrides PORT")
	root.Flags().StringVar(&f.redisURL, "redis-url", "", "redis URL, overrides REDIS_URL")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "trace|debug|info|warn|error, overrides LOG_LEVEL")
	root.Flags().StringVar(&f.logFormat, "log-format", "", "console|json, overrides LOG_FORMAT")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("z-relay exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	f.apply(cfg)

	if err := setupLogging(cfg.Log, os.Stderr); err != nil {
		return err
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}
	if len(cfg.Auth.Tokens) == 0 && !cfg.Auth.TrustUserHeader {
		log.Warn().Msg("no AUTH_TOKENS configured and X-User-ID is not trusted: every API call will be rejected")
	}

	streams, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return errors.Wrap(err, "open streaming cache")
	}
	defer func() {
		if err := streams.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close streaming cache")
		}
	}()

	chatService := chat.NewService()

	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, chat endpoint disabled")
			aiService = nil
		} else {
			log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized")
		}
	} else {
		log.Info().Msg("ark credentials not configured, chat endpoint disabled")
	}

	router := handler.NewRouter(handler.Dependencies{
		Cache:            streams,
		Chat:             chatService,
		AI:               aiService,
		Pump:             pump.New(streams, chatService, pump.NewTokenizer()),
		Auth:             cfg.Auth,
		Poll:             cfg.Poll,
		SubscriberBuffer: cfg.Cache.SubscriberBuffer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	streams.Start(gctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("backend", streams.Name()).Msg("z-relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete, closing connections")
			_ = srv.Close()
		}
		return nil
	})

	return g.Wait()
}

func (f flags) apply(cfg *config.Config) {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.redisURL != "" {
		cfg.Cache.RedisURL = f.redisURL
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
}
