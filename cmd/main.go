package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"microapp-engine/handler"
	"microapp-engine/internal/auth"
	appconfig "microapp-engine/internal/config"
	"microapp-engine/internal/conversation"
	"microapp-engine/internal/integrations/backend"
	"microapp-engine/internal/integrations/paramstore"
	"microapp-engine/internal/repository"
	"microapp-engine/internal/usecase"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "err", err)
	}
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Credential coordinator ----
	var tokens backend.RefreshTokenSource
	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithKMSKey(cfg.KMSKeyID))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		source, err := backend.NewParamTokenSource(ssmClient, cfg.ParamPrefix)
		if err != nil {
			slog.Error("failed to create refresh token source", "err", err)
			os.Exit(1)
		}
		tokens = source
	}

	authClient, err := backend.NewAuthClient(cfg.BaseAPIURL, tokens, backend.WithHTTPClient(httpClient))
	if err != nil {
		slog.Error("failed to create auth client", "err", err)
		os.Exit(1)
	}
	coordinator, err := auth.New(authClient, authClient,
		auth.WithTimeout(cfg.RefreshTimeout),
		auth.WithReauthHandler(func(err error) {
			slog.Error("re-authentication required", "err", err)
		}),
	)
	if err != nil {
		slog.Error("failed to create credential coordinator", "err", err)
		os.Exit(1)
	}

	backendClient, err := backend.NewClient(cfg.BaseAPIURL, coordinator, backend.WithHTTPClient(httpClient))
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		os.Exit(1)
	}

	// ---- Conversation store ----
	storeOpts := []conversation.Option{conversation.WithIdleEviction(cfg.ConversationIdle)}
	if cfg.ConversationTable != "" {
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.ConversationTable)
		if err != nil {
			slog.Error("failed to create conversation repository", "err", err)
			os.Exit(1)
		}
		storeOpts = append(storeOpts, conversation.WithPersister(repo))
	} else {
		slog.Info("CONVERSATION_TABLE not set, conversations are kept in memory")
	}
	store := conversation.New(storeOpts...)

	// ---- Handler ----
	runService, err := usecase.NewRunService(backendClient, store, backendClient, cfg.SpeechCostPerChar)
	if err != nil {
		slog.Error("failed to create run service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(runService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if cfg.Lambda() {
		lambda.Start(h.Handle)
		return
	}
	serveHTTP(cfg.LocalHTTPAddr, h.Router())
}

func serveHTTP(addr string, router http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("serving HTTP", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "err", err)
	}
}
