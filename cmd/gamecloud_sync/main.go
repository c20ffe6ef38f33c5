package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/gamecloud_sync/internal/auth"
	"github.com/italolelis/gamecloud_sync/internal/config"
	"github.com/italolelis/gamecloud_sync/internal/gamecloud"
	"github.com/italolelis/gamecloud_sync/internal/http/rest"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/notifier"
	"github.com/italolelis/gamecloud_sync/internal/realtime"
	"github.com/italolelis/gamecloud_sync/internal/session"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instanceID := logctx.NewInstanceID()
	ctx = logctx.WithInstanceID(logctx.WithLogger(ctx, logger), instanceID)

	logger.InfoContext(ctx, "gamecloud sync starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		logger.ErrorContext(ctx, "fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Session
	tokens := buildTokenProvider(ctx, cfg, tel)

	client := gamecloud.NewClient(cfg.APIBaseURL, tokens,
		gamecloud.WithRouteStyle(gamecloud.RouteStyle(cfg.ActionRoutes)),
		gamecloud.WithTelemetry(tel),
	)

	pushURL, err := cfg.PushURL()
	if err != nil {
		return fmt.Errorf("failed to resolve push url: %w", err)
	}

	channel := realtime.New(pushURL, tokens,
		realtime.WithReconnectDelay(cfg.ReconnectDelay),
		realtime.WithDialTimeout(cfg.DialTimeout),
		realtime.WithTelemetry(tel),
	)

	sess := session.New(gamecloud.NewInstrumentedClient(client, tel), channel, session.Config{
		LibraryTTL:   cfg.LibraryTTL,
		DownloadsTTL: cfg.DownloadsTTL,
		StatsTTL:     cfg.StatsTTL,
		FetchTimeout: cfg.FetchTimeout,
	}, tel)
	defer sess.End()

	// =========================================================================
	// Start Notification
	setupNotification(ctx, channel, cfg, tel)

	sess.Start(ctx)

	go sess.Poll(ctx, cfg.PollInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, sess, cfg, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("watching downloads...",
		"api_base_url", cfg.APIBaseURL,
		"push_url", pushURL,
		"poll_interval", cfg.PollInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}
	}

	return nil
}

// buildTokenProvider prefers a static token and falls back to the session
// token endpoint.
func buildTokenProvider(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) auth.TokenProvider {
	if cfg.StaticToken != "" {
		return auth.Static(cfg.StaticToken)
	}

	httpClient := &http.Client{
		Timeout:   cfg.FetchTimeout,
		Transport: tel.Transport(nil),
	}

	return auth.NewProvider(auth.NewEndpointSource(ctx, cfg.TokenURL, cfg.SessionCookieName, cfg.SessionCookie, httpClient))
}

func setupNotification(ctx context.Context, channel *realtime.Channel, cfg *config.Config, tel *telemetry.Telemetry) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	watcher := notifier.NewCompletionWatcher(&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}, tel)
	channel.Subscribe(watcher.Observe)

	go watcher.Run(ctx)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, sess *session.Session, cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	h := rest.NewStatusHandler(sess, sess.Dispatcher(), cfg.Web.Username, cfg.Web.Password, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      h.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
