package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdaurl"

	"chat-relay/internal/app"
	"chat-relay/internal/config"
)

const flushTimeout = 5 * time.Second

// The function is meant to sit behind a Lambda function URL with the
// RESPONSE_STREAM invoke mode, so SSE frames reach the caller as written.
func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	relay, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build relay", "err", err)
		os.Exit(1)
	}

	lambdaurl.Start(flushFirst(relay, logger), lambda.WithEnableSIGTERM(func() {
		if err := relay.Close(); err != nil {
			logger.Warn("relay cleanup failed", "err", err)
		}
	}))
}

// flushFirst finishes ledger writes left over from the previous invocation
// before serving. The environment may freeze between invocations, and the
// response body only ends when the handler returns, so writes cannot be
// awaited after the response.
func flushFirst(relay *app.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
		if err := relay.Flush(ctx); err != nil {
			logger.Warn("ledger flush failed", "err", err)
		}
		cancel()
		relay.Handler.ServeHTTP(w, r)
	})
}
