// Package app wires the relay from a validated configuration. It is shared by
// the HTTP server and the Lambda entry point.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/integrations/gemini"
	"chat-relay/internal/integrations/loopback"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/provider"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

// awsLoader loads the AWS SDK configuration on first use. Deployments that
// use neither SSM nor the ledger never touch AWS.
type awsLoader struct {
	cfg    *aws.Config
	loadFn func(ctx context.Context) (aws.Config, error)
}

func (l *awsLoader) get(ctx context.Context) (aws.Config, error) {
	if l.cfg != nil {
		return *l.cfg, nil
	}
	cfg, err := l.loadFn(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	l.cfg = &cfg
	return cfg, nil
}

func defaultAWSConfig(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// drainTimeout bounds how long Close waits for pending ledger writes.
const drainTimeout = 10 * time.Second

// Relay is a configured relay: the HTTP handler plus the resources behind it.
type Relay struct {
	Handler *handler.Handler

	svc           *usecase.ChatService
	closeProvider func() error
}

// Flush waits for ledger writes of finished exchanges.
func (r *Relay) Flush(ctx context.Context) error {
	return r.svc.Flush(ctx)
}

// Close flushes the ledger and releases provider resources. The handler must
// not serve requests afterwards.
func (r *Relay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return errors.Join(r.Flush(ctx), r.closeProvider())
}

// Build returns the relay for cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Relay, error) {
	return build(ctx, cfg, logger, &awsLoader{loadFn: defaultAWSConfig})
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, awsCfg *awsLoader) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p, cleanup, err := newProvider(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithHeartbeatInterval(cfg.HeartbeatInterval),
		usecase.WithIdleTimeout(cfg.StreamIdleTimeout),
	}
	if cfg.LedgerTable != "" {
		ac, err := awsCfg.get(ctx)
		if err != nil {
			return nil, errors.Join(err, cleanup())
		}
		ledger, err := repository.New(awsdynamodb.NewFromConfig(ac), cfg.LedgerTable)
		if err != nil {
			return nil, errors.Join(err, cleanup())
		}
		opts = append(opts, usecase.WithRecorder(ledger))
	}

	svc, err := usecase.NewChatService(p, cfg.DefaultModel, opts...)
	if err != nil {
		return nil, errors.Join(err, cleanup())
	}
	h, err := handler.NewHandler(svc, handler.WithLogger(logger))
	if err != nil {
		return nil, errors.Join(err, cleanup())
	}
	logger.Info("relay configured", "provider", cfg.Provider, "model", cfg.DefaultModel, "ledger", cfg.LedgerTable != "")
	return &Relay{Handler: h, svc: svc, closeProvider: cleanup}, nil
}

func noCleanup() error { return nil }

func newProvider(ctx context.Context, cfg config.Config, awsCfg *awsLoader) (provider.Provider, func() error, error) {
	switch cfg.Provider {
	case config.ProviderLoopback:
		return loopback.New(), noCleanup, nil
	case config.ProviderGemini:
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithRequestTimeout(cfg.RequestTimeout),
		}
		if cfg.OpenAIAPIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
		} else {
			ac, err := awsCfg.get(ctx)
			if err != nil {
				return nil, nil, err
			}
			params, err := paramstore.New(awsssm.NewFromConfig(ac), cfg.ParamPrefix)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, openai.WithCredentialSource(params))
		}
		c, err := openai.NewClient(opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, noCleanup, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown provider %q", cfg.Provider)
	}
}
