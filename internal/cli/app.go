package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	antoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	oaoption "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/harun/threadline/internal/config"
	"github.com/harun/threadline/internal/logger"
	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/janitor"
	"github.com/harun/threadline/pkg/orchestrator"
	"github.com/harun/threadline/pkg/sessionstore"
	"github.com/harun/threadline/pkg/transcript"
)

const redisPingTimeout = 5 * time.Second

// app is everything a command needs, built from one Config.
type app struct {
	cfg          *config.Config
	log          *logger.Logger
	logger       zerolog.Logger
	store        sessionstore.Store
	transcripts  *transcript.SQLite
	janitor      *janitor.Janitor
	orchestrator *orchestrator.Orchestrator

	closers []io.Closer
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp wires the configured backends, stores and janitor into an orchestrator.
func newApp(cfg *config.Config) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, logger: log.Zerolog()}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	for _, err := range config.NewValidator().ValidateConfig(a.cfg) {
		a.logger.Warn().Err(err).Msg("Configuration warning")
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	a.store = store

	var recorder transcript.Recorder = transcript.Discard{}
	if a.cfg.Transcripts.Enabled {
		ts, err := transcript.OpenSQLite(a.cfg.Transcripts.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open transcripts: %w", err)
		}
		a.transcripts = ts
		a.closers = append(a.closers, ts)
		recorder = ts
	}

	a.janitor = janitor.New(janitor.Options{
		Schedule:    a.cfg.Janitor.Schedule,
		MaxAttempts: a.cfg.Janitor.MaxDeleteAttempts,
		Logger:      a.log.Component("janitor"),
	})

	a.orchestrator = orchestrator.New(orchestrator.Options{
		Store:           store,
		Recorder:        recorder,
		Logger:          a.log.Component("orchestrator"),
		BatchSize:       a.cfg.Queue.BatchSize,
		RequestTimeout:  a.cfg.Queue.RequestTimeout,
		MaxAttempts:     a.cfg.Run.MaxAttempts,
		PollInterval:    a.cfg.Run.PollInterval,
		MaxRetries:      a.cfg.Run.MaxRetries,
		RetryBaseDelay:  a.cfg.Run.RetryBaseDelay,
		LeaseTTL:        a.cfg.Run.LeaseTTL,
		OnReleaseFailed: a.janitor.Track,
	})

	for _, ac := range a.cfg.Agents {
		client, err := a.newClient(ac)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		if err := a.orchestrator.Register(orchestrator.Agent{
			Name:        ac.Name,
			DisplayName: ac.DisplayName,
			Persistent:  ac.Persistent,
			Client:      client,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) openStore() (sessionstore.Store, error) {
	var base sessionstore.Store
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		base = sessionstore.NewMemory()
	case config.StoreSQLite:
		s, err := sessionstore.OpenSQLite(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		base = s
	case config.StoreRedis:
		rc := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Store.Redis.Addr,
			Password: a.cfg.Store.Redis.Password,
			DB:       a.cfg.Store.Redis.DB,
		})
		a.closers = append(a.closers, rc)
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Store.Redis.Addr, err)
		}
		base = sessionstore.NewRedis(rc, a.cfg.Store.Redis.Prefix)
	default:
		return nil, fmt.Errorf("invalid store driver: %s", a.cfg.Store.Driver)
	}

	if a.cfg.Store.CacheSize > 0 {
		cached, err := sessionstore.NewCached(base, a.cfg.Store.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return base, nil
}

func (a *app) newClient(ac config.AgentConfig) (backend.Client, error) {
	var (
		client   backend.Client
		provider config.ProviderConfig
	)

	chatOpts := backend.ChatOptions{
		Model:       ac.Model,
		System:      ac.SystemPrompt,
		MaxTokens:   ac.MaxTokens,
		Temperature: ac.Temperature,
		Logger:      a.logger,
	}

	switch ac.Backend {
	case config.BackendOpenAIAssistant:
		provider = a.cfg.Backends.OpenAI
		client = backend.NewAssistantClient(newOpenAI(provider), ac.AssistantID)
	case config.BackendOpenAIChat:
		provider = a.cfg.Backends.OpenAI
		chat := backend.NewChatClient(backend.NewOpenAICompleter(newOpenAI(provider)), chatOpts)
		a.closers = append(a.closers, chat)
		client = chat
	case config.BackendAnthropicChat:
		provider = a.cfg.Backends.Anthropic
		chat := backend.NewChatClient(backend.NewAnthropicCompleter(newAnthropic(provider)), chatOpts)
		a.closers = append(a.closers, chat)
		client = chat
	default:
		return nil, fmt.Errorf("invalid backend: %s", ac.Backend)
	}

	return backend.WithRateLimit(client, rate.Limit(provider.RateLimit), provider.Burst), nil
}

func newOpenAI(p config.ProviderConfig) openai.Client {
	opts := []oaoption.RequestOption{oaoption.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		opts = append(opts, oaoption.WithBaseURL(p.BaseURL))
	}
	return openai.NewClient(opts...)
}

func newAnthropic(p config.ProviderConfig) anthropic.Client {
	opts := []antoption.RequestOption{antoption.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		opts = append(opts, antoption.WithBaseURL(p.BaseURL))
	}
	return anthropic.NewClient(opts...)
}

// Close drains the orchestrator, then closes clients and stores in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.orchestrator != nil {
		errs = append(errs, a.orchestrator.Close())
	}
	if a.janitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.janitor.RetryOrphans(ctx)
		errs = append(errs, a.janitor.Stop(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
