// Package app wires configuration, storage and integrations into the
// mailtriage commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailtriage/internal/cache"
	"mailtriage/internal/config"
	"mailtriage/internal/domain"
	"mailtriage/internal/httpx"
	"mailtriage/internal/integrations/llm"
	slackbot "mailtriage/internal/integrations/slack"
	"mailtriage/internal/logging"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/storage/memory"
	"mailtriage/internal/storage/postgres"
	"mailtriage/internal/storage/sqlite"
)

func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree. Each call returns a fresh tree so tests
// can execute commands in isolation.
func NewRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "mailtriage",
		Short:        "Bounded, resumable LLM mail triage",
		Long:         "Classifies mailbox messages with an LLM in short invocations that checkpoint and resume themselves.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CONFIG_PATH or ./config.yaml)")

	load := func(cmd *cobra.Command) (*env, error) {
		return setup(cmd.Context(), configPath)
	}
	root.AddCommand(
		newServeCmd(load),
		newRunCmd(load),
		newCancelCmd(load),
		newStatusCmd(load),
		newSweepCmd(load),
		newSeedCmd(load),
		newGlossaryCmd(load),
	)
	return root
}

// env is what every command needs, built once from the config.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	hc     *http.Client

	props  domain.PropertyStore
	source domain.WorkSource
	labels domain.LabelApplier
	// mailbox is set when messages live in sqlite.
	mailbox  *sqlite.Mailbox
	notifier domain.Notifier

	closers []func() error
}

func setup(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	e := &env{
		cfg:      cfg,
		logger:   logger,
		hc:       httpx.NewExternalClient(cfg.ExternalHTTPTimeoutSeconds),
		notifier: domain.NopNotifier{},
	}
	logger.Info("config loaded",
		zap.String("source", cfg.Source),
		zap.String("provider", cfg.LLMProvider),
		zap.String("mode", cfg.Mode),
		zap.String("storage", cfg.StorageDriver),
		zap.Int("batch_size", cfg.LLMBatchSize),
		zap.Duration("quantum", cfg.Quantum()),
		zap.Duration("suspend_after", cfg.SuspendAfter()),
		zap.Duration("http_timeout", httpx.Timeout(cfg.ExternalHTTPTimeoutSeconds)))

	if err := e.openStorage(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if cfg.SlackConfigured() {
		e.notifier = slackbot.NewNotifier(cfg.SlackBotToken, cfg.SlackChannelID, e.hc, "", logger)
	}
	return e, nil
}

// openStorage picks the property store by driver. Messages stay in sqlite
// unless everything runs in memory.
func (e *env) openStorage(ctx context.Context) error {
	if e.cfg.StorageDriver == "memory" {
		mb := memory.NewMailbox()
		e.props, e.source, e.labels = memory.NewProperties(), mb, mb
		e.logger.Warn("storage is in memory, checkpoints do not survive a restart")
		return nil
	}

	db, err := sqlite.InitDB(e.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	e.closers = append(e.closers, db.Close)
	e.mailbox = sqlite.NewMailbox(db)
	e.source, e.labels = e.mailbox, e.mailbox
	e.logger.Info("database initialized", zap.String("path", e.cfg.DBPath))

	if e.cfg.StorageDriver != "postgres" {
		e.props = sqlite.NewProperties(db, e.cfg.UserID)
		return nil
	}
	pg, err := postgres.Open(ctx, e.cfg.PostgresDSN)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, pg.Close)
	e.props = postgres.NewProperties(pg, e.cfg.UserID)
	return nil
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	_ = e.logger.Sync()
	return errors.Join(errs...)
}

func (e *env) newPipeline(facility domain.Facility) (*pipeline.Pipeline, error) {
	cfg := e.cfg
	glossary, err := llm.LoadGlossaryIfConfigured(cfg.LLMGlossaryPath)
	if err != nil {
		return nil, err
	}
	deps := pipeline.Deps{
		Source:        e.source,
		Labels:        e.labels,
		Props:         e.props,
		Cache:         cache.NewMemory(cfg.RedactionTTL(), nil),
		Facility:      facility,
		Notifier:      e.notifier,
		FormatSummary: slackbot.FormatSummary,
		NewProvider: func(ctx context.Context, s domain.Settings) (llm.Provider, error) {
			return llm.NewProvider(ctx, s, e.hc)
		},
		Logger: e.logger,
	}
	opts := pipeline.Options{
		Settings:          cfg.Settings(),
		BatchSize:         cfg.LLMBatchSize,
		MaxBodyChars:      cfg.LLMMaxBodyChars,
		MaxTokens:         cfg.LLMMaxTokens,
		BatchDelay:        cfg.BatchDelay(),
		SuspendAfter:      cfg.SuspendAfter(),
		ResumeDelay:       cfg.ResumeDelay(),
		LockTTL:           cfg.LockTTL(),
		RedactionTTL:      cfg.RedactionTTL(),
		Retention:         cfg.CheckpointRetention(),
		Query:             domain.Query{Text: cfg.Query},
		MaxItems:          cfg.MaxItemsPerRun,
		RejectOnInjection: cfg.RejectOnInjection,
		Glossary:          glossary,
	}
	return pipeline.New(deps, opts), nil
}
