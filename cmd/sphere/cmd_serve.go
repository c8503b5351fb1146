package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spboyer/agentsphere/internal/agent"
	"github.com/spboyer/agentsphere/internal/artifacts"
	"github.com/spboyer/agentsphere/internal/auth"
	"github.com/spboyer/agentsphere/internal/knowledge"
	"github.com/spboyer/agentsphere/internal/llm"
	"github.com/spboyer/agentsphere/internal/orchestration"
	"github.com/spboyer/agentsphere/internal/projectconfig"
	"github.com/spboyer/agentsphere/internal/remote"
	"github.com/spboyer/agentsphere/internal/repository"
	"github.com/spboyer/agentsphere/internal/session"
	"github.com/spboyer/agentsphere/internal/store"
	"github.com/spboyer/agentsphere/internal/taskgraph"
	"github.com/spboyer/agentsphere/internal/webapi"
	"github.com/spboyer/agentsphere/internal/webserver"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API and the executor hub",
		Long: `Start the HTTP server.

It serves the Ollama-compatible chat API on /api/chat, accepts executor
connections on /api/v1/wss and offers finished repositories as zip
downloads below /repos/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// resultStore is a task result store owned by the server.
type resultStore interface {
	taskgraph.ResultStore
	Close() error
}

// shutdowner is a provider that owns a background process.
type shutdowner interface {
	Shutdown() error
}

// app is the wired server.
type app struct {
	server   *webserver.Server
	hub      *remote.Hub
	results  resultStore
	provider llm.Provider
}

// Close releases the result store and stops the provider's process, if any.
func (a *app) Close() error {
	var errs []error
	if err := a.results.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing result store: %w", err))
	}
	if s, ok := a.provider.(shutdowner); ok {
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stopping llm provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *projectconfig.ProjectConfig, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutting down", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.hub.Close()
		return nil
	})
	return g.Wait()
}

// build wires every component from cfg.
func build(ctx context.Context, cfg *projectconfig.ProjectConfig, logger *slog.Logger) (*app, error) {
	provider, err := llm.NewProvider(ctx, llm.ProviderConfig{
		Name:    cfg.LLM.Provider,
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(provider,
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
		llm.WithRetryBackoff(cfg.LLM.RetryBackoff),
		llm.WithLogger(logger),
	)

	stopProvider := func() error { return nil }
	if s, ok := provider.(shutdowner); ok {
		stopProvider = s.Shutdown
	}

	results, err := openResults(ctx, cfg.Store)
	if err != nil {
		return nil, errors.Join(err, stopProvider())
	}

	publisher, err := newPublisher(cfg.Artifacts)
	if err != nil {
		return nil, errors.Join(err, results.Close(), stopProvider())
	}

	var tokens *auth.Tokens
	if cfg.Auth.ExecutorSecret != "" {
		if tokens, err = auth.NewTokens(cfg.Auth.ExecutorSecret, cfg.Auth.ExecutorTokenTTL); err != nil {
			return nil, errors.Join(err, results.Close(), stopProvider())
		}
	} else {
		logger.Warn("no executor secret configured, executors cannot connect")
	}

	var introspector *auth.Introspector
	if cfg.Auth.IntrospectionURL != "" {
		introspector = auth.NewIntrospector(cfg.Auth.IntrospectionURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	}

	hub := remote.NewHub(remote.WithHubLogger(logger), remote.WithPingInterval(cfg.Executor.PingInterval))
	repos := repository.NewManager(cfg.Server.ReposDir, repository.WithLogger(logger))

	storeOpts := []session.StoreOption{session.WithStoreLogger(logger)}
	if dir := cfg.Server.SessionLogDir; dir != "" {
		storeOpts = append(storeOpts, session.WithEventLogs(func(id string) (session.Logger, error) {
			return session.OpenLog(dir, id)
		}))
	}
	sessions := session.NewStore(storeOpts...)

	orchOpts := []orchestration.Option{
		orchestration.WithPublicURL(cfg.Server.PublicURL),
		orchestration.WithLogger(logger),
		orchestration.WithLoopOptions(
			agent.WithRetriever(newRetriever(cfg.Knowledge, logger)),
			agent.WithMaxTurns(cfg.Agent.MaxTurns),
		),
		orchestration.WithListener(func(e orchestration.ProgressEvent) {
			logger.Info("task progress", "event", e.EventType, "session", e.SessionID, "task", e.TaskID,
				"num", e.TaskNum, "total", e.TotalTasks, "state", e.State)
		}),
	}
	if publisher != nil {
		orchOpts = append(orchOpts, orchestration.WithPublisher(publisher))
	}
	orch := orchestration.New(client, hub, repos, results, orchOpts...)

	server, err := webserver.New(webserver.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
		API: webapi.Deps{
			Sessions:    sessions,
			Processor:   orch,
			Auth:        auth.NewAuthenticator(introspector, logger),
			Tokens:      tokens,
			Hub:         hub,
			Repos:       repos,
			ModelName:   "agentsphere",
			StreamDelay: cfg.StreamDelay(),
			Logger:      logger,
		},
	})
	if err != nil {
		return nil, errors.Join(err, results.Close(), stopProvider())
	}
	return &app{server: server, hub: hub, results: results, provider: provider}, nil
}

func openResults(ctx context.Context, cfg projectconfig.StoreConfig) (resultStore, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening result store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

// newPublisher returns nil when archives are not published.
func newPublisher(cfg projectconfig.ArtifactsConfig) (artifacts.Publisher, error) {
	switch cfg.Kind {
	case "dir":
		return artifacts.NewDir(cfg.Dir), nil
	case "azblob":
		b, err := artifacts.NewBlob(cfg.AccountURL, cfg.Container, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, nil
	}
}

func newRetriever(cfg projectconfig.KnowledgeConfig, logger *slog.Logger) agent.Retriever {
	if cfg.URL == "" {
		logger.Warn("no knowledge service configured, knowledge queries will fail")
		return knowledge.Unavailable{}
	}
	var opts []knowledge.HTTPOption
	if cfg.APIKey != "" {
		opts = append(opts, knowledge.WithAPIKey(cfg.APIKey))
	}
	r := knowledge.NewHTTPRetriever(cfg.URL, opts...)
	if cfg.CacheDir == "" {
		return r
	}
	return knowledge.NewCached(r, knowledge.NewFileCache(cfg.CacheDir), cfg.CacheTTL, logger)
}
