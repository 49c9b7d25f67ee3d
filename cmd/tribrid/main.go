// Command tribrid runs the tri-source retrieval service.
//
// Usage:
//
//	tribrid serve --config config.yaml
//	tribrid serve --config config.yaml --watch
//	tribrid mcp --config config.yaml
//	tribrid validate config.yaml
//	tribrid schema > config.schema.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tribridrag/tribrid"
	"github.com/tribridrag/tribrid/pkg/answer"
	"github.com/tribridrag/tribrid/pkg/auth"
	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/embed"
	"github.com/tribridrag/tribrid/pkg/llm"
	"github.com/tribridrag/tribrid/pkg/observability"
	"github.com/tribridrag/tribrid/pkg/rerank"
	"github.com/tribridrag/tribrid/pkg/search"
	"github.com/tribridrag/tribrid/pkg/server"
	"github.com/tribridrag/tribrid/pkg/storage/graphdb"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve the engine as MCP tools over stdio."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Defaults to info."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose). Defaults to simple."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(tribrid.GetVersion().String())
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file and reload retrieval defaults on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if cleanup, err := applyConfigLogging(cli, cfg); err != nil {
		return err
	} else if cleanup != nil {
		defer cleanup()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	// Metrics and tracing come up before the stores so a bad
	// observability section fails the start instead of the first scrape.
	var metrics observability.Metrics = observability.NoopMetrics{}
	if cfg.Observability.MetricsEnabled == nil || *cfg.Observability.MetricsEnabled {
		m, err := observability.InitMetrics(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		observability.SetGlobalMetrics(m)
		metrics = m
	}

	shutdownTracer, err := observability.InitGlobalTracer(ctx, tracerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := shutdownTracer(flushCtx); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	core, err := buildCore(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer core.Close()

	validator, err := auth.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	// Watching re-applies retrieval defaults from the edited file.
	// Server, store, and provider settings still need a restart.
	if c.Watch && cli.Config != "" {
		loader, err := config.NewLoader(cli.Config, config.WithOnChange(func(next *config.Config) {
			core.resolver.SetGlobalDefaults(&next.Defaults)
		}))
		if err != nil {
			return err
		}
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	srv := server.New(server.Dependencies{
		Config:    cfg,
		Engine:    core.engine,
		Composer:  core.composer,
		Resolver:  core.resolver,
		Store:     core.store,
		Graph:     core.graph,
		Metrics:   metrics,
		Validator: validator,
	})

	printServeInfo(ctx, cfg, core, validator != nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := srv.Stop(stopCtx); err != nil {
		return err
	}
	return <-errCh
}

// loadConfig loads the given file, or built-in defaults without one.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		slog.Info("No config file given, using built-in defaults")
		return config.Default(), nil
	}
	_ = config.LoadDotEnvForConfig(path)
	cfg, _, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}

// core bundles the wired retrieval surface shared by serve and mcp.
type core struct {
	store     *postgres.Store
	graph     *graphdb.Store
	resolver  *search.Resolver
	engine    *search.Engine
	composer  *answer.Composer
	rerankers *rerank.Selector
}

// buildCore opens both stores and wires the engine and composer. The
// postgres schema is ensured here so a fresh database works without a
// migration step; neo4j connectivity is only checked at readiness.
func buildCore(ctx context.Context, cfg *config.Config, metrics observability.Metrics) (*core, error) {
	store, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx, cfg.Embedding.Dimension); err != nil {
		return nil, fmt.Errorf("failed to ensure postgres schema: %w", err)
	}

	graph, err := graphdb.Open(cfg.Neo4j)
	if err != nil {
		return nil, fmt.Errorf("failed to open neo4j: %w", err)
	}

	resolver := search.NewResolver(store, &cfg.Defaults)
	rerankers := rerank.NewSelector(cfg.Defaults.Rerank.IdleUnload)

	engine := search.NewEngine(search.EngineConfig{
		Resolver:   resolver,
		Chunks:     store,
		Graph:      graph,
		Embedder:   embed.NewClient(cfg.Embedding),
		Rerankers:  rerankers,
		Metrics:    metrics,
		LegTimeout: cfg.Server.LegTimeout(),
	})
	composer := answer.NewComposer(answer.ComposerConfig{
		Retriever: engine,
		Settings:  resolver,
		Router:    llm.NewRouter(cfg.Providers),
	})

	return &core{
		store:     store,
		graph:     graph,
		resolver:  resolver,
		engine:    engine,
		composer:  composer,
		rerankers: rerankers,
	}, nil
}

// Close unloads rerankers and closes the shared pools and drivers.
func (c *core) Close() {
	c.rerankers.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	graphdb.CloseDrivers(closeCtx)
	postgres.ClosePools()
}

func tracerConfig(cfg *config.Config) observability.TracerConfig {
	t := cfg.Observability.Tracing
	return observability.TracerConfig{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		Endpoint:     t.Endpoint,
		SamplingRate: t.SamplingRate,
		ServiceName:  t.ServiceName,
	}
}

// printServeInfo prints the startup summary.
func printServeInfo(ctx context.Context, cfg *config.Config, c *core, authOn bool) {
	accent := "\033[38;2;99;102;241m"
	reset := "\033[0m"
	addr := cfg.Server.Address()

	fmt.Printf("\n%sTriBrid server ready!%s\n", accent, reset)
	fmt.Printf("   Search:      http://%s/api/search\n", addr)
	fmt.Printf("   Answer:      http://%s/api/answer\n", addr)
	fmt.Printf("   Chat:        http://%s/api/chat\n", addr)
	fmt.Printf("   Health:      http://%s/api/health\n", addr)
	if cfg.Observability.MetricsEnabled == nil || *cfg.Observability.MetricsEnabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:     %s (%s)\n",
			cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
	}
	if authOn {
		fmt.Printf("   Auth:        bearer tokens required on /api/*\n")
	}

	if corpora, err := c.store.ListCorpora(ctx); err == nil {
		if len(corpora) == 0 {
			fmt.Println("\n   No corpora indexed yet.")
		} else {
			fmt.Println("\n   Corpora:")
			for _, corpus := range corpora {
				fmt.Printf("     - %s (%d chunks)\n", corpus.CorpusID, corpus.ChunkCount)
			}
		}
	}

	fmt.Println("\nPress Ctrl+C to stop")
}

// printBanner prints the startup banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err != nil || (fileInfo.Mode()&os.ModeCharDevice) == 0 {
		return
	}

	accent := "\033[38;2;99;102;241m"
	reset := "\033[0m"

	banner := `
████████╗██████╗ ██╗██████╗ ██████╗ ██╗██████╗
╚══██╔══╝██╔══██╗██║██╔══██╗██╔══██╗██║██╔══██╗
   ██║   ██████╔╝██║██████╔╝██████╔╝██║██║  ██║
   ██║   ██╔══██╗██║██╔══██╗██╔══██╗██║██║  ██║
   ██║   ██║  ██║██║██████╔╝██║  ██║██║██████╔╝
   ╚═╝   ╚═╝  ╚═╝╚═╝╚═════╝ ╚═╝  ╚═╝╚═╝╚═════╝
`
	fmt.Printf("%s%s%s\n", accent, banner, reset)
}

// shouldShowBanner reports whether the invoked command owns stdout for
// human output. MCP speaks its protocol over stdout and must stay
// clean; validate, schema, and version output gets piped.
func shouldShowBanner(args []string) bool {
	for _, arg := range args {
		if arg == "serve" {
			return true
		}
	}
	return false
}

func main() {
	if shouldShowBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tribrid"),
		kong.Description("TriBrid - tri-source retrieval with fused ranking and grounded answers"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
