package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/gridmind/internal/broker"
	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/config"
	"github.com/basket/gridmind/internal/cron"
	"github.com/basket/gridmind/internal/gateway"
	"github.com/basket/gridmind/internal/orchestrator"
	otelPkg "github.com/basket/gridmind/internal/otel"
	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/provider"
	"github.com/basket/gridmind/internal/schema"
	"github.com/basket/gridmind/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon in the foreground
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GRIDMIND_HOME           Data directory (default: ~/.gridmind)
  GRIDMIND_AUTH_TOKEN     Bearer token for the WS endpoint
  ANTHROPIC_API_KEY       Required for the streaming provider
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet stdout logs when attached to a terminal; the file log has
	// everything either way.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	llm, err := provider.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	if err != nil {
		fatalStartup(logger, "E_PROVIDER_INIT", err)
	}

	schemas := schema.NewRegistry()
	pool := gateway.NewExecutorPool()
	toolBroker := broker.New(pool, schemas,
		time.Duration(cfg.Tools.TimeoutSeconds)*time.Second, logger)

	limits := orchestrator.Limits{
		Tokens:      cfg.Limits.Tokens,
		Messages:    cfg.Limits.Messages,
		ToolCalls:   cfg.Limits.ToolCalls,
		MaxAge:      time.Duration(cfg.Limits.AgeDays) * 24 * time.Hour,
		MinMessages: cfg.Limits.MinMessages,
		WarnRatio:   cfg.Limits.WarnRatio,
	}

	compactor := orchestrator.NewCompactor(store, llm, cfg.LLM.Model, cfg.Compact.KeepRecent, logger)

	// systemPrompt is read through a closure so PROMPT.md hot-reloads take
	// effect on the next turn without restarting in-flight ones.
	promptCh := make(chan string, 1)
	currentPrompt := cfg.SystemPrompt
	systemPrompt := func() string {
		select {
		case p := <-promptCh:
			currentPrompt = p
		default:
		}
		return currentPrompt
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:        store,
		Provider:     llm,
		Broker:       toolBroker,
		Catalog:      pool,
		Bus:          eventBus,
		Registry:     orchestrator.NewRegistry(),
		Compactor:    compactor,
		Limits:       limits,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		SystemPrompt: systemPrompt,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path)
			switch filepath.Base(ev.Path) {
			case "PROMPT.md":
				data, err := os.ReadFile(ev.Path)
				if err != nil {
					logger.Warn("PROMPT.md reload failed", "error", err)
					break
				}
				select {
				case promptCh <- string(data):
				default:
					<-promptCh
					promptCh <- string(data)
				}
				logger.Info("PROMPT.md hot-reloaded")
			case "config.yaml":
				// Connection and model settings require a restart; only note it.
				logger.Info("config.yaml changed; restart to apply")
			}
		}
	}()

	authToken, err := loadAuthToken(cfg.HomeDir, cfg.AuthToken)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Orchestrator:      orch,
		Broker:            toolBroker,
		Schemas:           schemas,
		Pool:              pool,
		Bus:               eventBus,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            otelProvider.Tracer,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:  store,
		Bus:    eventBus,
		Limits: limits,
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()
	logger.Info("startup phase", "phase", "sweep_started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; in-flight turns observe the closing connections
	// and stop cooperatively. The store close is deferred last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the bearer token: config/env first, then the
// auth.token file, generated on first run if missing.
func loadAuthToken(homeDir, configured string) (string, error) {
	if tok := strings.TrimSpace(configured); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
