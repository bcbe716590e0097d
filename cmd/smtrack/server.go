package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/williamDalston/social-media-scraper-sub002/internal/api"
	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/config"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/metrics"
	"github.com/williamDalston/social-media-scraper-sub002/internal/ratelimit"
	"github.com/williamDalston/social-media-scraper-sub002/internal/retry"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scheduler"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
	"github.com/williamDalston/social-media-scraper-sub002/internal/source"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
	"github.com/williamDalston/social-media-scraper-sub002/internal/validate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the scheduled scraper (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running smtrack server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, storage and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 2 * time.Second
		showStatus(cmd.Context(), client, cfg)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "also serve MCP tools over stdio")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "smtrack.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newRegistry registers the configured adapter for every known source.
func newRegistry(cfg config.ScrapeConfig) *source.Registry {
	reg := source.NewRegistry()
	var adapter source.Adapter
	switch cfg.Adapter {
	case config.AdapterHTTP:
		adapter = source.NewHTTPAdapter(cfg.HTTPBaseURL, cfg.RequestTimeout)
	default:
		sim := source.NewSimulated()
		sim.FailureRate = cfg.FailureRate
		adapter = sim
	}
	for _, src := range source.Known() {
		reg.Register(src, adapter)
	}
	return reg
}

// openCache builds the cache facade. An empty redis URL leaves it L1-only.
// A Redis that does not answer at startup leaves the facade degraded until
// Monitor sees it come back.
func openCache(ctx context.Context, cfg config.CacheConfig, m *metrics.Collector) (*cache.Facade, func()) {
	opts := cache.Options{
		L1Capacity:    cfg.L1Capacity,
		L1TTL:         cfg.L1TTL,
		OutageTTL:     cfg.OutageTTL,
		ProbeInterval: cfg.ProbeInterval,
		Metrics:       m,
	}
	if cfg.RedisURL == "" {
		slog.Info("cache running L1 only, no redis url configured")
		return cache.NewFacade(nil, opts), func() {}
	}

	client, err := cache.NewRedisClient(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		slog.Warn("invalid redis config, cache running L1 only", "error", err)
		return cache.NewFacade(nil, opts), func() {}
	}
	facade := cache.NewFacade(cache.NewRedisL2(client, cfg.KeyPrefix), opts)
	if err := facade.Revalidate(ctx); err != nil {
		slog.Warn("redis unavailable at startup, serving from L1 until it recovers", "error", err)
	} else {
		slog.Info("connected to redis", "prefix", cfg.KeyPrefix)
	}
	return facade, func() {
		if err := client.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "smtrack version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	collector := metrics.New()
	facade, closeCache := openCache(ctx, cfg.Cache, collector)
	defer closeCache()
	defer facade.Close()
	go facade.Monitor(ctx, cfg.Cache.ProbeInterval)

	dash := dashboard.NewService(store, facade, cfg.Cache.WarmTopN)
	warmer := cache.NewWarmer(facade, slog.Default(), dash.WarmProviders)

	orch := scrape.New(
		store,
		newRegistry(cfg.Scrape),
		ratelimit.New(cfg.Scrape.MinInterval),
		validate.New(cfg.Scrape.FollowerCeiling),
		scrape.Config{
			MaxWorkers:     cfg.Scrape.MaxWorkers,
			RequestTimeout: cfg.Scrape.RequestTimeout,
			Retry: retry.Policy{
				MaxAttempts: cfg.Scrape.MaxAttempts,
				BaseDelay:   cfg.Scrape.BackoffUnit,
			},
		},
		scrape.WithCache(facade),
		scrape.WithWarmer(warmer),
		scrape.WithMetrics(collector),
	)

	sched := scheduler.New(orch, slog.Default())
	if err := sched.Schedule(cfg.Scrape.Schedule); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()
	if next := sched.Next(); !next.IsZero() {
		slog.Info("scrape scheduled", "cron", sched.Expr(), "next", next)
	}

	warmer.Warm(ctx)

	handler := api.NewHandler(api.Deps{
		Dashboard: dash,
		Scraper:   orch,
		Runs:      store,
		Cache:     facade,
		Store:     store,
		Metrics:   collector,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Dashboard: dash,
			Scraper:   orch,
			Cache:     facade,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "smtrack listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	warmer.Wait()
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("smtrack is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping smtrack (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to smtrack (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, client *apiClient, cfg config.Config) {
	defer func() {
		printStatus("Adapter", "%s", cfg.Scrape.Adapter)
		schedule := cfg.Scrape.Schedule
		if schedule == "" {
			schedule = "disabled"
		}
		printStatus("Schedule", "%s", schedule)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}()

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return
	}
	var health api.HealthResponse
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Storage", "%s", health.Storage)
	printStatus("Cache", "%s", health.Cache)

	if resp, err := client.get(ctx, "/api/summary"); err == nil {
		var sum storage.Summary
		if decodeJSON(resp, &sum) == nil {
			printStatus("Accounts", "%d tracked, %d scraped", sum.Accounts, sum.ScrapedAccounts)
			if sum.LatestDate != "" {
				printStatus("Latest", "%s", sum.LatestDate)
			}
		}
	}

	if resp, err := client.get(ctx, "/api/runs?limit=1"); err == nil {
		var runs []storage.RunRecord
		if decodeJSON(resp, &runs) == nil && len(runs) > 0 {
			r := runs[0]
			printStatus("Last run", "%s (%s), %d/%d succeeded", r.StartedAt.Local().Format(time.DateTime), r.Mode, r.Succeeded, r.Attempted)
		}
	}
}
