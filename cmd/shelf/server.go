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
	"golang.org/x/net/netutil"

	"github.com/kalambet/shelf/internal/api"
	"github.com/kalambet/shelf/internal/attachment"
	"github.com/kalambet/shelf/internal/blobstore"
	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/lifecycle"
	"github.com/kalambet/shelf/internal/metastore"
	"github.com/kalambet/shelf/internal/resilience"
	"github.com/kalambet/shelf/internal/scanner"
	"github.com/kalambet/shelf/internal/vision"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shelf daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shelf daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shelf daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shelf.pid")
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

func retryConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		MaxRetries:        cfg.Resilience.MaxRetries,
		BaseDelay:         cfg.BaseDelay(),
		MaxDelay:          cfg.MaxDelay(),
		BackoffMultiplier: cfg.Resilience.BackoffMultiplier,
		BreakerThreshold:  cfg.Resilience.BreakerThreshold,
		BreakerTimeout:    cfg.BreakerTimeout(),
		Logging:           true,
		Metrics:           true,
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "shelf version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.LoadOrCreateToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: probe the health endpoint before taking the
	// PID file over.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("shelf is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("shelf is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := metastore.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() {
		if err := meta.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing metadata store: %v\n", err)
		}
	}()

	files, err := blobstore.NewManager(filepath.Join(cfg.Storage.DataDir, "attachments"))
	if err != nil {
		return fmt.Errorf("opening attachment storage: %w", err)
	}

	exec := resilience.NewExecutor(cfg.Resilience.LogCapacity)
	retry := retryConfig(cfg)

	svc := attachment.NewService(attachment.Deps{
		Scanner:   scanner.New(int64(cfg.Storage.MaxUploadBytes)),
		Files:     files,
		Meta:      meta,
		Exec:      exec,
		Retention: cfg.Retention(),
		Retry:     retry,
	})

	sweeper := lifecycle.NewEngine(meta, files, cfg.SweepInterval())
	go sweeper.Run(ctx)
	slog.Info("lifecycle engine started", "interval", cfg.SweepInterval().String())

	var describer api.Describer
	if cfg.Vision.Enabled {
		visionClient := vision.NewClient(cfg.Vision.BaseURL)
		if visionClient.IsRunning(ctx) {
			slog.Info("vision model available", "base_url", cfg.Vision.BaseURL, "model", cfg.Vision.Model)
		} else {
			slog.Warn("vision model not reachable, descriptions will degrade until it is", "base_url", cfg.Vision.BaseURL)
		}
		describer = vision.NewDescriber(visionClient, svc, exec, cfg.Vision.Model, retry)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Service:  svc,
		Sweeper:  sweeper,
		Exec:     exec,
		Describe: describer,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.ConnLimit > 0 {
		listener = netutil.LimitListener(listener, cfg.Server.ConnLimit)
	}
	srv := &http.Server{Handler: handler}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Service:  svc,
		Sweeper:  sweeper,
		Exec:     exec,
		Describe: describer,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "shelf listening on %s\n", addr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
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
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("shelf is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop shelf (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to shelf (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Vision.Enabled {
		visionResp, err := client.Get(cfg.Vision.BaseURL + "/api/version")
		if err != nil {
			printStatus("Vision", "not running")
		} else {
			visionResp.Body.Close()
			printStatus("Vision", "%s at %s", cfg.Vision.Model, cfg.Vision.BaseURL)
		}
	} else {
		printStatus("Vision", "disabled")
	}

	if running {
		if cli, err := newAPIClient(); err == nil {
			var stats struct {
				Storage struct {
					RecordCount int64 `json:"record_count"`
					TotalBytes  int64 `json:"total_bytes"`
					DiskFree    int64 `json:"disk_free"`
				} `json:"storage"`
			}
			if resp, err := cli.get(context.Background(), "/stats"); err == nil {
				if decodeJSON(resp, &stats) == nil {
					printStatus("Attachments", "%d (%s)", stats.Storage.RecordCount, humanBytes(stats.Storage.TotalBytes))
					printStatus("Disk free", "%s", humanBytes(stats.Storage.DiskFree))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
