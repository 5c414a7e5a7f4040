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

	"github.com/spf13/cobra"

	"github.com/kalambet/qwenbridge/internal/api"
	"github.com/kalambet/qwenbridge/internal/attach"
	"github.com/kalambet/qwenbridge/internal/bridge"
	"github.com/kalambet/qwenbridge/internal/catalog"
	"github.com/kalambet/qwenbridge/internal/config"
	"github.com/kalambet/qwenbridge/internal/credential"
	"github.com/kalambet/qwenbridge/internal/metrics"
	"github.com/kalambet/qwenbridge/internal/session"
	"github.com/kalambet/qwenbridge/internal/storage"
	"github.com/kalambet/qwenbridge/internal/translate"
	"github.com/kalambet/qwenbridge/internal/upstream"
)

const uploadPruneSchedule = "@every 1h"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qwenbridge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qwenbridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qwenbridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qwenbridge.pid")
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

// app holds the long-lived components shared by the HTTP and MCP front ends.
type app struct {
	cfg       config.Config
	store     *storage.Store
	catalog   *catalog.Catalog
	retention *storage.Retention
	metrics   *metrics.Collector
	service   *bridge.Service
	closers   []func()
}

// credentials builds the vendor token provider: a watched token file when
// configured, otherwise the configured token (comma-separated for a pool).
func credentials(cfg config.UpstreamConfig) (credential.Provider, func(), error) {
	if cfg.TokensFile != "" {
		p, err := credential.NewFileProvider(cfg.TokensFile, true)
		if err != nil {
			return nil, nil, fmt.Errorf("loading tokens file: %w", err)
		}
		return p, func() { p.Close() }, nil
	}

	var tokens []string
	for _, t := range strings.Split(cfg.AuthToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	switch len(tokens) {
	case 0:
		return nil, nil, errors.New("no vendor auth token configured")
	case 1:
		return credential.Static(tokens[0]), func() {}, nil
	default:
		return credential.NewPool(tokens), func() {}, nil
	}
}

// newApp wires every component. Background jobs stop when ctx is done.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	creds, closeCreds, err := credentials(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeCreds)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	})

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
	}

	client := upstream.NewClientWithOptions(creds, upstream.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		Timeout:       cfg.Upstream.RequestTimeout,
		StreamTimeout: cfg.Upstream.StreamTimeout,
	})
	uploader := attach.NewUploader(client, attach.OSSStore{Timeout: cfg.Upstream.UploadTimeout})
	sessions := session.NewManager(client, session.WithRecorder(session.Recorders{store, a.metrics}))

	a.catalog = catalog.New(client, catalog.WithRefreshHook(a.metrics.SetCatalogSize))
	a.catalog.Load(ctx)
	if err := a.catalog.StartRefresh(ctx, cfg.Catalog.RefreshSchedule); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.catalog.Stop)

	a.retention = storage.NewRetention(store, cfg.Storage.UploadTTL)
	if err := a.retention.Start(ctx, uploadPruneSchedule); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.retention.Stop)

	a.service = bridge.New(bridge.Config{
		Client:       client,
		Sessions:     sessions,
		Catalog:      a.catalog,
		Uploader:     uploader,
		Registry:     store,
		Metrics:      a.metrics,
		DefaultModel: cfg.Upstream.DefaultModel,
		Policy:       translate.ParsePolicy(cfg.Attachments.UnsupportedPolicy),
	})
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) handler() http.Handler {
	opts := api.Options{APIKey: a.cfg.Server.APIKey}
	if a.metrics != nil {
		opts.Metrics = a.metrics.Handler()
	}
	return api.NewOpenAIHandler(a.service, opts)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "qwenbridge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(localURL(cfg.Server) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qwenbridge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qwenbridge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Server.APIKey == "" {
		slog.Warn("server.api_key not set, /v1 routes are open to anyone who can reach the port")
	}

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("qwenbridge listening", "addr", addr, "upstream", cfg.Upstream.BaseURL, "default_model", cfg.Upstream.DefaultModel)
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

	// In-flight streams end when their request contexts are cancelled, which
	// closes and deletes their upstream chats.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("qwenbridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qwenbridge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qwenbridge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}
	reportStatus(context.Background(), client, cfg)
	return nil
}

func reportStatus(ctx context.Context, client *apiClient, cfg config.Config) {
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running at %s", client.baseURL)
		var list translate.ModelList
		if mresp, err := client.get(ctx, "/v1/models"); err == nil && decodeJSON(mresp, &list) == nil {
			printStatus("Models", "%s", countLabel(len(list.Data)))
		}
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
	printStatus("Default model", "%s", cfg.Upstream.DefaultModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

func countLabel(count int) string {
	if count == 1 {
		return "1 model"
	}
	return fmt.Sprintf("%d models", count)
}
