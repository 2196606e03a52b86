package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"exeio/internal/config"
	"exeio/internal/logio"
	"exeio/internal/manager"
	"exeio/internal/metrics"
	"exeio/internal/process"
	"exeio/internal/server"
	"exeio/internal/singletonlock"
)

// version is set at build time via -ldflags; it defaults to "dev" for
// local builds.
var version = "dev"

type serveFlagsT struct {
	host      string
	port      uint16
	apiKey    string
	dataDir   string
	globalEnv []string
}

func createServeCommand(flags *serveFlagsT) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", "127.0.0.1", "listen host")
	cmd.Flags().Uint16Var(&flags.port, "port", 8080, "listen port")
	cmd.Flags().StringVar(&flags.apiKey, "api-key", "", "api key required on every route except /info (default: randomly generated)")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "directory for logs, config, and the lock file")
	cmd.Flags().StringArrayVar(&flags.globalEnv, "global-env", nil, "KEY=VALUE pair applied under every entry's own env (repeatable)")
	return cmd
}

func defaultDataDir() string {
	if d := os.Getenv("EXEIO_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/exeio"
	}
	return filepath.Join(home, ".exeio")
}

func runServe(flags *serveFlagsT) error {
	apiKey := flags.apiKey
	if apiKey == "" {
		apiKey = "exeio_" + uuid.NewString()
	}

	if err := os.MkdirAll(flags.dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lockPath := filepath.Join(flags.dataDir, "exeio.lock")
	lock, err := singletonlock.Acquire(lockPath)
	if err != nil {
		if err == singletonlock.ErrHeld {
			_, _ = fmt.Fprintln(os.Stderr, "exeio: another instance already holds", lockPath)
			os.Exit(2)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	logDir := filepath.Join(flags.dataDir, "logs")
	if err := manager.EnsureLogDir(logDir); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	sysLog := logio.OpenSystem(filepath.Join(logDir, "_system.log"), flags.host+":"+fmt.Sprint(flags.port))
	defer func() { _ = sysLog.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	globalEnv := make(map[string]string, len(flags.globalEnv))
	for _, kv := range flags.globalEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] != "" {
			globalEnv[kv[:i]] = kv[i+1:]
		}
	}

	store := config.Open(filepath.Join(flags.dataDir, "config.json"))
	reg := manager.New(logDir, sysLog, globalEnv, store.Save)

	saved, err := store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, e := range saved {
		if _, err := reg.Add(e); err != nil {
			_ = sysLog.Append("SYSTEM", fmt.Sprintf("reload %s failed: %v", e.ID, err))
		}
	}

	if err := store.Watch(func(entries []process.Entry) {
		_ = sysLog.Append("SYSTEM", fmt.Sprintf("detected external config edit (%d entries on disk)", len(entries)))
	}); err != nil {
		_ = sysLog.Append("SYSTEM", fmt.Sprintf("config watch disabled: %v", err))
	}
	defer func() { _ = store.Close() }()

	bind := fmt.Sprintf("%s:%d", flags.host, flags.port)
	router := server.New(reg, bind, version)
	httpServer := &http.Server{
		Addr:              bind,
		Handler:           router.Handler(apiKey),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Fprintf(os.Stdout, "exeio listening on %s (api key: %s)\n", bind, apiKey)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
	case <-router.ShutdownRequested():
	}

	_ = httpServer.Close()
	reg.Shutdown()
	return nil
}
