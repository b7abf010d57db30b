package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/Iminance/realityflow-2/internal/app"
	"github.com/Iminance/realityflow-2/internal/config"
	"github.com/Iminance/realityflow-2/internal/persistence"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	addr := pflag.String("addr", "", "listen address (host:port), overrides server config")
	logLevel := pflag.String("log-level", "", "log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		if err := applyAddr(&cfg, *addr); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --addr: %v\n", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// stdout carries JSON-RPC when the admin surface runs over stdio.
	logWriter := io.Writer(os.Stdout)
	if cfg.Admin.Mode == "stdio" {
		logWriter = os.Stderr
	}
	if logPath := os.Getenv("REALITYFLOW_LOG_PATH"); logPath != "" {
		fileWriter, file, err := newLogFileWriter(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = fileWriter
		}
	}
	logger := newLogger(logWriter, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DB.Driver == "sqlite" {
		if err := ensureDBDir(cfg.DB.DSN); err != nil {
			logger.Error("failed to prepare database path", "error", err)
			os.Exit(1)
		}
	}

	db, err := persistence.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrationsContext(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	coordinator, err := app.New(cfg, db, app.Options{Version: version, Logger: logger})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting coordinator",
		"version", version,
		"db_driver", cfg.DB.Driver,
		"auth", cfg.Auth.Enabled,
		"admin", cfg.Admin.Mode,
	)
	if err := coordinator.Serve(ctx, cfg.Server.Addr()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func applyAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

type logFileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func newLogFileWriter(path string) (*logFileWriter, *os.File, error) {
	if err := ensureLogDir(path); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	writer := &logFileWriter{path: path, file: file}
	if err := writer.truncateIfNeeded(); err != nil {
		return nil, nil, err
	}
	return writer, file, nil
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.truncateIfNeeded(); err != nil {
		return n, err
	}
	return n, nil
}

func (w *logFileWriter) truncateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}
	if size <= keepLogSizeBytes {
		return nil
	}

	buf := make([]byte, keepLogSizeBytes)
	if _, err := w.file.Seek(size-keepLogSizeBytes, io.SeekStart); err != nil {
		return err
	}
	n, err := w.file.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}
