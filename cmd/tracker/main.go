// Command tracker uploads documents for processing and follows the session
// on the notification hub until it completes.
//
// Usage:
//
//	tracker FILE...
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kmcai/portfolio-status/internal/config"
	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/health"
	"github.com/kmcai/portfolio-status/internal/notify"
	"github.com/kmcai/portfolio-status/internal/tracker"
	"github.com/kmcai/portfolio-status/internal/upload"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tracker FILE...")
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, os.Args[1:], logger); err != nil {
		var uerr *domain.UploadTransportError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, uerr.UserMessage())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig, paths []string, logger *slog.Logger) error {
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		f, err := upload.FromPath(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HubHealthAddr != "" {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		err := health.Probe(probeCtx, cfg.HubHealthAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("notification hub not healthy: %w", err)
		}
	}

	nc := notify.DefaultConfig(cfg.HubURL)
	nc.HandshakeTimeout = cfg.HandshakeTimeout
	nc.InvokeTimeout = cfg.InvokeTimeout
	nc.KeepaliveInterval = cfg.KeepaliveInterval
	nc.Reconnect = notify.ReconnectPolicy{
		InitialInterval: cfg.ReconnectInitial,
		MaxInterval:     cfg.ReconnectMax,
		Multiplier:      2,
		MaxElapsedTime:  cfg.ReconnectMaxElapsed,
	}

	uploader := upload.New(upload.Config{
		BaseURL:     cfg.BackendURL,
		Path:        cfg.UploadPath,
		Timeout:     cfg.UploadTimeout,
		MaxFileSize: cfg.MaxFileSize,
	}, logger)

	r := &renderer{out: os.Stdout, done: make(chan struct{})}
	t := tracker.New(tracker.Options{
		Notify:   nc,
		Uploader: uploader,
		Logger:   logger,
		OnChange: r.render,
	})
	defer func() { _ = t.Close() }()

	res, err := t.Start(ctx, files)
	if err != nil {
		return err
	}
	if res != nil {
		fmt.Fprintf(os.Stdout, "Files uploaded successfully! Processing has started (%s).\n", res.Status)
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.UploadTimeout):
		return fmt.Errorf("processing did not complete within %s", cfg.UploadTimeout)
	}
}

// renderer prints the view whenever a visible part of it changes.
type renderer struct {
	out  io.Writer
	done chan struct{}
	once sync.Once
	last string
}

func (r *renderer) render(v tracker.View) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", v.SessionID, v.Status)
	for _, s := range v.Steps {
		fmt.Fprintf(&b, "  %-12s %-32s %s\n", s.Status, s.Description, s.ValidationMessage)
	}
	fmt.Fprintf(&b, "  progress %3d%%  %s\n", v.Progress, v.Headline)

	frame := b.String()
	if frame != r.last {
		r.last = frame
		fmt.Fprint(r.out, frame)
	}
	if v.Complete {
		r.once.Do(func() { close(r.done) })
	}
}
