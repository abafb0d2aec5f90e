package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-digest/cmd"
	"github.com/dhcgn/newsletter-digest/config"
	"github.com/dhcgn/newsletter-digest/digest"
	"github.com/dhcgn/newsletter-digest/imap"
	"github.com/dhcgn/newsletter-digest/llm"
	"github.com/dhcgn/newsletter-digest/mbox"
	"github.com/dhcgn/newsletter-digest/newsletter"
	"github.com/dhcgn/newsletter-digest/progress"
	"github.com/dhcgn/newsletter-digest/report"
	"github.com/dhcgn/newsletter-digest/runner"
	"github.com/dhcgn/newsletter-digest/stats"
	"github.com/dhcgn/newsletter-digest/summarize"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "newsletter-digest",
		Short:         "Summarize recent newsletters from a mailbox into a digest",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting newsletter-digest", "senders", cfg.Senders, "windowDays", cfg.WindowDays, "mbox", cfg.MboxPath, "workers", cfg.Workers)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	client, err := llm.New(llm.Options{
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		Timeout:  cfg.LLMTimeout,
	})
	if err != nil {
		return fmt.Errorf("llm.New: %w", err)
	}

	r, err := runner.New(ctx, cfg, summarize.New(client), logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)
	metrics := stats.NewMetrics()
	metrics.Subscribe(r)
	progress.New(cfg.Progress).Subscribe(r)

	since := cfg.Since(time.Now())
	if cfg.MboxPath != "" {
		source, err := mbox.NewSource(mbox.Options{Path: cfg.MboxPath, Senders: cfg.Senders, Since: since}, logger)
		if err != nil {
			return fmt.Errorf("mbox.NewSource: %w", err)
		}
		source.Register(r)
	} else {
		retriever, err := imap.NewRetriever(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			Senders:            cfg.Senders,
			Since:              since,
		}, logger)
		if err != nil {
			return fmt.Errorf("imap.NewRetriever: %w", err)
		}
		retriever.Register(r)
	}

	if err := r.Start(); err != nil {
		return err
	}
	defer writeMetrics(cfg, metrics, logger)

	if r.Retrieved() == 0 {
		fmt.Fprintln(out, report.NoMessages)
		return nil
	}

	report.Failed(out, r.Failed())
	table := r.Digest()
	if err := report.Digest(out, table); err != nil {
		return err
	}

	if cfg.CSVPath != "" {
		if err := report.WriteCSVFile(cfg.CSVPath, table); err != nil {
			return err
		}
		logger.Info("digest exported", "path", cfg.CSVPath, "rows", table.Len())
	}

	if cfg.Newsletter {
		composeNewsletter(ctx, client, table, metrics, logger, out)
	}

	report.Summary(out, reporter.Summary())
	return nil
}

// composeNewsletter prints the newsletter. A failure is logged and leaves the
// printed digest as the result of the run.
func composeNewsletter(ctx context.Context, client *llm.Client, table digest.Table, metrics *stats.Metrics, logger *slog.Logger, out io.Writer) {
	started := time.Now()
	text, err := newsletter.New(client).Compose(ctx, table)
	if err != nil {
		logger.Error("failed to generate newsletter", "err", err)
		metrics.Observe(stats.Event{Stage: stats.StageNewsletter, Type: stats.EventTypeError, Err: err})
		return
	}
	metrics.Observe(stats.Event{Stage: stats.StageNewsletter, Type: stats.EventTypeComposed, Duration: time.Since(started)})
	report.Newsletter(out, text)
}

func writeMetrics(cfg config.Config, metrics *stats.Metrics, logger *slog.Logger) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Warn("failed to write metrics", "path", cfg.MetricsFile, "err", err)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("newsletter-digest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
