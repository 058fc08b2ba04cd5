package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tracyhatemice/imaprelay/internal/config"
	"github.com/tracyhatemice/imaprelay/internal/credential"
	"github.com/tracyhatemice/imaprelay/internal/forwarder"
)

func main() {
	app := &cli.App{
		Name:  "imaprelay",
		Usage: "relay an IMAP inbox to another address over SMTP",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file (.yaml or .toml)",
				Value:   config.DefaultPath(),
				EnvVars: []string{"IMAPRELAY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address, overrides metrics.addr",
			},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll the inbox and relay messages until interrupted",
				Action: runCommand,
			},
			{
				Name:   "check",
				Usage:  "validate the configuration and test both server connections",
				Action: checkCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.Path("config"), credential.Keyring{})
	if err != nil {
		return nil, nil, err
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	logger := setupLogger(cfg.Log)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

func connector(cfg *config.Config, logger *slog.Logger) *forwarder.Connector {
	return &forwarder.Connector{
		IMAP:   cfg.IMAPOptions(),
		SMTP:   cfg.SMTPOptions(),
		Logger: logger,
	}
}

func runCommand(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	fwd, err := forwarder.New(cfg.ForwarderConfig(), connector(cfg, logger), logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fwd.Run(ctx)
		return nil
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	go func() {
		<-ctx.Done()
		// Force exit on second signal.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	err = g.Wait()
	logger.Info("imaprelay stopped")
	return err
}

func checkCommand(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	conn := connector(cfg, logger)
	fcfg := cfg.ForwarderConfig()
	ctx := c.Context

	retr, err := conn.DialRetriever(ctx)
	if err != nil {
		return err
	}
	defer retr.Close()

	folders, err := retr.ListFolders(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(folders))
	fmt.Fprintf(c.App.Writer, "IMAP %s: %d folders\n", cfg.IMAPOptions().Addr(), len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
		fmt.Fprintf(c.App.Writer, "  %-40s %s\n", f.Name, f.Flags)
	}

	var missing []string
	for _, want := range []string{fcfg.Inbox, fcfg.Archive} {
		if !slices.Contains(names, want) {
			missing = append(missing, want)
		}
	}

	trans, err := conn.DialTransmitter(ctx)
	if err != nil {
		return err
	}
	defer trans.Close()
	fmt.Fprintf(c.App.Writer, "SMTP %s: ok\n", cfg.SMTPOptions().Addr())

	if len(missing) > 0 {
		return fmt.Errorf("missing folders: %v", missing)
	}
	fmt.Fprintln(c.App.Writer, "configuration ok")
	return nil
}

func setupLogger(cfg config.Log) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
