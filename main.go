package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/github-mirror/dispatch"
	"github.com/utilitywarehouse/github-mirror/mirror"
	"github.com/utilitywarehouse/github-mirror/runner"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Sources:  cli.EnvVars("GITHUB_MIRROR_CONFIG"),
			Usage:    "Path to the config file.",
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "Run as a webhook server instead of a one-shot update.",
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Value:   8080,
			Usage:   "Webhook listen port (server mode).",
		},
		&cli.IntFlag{
			Name:  "metrics-port",
			Value: 9090,
			Usage: "Prometheus metrics listen port (server mode), 0 disables the listener.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func main() {
	cmd := &cli.Command{
		Name:      "github-mirror",
		Usage:     "github-mirror keeps local bare mirrors of GitHub repositories up to date.",
		ArgsUsage: "[mirror names...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			// set log level according to argument
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}

			configPath := c.String("config")

			// PATH so git can resolve helpers, HOME for its global config
			commonENVs := []string{
				fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
				fmt.Sprintf("HOME=%s", os.Getenv("HOME")),
			}

			run := runner.New(logger.With("logger", "runner"))
			store := mirror.NewStore("git", run, commonENVs, logger.With("logger", "mirror"))

			if c.Bool("server") {
				return runServer(ctx, c, store, configPath)
			}
			return runBatch(ctx, store, configPath, c.Args().Slice())
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

// runBatch performs one synchronous update pass over the named mirrors, or
// over all configured mirrors when no names are given. Config is loaded
// once for the whole invocation.
func runBatch(ctx context.Context, store *mirror.Store, configPath string, names []string) error {
	conf, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("unable to load config file: %w", err)
	}

	d := dispatch.New(func(ctx context.Context, names []string) error {
		return store.UpdateMirrors(ctx, conf, names)
	}, logger.With("logger", "dispatch"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.Run(ctx)

	if err := d.DispatchSync(ctx, names...); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	cancel()
	<-d.Stopped
	return nil
}

func runServer(ctx context.Context, c *cli.Command, store *mirror.Store, configPath string) error {
	// fail early on an unreadable config rather than on the first delivery
	if _, err := loadConfig(configPath); err != nil {
		return fmt.Errorf("unable to load config file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := dispatch.New(func(ctx context.Context, names []string) error {
		// re-read config every pass so edits apply between updates
		conf, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return store.UpdateMirrors(ctx, conf, names)
	}, logger.With("logger", "dispatch"))
	go d.Run(ctx)

	if port := c.Int("metrics-port"); port != 0 {
		mirror.EnableMetrics("github_mirror", prometheus.DefaultRegisterer)
		prometheus.DefaultRegisterer.MustRegister(configSuccess, configSuccessTime)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("starting metrics listener", "port", port)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener terminated", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", c.Int("port")),
		Handler: &webhookHandler{
			loadConfig: func() (*mirror.Config, error) { return loadConfig(configPath) },
			dispatcher: d,
			log:        logger.With("logger", "webhook"),
		},
	}
	go func() {
		logger.Info("starting webhook listener", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook listener terminated", "err", err)
			cancel()
		}
	}()

	//listenForShutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("unable to shut down webhook listener cleanly", "err", err)
	}

	cancel()
	<-d.Stopped
	return nil
}
