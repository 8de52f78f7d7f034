package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"climcp/internal/catalog"
	"climcp/internal/config"
	"climcp/internal/demo"
	"climcp/internal/filter"
	"climcp/internal/protocol"
	"climcp/internal/server"
	"climcp/internal/telemetry"
	"climcp/internal/transport"
)

const (
	serverName    = "climcp"
	serverVersion = "0.1.0"

	instructions = "Tools mirror CLI commands. Call them with the documented " +
		"arguments and flags; output is the command's captured stdout."
)

type cliOptions struct {
	configPath string
	profile    string

	maxTools    int
	strategy    string
	callTimeout time.Duration
	topics      []string
	include     []string
	exclude     []string
	priority    []string

	httpMode  bool
	addr      string
	authToken string

	logLevel    string
	printConfig bool
}

func newRootCommand() *cobra.Command {
	var opts cliOptions

	root := &cobra.Command{
		Use:          "climcp",
		Short:        "Expose the CLI command registry as an MCP server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAdapter(cmd, &opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the configuration file")
	flags.StringVar(&opts.profile, "profile", "", "named filter profile to apply")
	flags.IntVar(&opts.maxTools, "max-tools", filter.DefaultMaxTools, "maximum number of exposed tools")
	flags.StringVar(&opts.strategy, "strategy", string(filter.StrategyPrioritize), "limit strategy: first, prioritize, balanced, or strict")
	flags.DurationVar(&opts.callTimeout, "call-timeout", 0, "per-tool-call execution timeout (0 disables)")
	flags.StringSliceVar(&opts.topics, "topics", nil, "topics to include (empty includes all)")
	flags.StringSliceVar(&opts.include, "include", nil, "command id patterns to include")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "command id patterns to exclude")
	flags.StringSliceVar(&opts.priority, "priority", nil, "command id patterns kept first under the prioritize strategy")
	flags.BoolVar(&opts.httpMode, "http", false, "serve over HTTP instead of stdio")
	flags.StringVar(&opts.addr, "addr", "", "HTTP listen address (defaults from config)")
	flags.StringVar(&opts.authToken, "auth-token", "", "bearer token required on HTTP requests")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, or error")
	flags.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration as YAML and exit")

	return root
}

// flagOverrides maps explicitly set flags onto the override layer. Unset
// flags stay nil so config file and profile values shine through.
func flagOverrides(cmd *cobra.Command, opts *cliOptions) *filter.Overrides {
	var o filter.Overrides

	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "max-tools":
			o.MaxTools = &opts.maxTools
		case "strategy":
			strategy := filter.Strategy(opts.strategy)
			o.Strategy = &strategy
		case "call-timeout":
			o.CallTimeout = &opts.callTimeout
		case "topics":
			o.TopicsInclude = opts.topics
		case "include":
			o.CommandsInclude = opts.include
		case "exclude":
			o.CommandsExclude = opts.exclude
		case "priority":
			o.CommandsPriority = opts.priority
		}
	})

	return &o
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

func runAdapter(cmd *cobra.Command, opts *cliOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	levelName := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		levelName = opts.logLevel
	}
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}

	// Diagnostics always go to stderr; in stdio mode stdout carries protocol
	// traffic only.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	eff, err := filter.Effective(cfg.Filter, opts.profile, flagOverrides(cmd, opts))
	if err != nil {
		return err
	}

	if opts.printConfig {
		resolved := cfg
		resolved.Filter = eff
		resolved.LogLevel = levelName
		out, err := config.Dump(resolved)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	}

	result, err := filter.Run(demo.Commands(), eff, logger)
	if err != nil {
		return err
	}
	logger.Info("command registry filtered",
		slog.Int("exposed", len(result.Filtered)),
		slog.Int("excluded", len(result.Excluded)))
	for reason, count := range result.Summary() {
		logger.Debug("exclusions", slog.String("reason", string(reason)), slog.Int("count", count))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools := catalog.NewTools(result.Filtered, eff.ToolLimits.CallTimeout, logger)
	resources, prompts := catalog.Collect(ctx, result.Filtered, logger)

	var (
		tr         server.Transport
		httpServer *http.Server
		listenErrs = make(chan error, 1)
	)

	if opts.httpMode {
		metrics := telemetry.New()
		tools.Observe(func(outcome string) {
			metrics.ToolCalls.WithLabelValues(outcome).Inc()
		})

		addr := cfg.HTTP.Addr
		if cmd.Flags().Changed("addr") {
			addr = opts.addr
		}
		token := cfg.HTTP.AuthToken
		if cmd.Flags().Changed("auth-token") {
			token = opts.authToken
		}

		httpTransport := transport.NewHTTP(logger, transport.HTTPOptions{
			AuthToken:      token,
			EventLogLimit:  cfg.HTTP.EventLogLimit,
			EventRetention: cfg.HTTP.EventRetention,
			IdleTimeout:    cfg.HTTP.IdleTimeout,
			SweepInterval:  cfg.HTTP.SweepInterval,
			Metrics:        metrics,
		})
		tr = httpTransport

		httpServer = &http.Server{Addr: addr, Handler: httpTransport.Handler()}
		go func() {
			logger.Info("listening", slog.String("addr", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErrs <- err
			}
		}()
	} else {
		tr = transport.NewStdIO(os.Stdin, os.Stdout, logger)
	}

	srv := server.New(
		protocol.Info{Name: serverName, Version: serverVersion},
		tr, tools, resources, prompts,
		server.WithLogger(logger),
		server.WithInstructions(instructions),
	)

	serveDone := make(chan struct{})
	go func() {
		srv.Serve()
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listenErrs:
		return fmt.Errorf("http server: %w", err)
	case <-serveDone:
		// stdio client closed its end
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("err", err.Error()))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-serveDone

	return nil
}
