package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetmind/interceptor"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		Long: `Run the proxy until SIGINT or SIGTERM.

SIGHUP re-reads the config file and replaces filters, rules and mocks.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().Int("port", 0, "override server.port")
	cmd.Flags().String("host", "", "override server.host")
	cmd.Flags().String("admin-addr", "", "override admin.addr")
	cmd.Flags().Bool("upstream", false, "relay requests to their destination instead of acknowledging them")
	cmd.Flags().Bool("system-proxy", false, "point the OS proxy settings at the interceptor while running")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := interceptor.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	logger, closer, err := interceptor.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxy, err := cfg.NewProxy(ctx, logger)
	if err != nil {
		return err
	}
	if proxy.Archive != nil {
		defer func() { _ = proxy.Archive.Close() }()
	}
	if proxy.RateLimiter != nil {
		defer proxy.RateLimiter.Close()
	}

	if cfg.HasRemoteFilters() && cfg.Filter.ReloadInterval > 0 {
		loader, err := cfg.BuildFilterLoader()
		if err != nil {
			return err
		}
		cancel := proxy.Filters.StartAutoReload(ctx, loader, cfg.Filter.ReloadInterval)
		defer cancel()
		logger.Info("filter auto-reload enabled", "interval", cfg.Filter.ReloadInterval)
	}

	reload := interceptor.Reloader(configPath)
	if proxy.Admin != nil {
		proxy.Admin.ReloadFunc = reload
	}
	hup := interceptor.WatchSIGHUP(proxy, reload, logger)
	defer hup.Cancel()

	var control *http.Server
	if cfg.Admin.Addr != "" {
		control = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           proxy.ControlHandler(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		go func() {
			logger.Info("control API listening", "addr", cfg.Admin.Addr)
			if err := control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API", "error", err)
				stop()
			}
		}()
	}

	if err := proxy.Start(); err != nil {
		return err
	}
	logger.Info("configure clients to use this proxy", "addr", proxy.Addr(), "forward", cfg.Forward.Mode)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if control != nil {
		_ = control.Shutdown(shutdownCtx)
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *interceptor.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		port, _ := flags.GetInt("port")
		cfg.Server.Port = port
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("admin-addr") {
		cfg.Admin.Addr, _ = flags.GetString("admin-addr")
	}
	if up, _ := flags.GetBool("upstream"); up {
		cfg.Forward.Mode = "upstream"
	}
	if sp, _ := flags.GetBool("system-proxy"); sp {
		cfg.SystemProxy.Enabled = true
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.Logging.Level = "debug"
	}
	return cfg.Validate()
}
