package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/framesrv/internal/admin"
	"github.com/danmuck/framesrv/internal/config"
	"github.com/danmuck/framesrv/internal/handlers"
	"github.com/danmuck/framesrv/internal/observability"
	"github.com/danmuck/framesrv/internal/server"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	addr       string
	adminAddr  string
	handler    string
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the frame server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "server config TOML")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "frame listener address (overrides config)")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "admin HTTP address, empty disables (overrides config)")
	cmd.Flags().StringVar(&flags.handler, "handler", "", "built-in handler: echo|ping|upper|discard (overrides config)")
	return cmd
}

func resolveServeConfig(cmd *cobra.Command, flags serveFlags) (config.ServerFileConfig, error) {
	cfg := config.DefaultServerFileConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadServerConfig(flags.configPath)
		if err != nil {
			return config.ServerFileConfig{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = flags.addr
	}
	if cmd.Flags().Changed("admin-addr") {
		cfg.AdminAddr = flags.adminAddr
	}
	if cmd.Flags().Changed("handler") {
		cfg.Handler = flags.handler
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return config.ServerFileConfig{}, err
	}
	return cfg, nil
}

func runServe(parent context.Context, cfg config.ServerFileConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.InitLogger(cfg.Name)

	loopCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	h, err := handlers.ByName(cfg.Handler)
	if err != nil {
		return err
	}

	srv := server.NewServer(loopCfg, h,
		server.WithLogger(logger),
		server.WithObserver(observability.NewLoopMetrics(cfg.Name)),
	)
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("addr", srv.Addr().String()).
		Str("handler", cfg.Handler).
		Int("max_connections", loopCfg.MaxConnections).
		Msg("framesrv started")

	adminCtx, cancelAdmin := context.WithCancel(ctx)
	adminDone := make(chan error, 1)
	if cfg.AdminAddr != "" {
		a := admin.New(admin.Config{
			Name:        cfg.Name,
			Addr:        cfg.AdminAddr,
			Token:       cfg.AdminToken,
			CorsOrigins: cfg.CorsOrigins,
		}, srv)
		go func() {
			err := a.ListenAndServe(adminCtx)
			if err != nil {
				logger.Error().Err(err).Msg("admin stopped")
				// The frame server keeps running without its admin surface.
			}
			adminDone <- err
		}()
	} else {
		adminDone <- nil
	}

	serveErr := srv.Serve(ctx)
	cancelAdmin()
	adminErr := <-adminDone

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	if adminErr != nil {
		return adminErr
	}
	logger.Info().Msg("framesrv exited")
	return nil
}
