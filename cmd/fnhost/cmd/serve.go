package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/fnhost/internal/api"
	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Serve the project and rebuild on change",
	Long: `Serve the project in development mode.

Function sources and the environment file are watched. Every successful
build and every environment change restarts the runtime process, and a
crashed runtime is restarted with backoff.

Examples:
  # Serve the project in the current directory
  fnhost dev

  # Serve another project on all interfaces
  fnhost dev -C ./my-app --addr 0.0.0.0:3050`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd, config.ModeDevelopment)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Build once and serve the project",
	Long: `Serve the project in production mode.

The functions are built once at startup and nothing is watched. A crash of
the runtime process stops the server with an error.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd, config.ModeProduction)
	},
}

var serveAddr string

func init() {
	for _, c := range []*cobra.Command{devCmd, startCmd} {
		c.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
		rootCmd.AddCommand(c)
	}
}

func runServe(cmd *cobra.Command, mode string) error {
	v := viper.GetViper()
	v.Set("mode", mode)
	if cmd.Flags().Changed("addr") {
		v.Set("server.addr", serveAddr)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc, err := project.NewProjectContext(ctx, cfg,
		project.WithContextLogger(logger),
		project.WithEventBufferSize(cfg.Server.EventBuffer),
	)
	if err != nil {
		return err
	}
	defer pc.Close()

	server := api.NewServer(pc.Runtime, pc.Builds, pc.Data,
		api.WithLogger(logger.WithProject(pc.ID)),
		api.WithEventBus(pc.EventBus),
		api.WithTimeout(config.ParseDuration(cfg.Server.Timeout, 0)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.Server.Addr) })

	logger.Info("fnhost serving",
		"project", pc.ID,
		"mode", cfg.Mode,
		"addr", cfg.Server.Addr,
	)

	err = g.Wait()
	logger.Info("fnhost stopped")
	return err
}
