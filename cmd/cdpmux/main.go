// cdpmux exposes host-embedded views to external Chrome DevTools Protocol
// clients through a multiplexing proxy.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hostview/cdpmux/internal/config"
	"github.com/hostview/cdpmux/internal/hostview"
	"github.com/hostview/cdpmux/internal/server"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "cdpmux",
		Short:        "CDP multiplexing proxy for host-embedded views",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cdpmux version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cdpmux", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		demo       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CDP proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			logger := newLogger(cfg)
			slog.SetDefault(logger)

			manager := hostview.NewManager(logger)
			if demo {
				manager.SetCreator(hostview.NewEchoCreator())
				if _, err := manager.CreateView("about:blank", "demo", "", ""); err != nil {
					return err
				}
				logger.Info("demo mode: echo view runtime installed")
			}

			srv, err := server.New(manager, server.Options{
				Host:           cfg.Server.Host,
				Port:           cfg.Server.Port,
				AuthToken:      cfg.Server.AuthToken,
				CommandTimeout: cfg.Proxy.CommandTimeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				manager.Shutdown()
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			}

			if err := srv.Stop(); err != nil {
				logger.Warn("server shutdown error", "error", err)
			}
			manager.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override listen port")
	cmd.Flags().BoolVar(&demo, "demo", false, "install the in-process echo view runtime")
	return cmd
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
