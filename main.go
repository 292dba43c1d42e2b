// plantwatch: dashboard backend and terminal monitor for plant-care devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/plantwatch/internal/config"
	"github.com/vesaa/plantwatch/internal/logger"
	"github.com/vesaa/plantwatch/internal/server"
	"github.com/vesaa/plantwatch/internal/session"
)

const asciiLogo = `
  ██████╗ ██╗      █████╗ ███╗   ██╗████████╗██╗    ██╗ █████╗ ████████╗ ██████╗██╗  ██╗
  ██╔══██╗██║     ██╔══██╗████╗  ██║╚══██╔══╝██║    ██║██╔══██╗╚══██╔══╝██╔════╝██║  ██║
  ██████╔╝██║     ███████║██╔██╗ ██║   ██║   ██║ █╗ ██║███████║   ██║   ██║     ███████║
  ██╔═══╝ ██║     ██╔══██║██║╚██╗██║   ██║   ██║███╗██║██╔══██║   ██║   ██║     ██╔══██║
  ██║     ███████╗██║  ██║██║ ╚████║   ██║   ╚███╔███╔╝██║  ██║   ██║   ╚██████╗██║  ██║
  ╚═╝     ╚══════╝╚═╝  ╚═╝╚═╝  ╚═══╝   ╚═╝    ╚══╝╚══╝ ╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝
`

const version = "v0.1.0"

func banner(mode string) string {
	return asciiLogo + fmt.Sprintf("  ► plantwatch %s  |  Mode: %s\n\n", version, mode)
}

func printBanner(mode string) {
	fmt.Print(banner(mode))
}

func main() {
	root := &cobra.Command{
		Use:   "plantwatch",
		Short: "plantwatch: live monitoring and control for plant-care devices",
		Long: `plantwatch talks to a plant-care backend: it serves a dashboard that keeps
live device views on the server, and it can watch, water and configure
devices straight from the terminal.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("api-url", "", "REST base of the plant backend (overrides config)")
	root.PersistentFlags().String("ws-url", "", "STOMP WebSocket endpoint of the backend (overrides config)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	// ── serve subcommand ──────────────────────────────────────────────────────
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard server (Web UI + JWT API + live streams)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.ServerPort = port
			}

			sessions, err := session.Open(cfg.DBDriver, cfg.DBPath, cfg.SessionSecret)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer sessions.Close()

			server.SetJWTSecret(cfg.JWTSecret)
			gin.SetMode(gin.ReleaseMode)

			fmt.Printf("  ✓ Dashboard (Web UI + JWT API) → http://%s:%d\n", cfg.ServerHost, cfg.ServerPort)
			fmt.Printf("  ✓ Backend REST                 → %s\n", cfg.APIURL)
			if cfg.WSURL != "" {
				fmt.Printf("  ✓ Backend push                 → %s\n\n", cfg.WSURL)
			} else {
				fmt.Printf("  ✓ Backend push disabled, views poll every %s\n\n", cfg.PollInterval())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, sessions, version, logger.WithComponent("server"))
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			fmt.Println("\n  → Shut down gracefully")
			return nil
		},
	}
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print plantwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("plantwatch %s\n", version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	root.AddCommand(clientCommands()...)

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration, applies the global flags and
// initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config values.
	if u, _ := cmd.Flags().GetString("api-url"); u != "" {
		cfg.APIURL = u
	}
	if cmd.Flags().Changed("ws-url") {
		cfg.WSURL, _ = cmd.Flags().GetString("ws-url")
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.LogDebug = true
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Debug:  cfg.LogDebug,
		Output: cfg.LogOutput,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, nil
}
