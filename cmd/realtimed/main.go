// Command realtimed runs the realtime resilience layer with its status
// gateway: fiber routes for status and control, and a websocket endpoint for
// UI clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/providers"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"gopkg.in/yaml.v3"
)

var version = "dev"

type options struct {
	configPath string
	envFile    string
	addr       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "realtimed: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "realtimed",
		Short:         "Realtime connection resilience daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides the config")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func loadConfig(opts *options) (*config.RealtimeConfig, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configPath); err != nil {
			return nil, err
		}
	}
	cfg = config.FromEnv(cfg)
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	return cfg, nil
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("REALTIME_LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	if os.Getenv("REALTIME_LOG_PRETTY") != "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func serve(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	plugin := providers.NewRealtimePlugin(cfg, bridge.RedisConfigFromEnv(), logger)
	if err := plugin.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	defer func() {
		if err := plugin.Deactivate(); err != nil {
			logger.Error().Err(err).Msg("deactivate")
		}
	}()
	seedSession(plugin, logger)

	app := fiber.New()
	plugin.RegisterRoutes(app)
	appHandler := app.Handler()
	wsHandler := plugin.FastHTTPHandler()

	srv := &fasthttp.Server{
		Name: "realtimed",
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) == "/ws" {
				wsHandler(rc)
				return
			}
			appHandler(rc)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("realtimed listening")
		errCh <- srv.ListenAndServe(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.ShutdownWithContext(shutdownCtx)
}

// seedSession installs a session from REALTIME_ACCESS_TOKEN and
// REALTIME_REFRESH_TOKEN so keepalive can refresh it.
func seedSession(p *providers.RealtimePlugin, logger zerolog.Logger) {
	store := p.Sessions()
	refresh := os.Getenv("REALTIME_REFRESH_TOKEN")
	if store == nil || refresh == "" {
		return
	}
	store.SetSession(&types.Session{
		AccessToken:  os.Getenv("REALTIME_ACCESS_TOKEN"),
		RefreshToken: refresh,
	})
	logger.Info().Msg("session seeded from environment")
}
