package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"

	"github.com/obsidianstack/relay/server/internal/alerts"
	"github.com/obsidianstack/relay/server/internal/api"
	"github.com/obsidianstack/relay/server/internal/auth"
	"github.com/obsidianstack/relay/server/internal/bridge"
	"github.com/obsidianstack/relay/server/internal/config"
	"github.com/obsidianstack/relay/server/internal/logging"
	"github.com/obsidianstack/relay/server/internal/metrics"
	"github.com/obsidianstack/relay/server/internal/receiver"
	"github.com/obsidianstack/relay/server/internal/relay"
	"github.com/obsidianstack/relay/server/internal/ws"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	cmd := &cli.Command{
		Name:    "relay-server",
		Usage:   "Topic-based real-time message relay",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (.yaml or .toml)",
				Sources: cli.EnvVars("RELAY_CONFIG"),
				Value:   "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "reload relay limits and log level when the config file changes",
				Value: true,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("relay-server: exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	configPath := c.String("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, _ := logging.ParseLevel(cfg.Server.Log.Level) // validated by Load
	level.Set(lvl)
	slog.SetDefault(logging.New(os.Stdout, cfg.Server.Log.Format, level))

	slog.Info("relay-server starting",
		"config", configPath,
		"version", version,
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"bridge", cfg.Server.Bridge.Kind,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Relay core with Prometheus instrumentation.
	m := metrics.New()
	r, err := relay.New(cfg.Server.Relay.Options(), m)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	m.Attach(r)
	go r.Run(ctx)

	// Alerts engine: evaluates rules against topic stats on an interval.
	alertEngine, err := alerts.New(cfg.Server.Alerts)
	if err != nil {
		return err
	}
	go alertEngine.Run(ctx, cfg.Server.Alerts.Interval, r.Router.Topics)

	// Optional mirror of accepted messages to Kafka or NATS.
	fwd, err := bridge.New(cfg.Server.Bridge)
	if err != nil {
		return err
	}
	if fwd != nil {
		r.Broker.OnPublish(fwd.Forward)
		go fwd.Run(ctx)
	}

	authCfg := cfg.Server.Auth
	check := auth.RequestCheck(authCfg.Mode, authCfg.EffectiveHeader(), authCfg.Key())

	// gRPC publish/replay with optional API key authentication interceptor.
	interceptor := auth.APIKeyInterceptor(authCfg.Mode, authCfg.EffectiveHeader(), authCfg.Key())
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	receiver.Register(grpcSrv, receiver.New(r))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	go func() {
		slog.Info("gRPC receiver listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// WebSocket hub for subscribers; drains every client when ctx ends.
	hub := ws.New(r, check)
	go hub.Run(ctx)

	// Combined HTTP server: WebSocket hub, REST API and /metrics on HTTPPort.
	httpMux := http.NewServeMux()
	httpMux.Handle("/ws", hub)
	httpMux.Handle("/", api.New(r, alertEngine, m.Handler(), check))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	if c.Bool("watch") {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				if err := r.Reconfigure(next.Server.Relay.Options()); err != nil {
					slog.Error("config: relay options rejected", "err", err)
				}
				if l, err := logging.ParseLevel(next.Server.Log.Level); err == nil {
					level.Set(l)
				}
			})
			if err != nil {
				slog.Error("config: watch stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("relay-server shutting down")

	grpcSrv.GracefulStop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck

	// The hub has asked every client to disconnect; give outboxes the drain
	// window to flush before aborting what is left.
	waitDrained(r, r.Options().DrainTimeout)
	r.Close()
	return nil
}

// waitDrained polls until no connection is registered or timeout elapses.
func waitDrained(r *relay.Relay, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for r.Registry.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
