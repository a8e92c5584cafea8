package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/oxibridge/bridge"
	"github.com/srg/oxibridge/internal/groutine"
	"github.com/srg/oxibridge/internal/sdk"
	"github.com/srg/oxibridge/internal/sdk/goble"
	"github.com/srg/oxibridge/internal/sdk/simsdk"
	"github.com/srg/oxibridge/internal/transport"
	"github.com/srg/oxibridge/pkg/config"
	"golang.org/x/term"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge and serve its method and event channels",
	Long: `Runs the bridge over the configured SDK backend and serves two WebSocket
endpoints: the method channel (default /ycbt) and the event channel
(default /ycbt_events).

Only one event channel connection is active at a time. A new connection
ends the stream of the previous one.

Example:
  oxibridge serve
  oxibridge serve --config oxibridge.yaml
  oxibridge serve --backend ble --listen 0.0.0.0:8765`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveListen     string
	serveBackend    string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "YAML configuration file")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "SDK backend: sim or ble (overrides config)")
}

// loadServeConfig reads the config file, if any, and applies flag overrides.
func loadServeConfig(path, listen, backend string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newSDKClient builds the client for cfg.Backend.
func newSDKClient(cfg *config.Config, logger *logrus.Logger) (sdk.Client, error) {
	switch cfg.Backend {
	case config.BackendSim:
		return simsdk.New(simOptions(cfg.Sim, logger)), nil
	case config.BackendBLE:
		opts := &goble.Options{
			NamePrefix:     cfg.BLE.NamePrefix,
			ConnectTimeout: cfg.BLE.ConnectTimeout,
			Logger:         logger,
		}
		if cfg.BLE.LastDevice.MAC != "" {
			dev := cfg.BLE.LastDevice
			opts.LastDevice = &dev
		}
		return goble.New(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// simOptions overlays the configured simulation on simsdk.DefaultOptions.
func simOptions(sc config.SimConfig, logger *logrus.Logger) *simsdk.Options {
	opts := simsdk.DefaultOptions()
	if len(sc.Devices) > 0 {
		opts.Devices = sc.Devices
		opts.LastDevice = nil
	}
	if sc.LastDevice.MAC != "" {
		dev := sc.LastDevice
		opts.LastDevice = &dev
	}
	if len(sc.Samples) > 0 {
		opts.Samples = sc.Samples
	}
	opts.ScanDelay = sc.ScanDelay
	opts.ConnectDelay = sc.ConnectDelay
	opts.SampleInterval = sc.SampleInterval
	opts.Logger = logger
	return opts
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(serveConfigPath, serveListen, serveBackend)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg.Level())
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newSDKClient(cfg, logger)
	if err != nil {
		return err
	}

	progressCallback := func(string) {}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		progress := NewProgressPrinter(cmd.OutOrStdout(), fmt.Sprintf("Starting bridge (%s backend)", cfg.Backend), "Starting", "Running")
		progress.Start()
		defer progress.Stop()
		progressCallback = progress.Callback()
	}

	_, err = bridge.RunBridge(ctx, client, &bridge.Options{
		ScanTimeout: cfg.ScanTimeout,
		Logger:      logger,
	}, progressCallback, func(b bridge.Bridge) (struct{}, error) {
		return struct{}{}, serveChannels(ctx, cfg, b, logger)
	})
	return err
}

// serveChannels serves the bridge on cfg.Listen until ctx is cancelled.
func serveChannels(ctx context.Context, cfg *config.Config, b bridge.Bridge, logger *logrus.Logger) error {
	srv := transport.NewServer(b, &transport.ServerOptions{
		MethodPath:     cfg.MethodChannel,
		EventPath:      cfg.EventChannel,
		EventBuffer:    cfg.EventBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(context.Context) {
		errCh <- httpSrv.Serve(ln)
	})

	logger.WithFields(logrus.Fields{
		"methods": fmt.Sprintf("ws://%s%s", ln.Addr(), cfg.MethodChannel),
		"events":  fmt.Sprintf("ws://%s%s", ln.Addr(), cfg.EventChannel),
		"backend": cfg.Backend,
	}).Info("Bridge listening")

	select {
	case <-ctx.Done():
		logger.Info("Received interrupt signal, shutting down...")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Hijacked WebSocket connections are not tracked by http.Server.
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
