package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/live-relay/internal/dotenv"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/logging"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	relayserver "github.com/vango-go/live-relay/pkg/gateway/server"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

type relayDeps struct {
	loadConfig   func(path string) (config.Config, error)
	newDialer    func(context.Context, config.Config) (upstream.Dialer, error)
	newRelay     func(config.Config, *slog.Logger, upstream.Dialer, *metrics.Metrics) *relayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.Load,
		newDialer:  newGenAIDialer,
		newRelay:   relayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newGenAIDialer(ctx context.Context, cfg config.Config) (upstream.Dialer, error) {
	return upstream.NewGenAIDialer(ctx, upstream.DialerConfig{
		APIKey:             cfg.GeminiAPIKey,
		Model:              cfg.GeminiModel,
		BaseURL:            cfg.GeminiBaseURL,
		ResponseModalities: cfg.ResponseModalities,
		SpeechLanguageCode: cfg.SpeechLanguageCode,
		SystemInstruction:  cfg.SystemInstruction,
		DialTimeout:        cfg.UpstreamDialTimeout,
	})
}

type cliFlags struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: relay sockets are long-lived.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func loadConfig(flags cliFlags, deps relayDeps) (config.Config, error) {
	if err := dotenv.LoadFile(flags.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := deps.loadConfig(flags.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if v := strings.TrimSpace(flags.addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(flags.logLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func runRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) error {
	if deps.newDialer == nil {
		return errors.New("missing newDialer dependency")
	}
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := deps.newDialer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create upstream dialer: %w", err)
	}

	relay := deps.newRelay(cfg, logger, dialer, metrics.New(cfg.MetricsNamespace))
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "model", cfg.GeminiModel, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "reason", ctx.Err())
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	relay.SetDraining(true)
	notified := relay.NotifyLiveSessionsDraining()
	logger.Info("draining relay sessions", "notified", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Hijacked sockets are not tracked by http.Server.Shutdown.
	if !relay.WaitLiveSessions(shutdownCtx) {
		canceled := relay.CancelLiveSessions()
		logger.Warn("grace period elapsed, cancelling relay sessions", "canceled", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func newRootCmd(ctx context.Context, stderr io.Writer, deps relayDeps) *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:           "live-relay",
		Short:         "Relay browser WebSocket clients to Gemini Live sessions",
		Long:          "Accepts browser WebSocket connections and relays each one to its own Gemini Live session.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, deps)
			if err != nil {
				return err
			}
			logger, err := logging.NewWithWriter(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel}, stderr)
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			slog.SetDefault(logger)
			return runRelay(ctx, cfg, logger, deps)
		},
	}
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file (defaults to $RELAY_CONFIG)")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address, overrides RELAY_ADDR")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug|info|warn|error, overrides RELAY_LOG_LEVEL")
	return cmd
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd := newRootCmd(ctx, stderr, deps)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "live-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
