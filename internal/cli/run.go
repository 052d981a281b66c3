// Package cli holds the shared body of the icmptun-client and
// icmptun-server binaries: config loading, privilege drop, metrics
// serving, and the stdin/stdout <-> ODP coupling loop. Both commands are
// thin mains that call Run with a different default endpoint id.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/icmptun/icmptun/internal/config"
	"github.com/icmptun/icmptun/internal/link"
	"github.com/icmptun/icmptun/internal/metrics"
	"github.com/icmptun/icmptun/internal/odp"
	"github.com/icmptun/icmptun/internal/privdrop"
	appversion "github.com/icmptun/icmptun/internal/version"
)

// retryBackoff is how long Run sleeps after ErrRemoteWindowFull before
// retrying Send, matching spec.md's reference pacing.
const retryBackoff = time.Millisecond

// pollTimeout bounds each readiness poll so the receive loop can notice
// context cancellation promptly.
const pollTimeout = 200 * time.Millisecond

// Run parses flags, loads configuration, and drives the tunnel until the
// process receives SIGINT/SIGTERM. Reaching EOF on stdin ends only the send
// loop; the receive loop keeps writing delivered payloads to stdout. binaryName appears
// in the version banner and log lines; defaultID is the endpoint id used
// when neither a config file nor -id overrides it.
func Run(binaryName string, defaultID uint8) int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	idFlag := flag.Uint("id", 0, "override endpoint id (0 = use config/default)")
	peerFlag := flag.String("peer", "", "override peer address")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full(binaryName))
		return 0
	}

	cfg, err := loadConfig(*configPath, defaultID)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}
	if *idFlag != 0 {
		cfg.Endpoint.ID = uint8(*idFlag)
	}
	if *peerFlag != "" {
		cfg.Endpoint.Peer = *peerFlag
	}

	if err := config.Validate(cfg); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("icmptun starting",
		slog.String("binary", binaryName),
		slog.String("version", appversion.Version),
		slog.Int("endpoint_id", int(cfg.Endpoint.ID)),
		slog.String("peer", cfg.Endpoint.Peer),
	)

	peer, err := cfg.Endpoint.PeerAddr()
	if err != nil {
		logger.Error("invalid peer address", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	framer, err := link.New(cfg.Endpoint.ID, link.WithLogger(logger), link.WithMetrics(collector))
	if err != nil {
		logger.Error("failed to open raw socket", slog.String("error", err.Error()))
		return 1
	}
	defer framer.Close()

	if err := privdrop.Drop(cfg.Privdrop.User, cfg.Privdrop.Group); err != nil {
		logger.Error("failed to drop privileges", slog.String("error", err.Error()))
		return 1
	}

	endpoint := odp.New(framer, peer, odp.WithLogger(logger), odp.WithMetrics(collector))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			return listenAndServe(gCtx, srv)
		})
	}

	g.Go(func() error {
		return sendLoop(gCtx, endpoint, os.Stdin, logger)
	})
	g.Go(func() error {
		return recvLoop(gCtx, endpoint, os.Stdout, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("icmptun exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("icmptun stopped")
	return 0
}

// loadConfig loads cfg from path, or returns DefaultConfig with
// defaultID when path is empty and no environment override is present.
func loadConfig(path string, defaultID uint8) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Endpoint.ID == 0 {
		cfg.Endpoint.ID = defaultID
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

// sendLoop reads up to odp.MaxPayload bytes at a time from r and hands
// them to endpoint.Send, retrying with a fixed backoff while the remote
// send window is full.
func sendLoop(ctx context.Context, endpoint *odp.Endpoint, r io.Reader, logger *slog.Logger) error {
	buf := make([]byte, odp.MaxPayload)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := sendWithRetry(ctx, endpoint, buf[:n], logger); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func sendWithRetry(ctx context.Context, endpoint *odp.Endpoint, payload []byte, logger *slog.Logger) error {
	for {
		_, err := endpoint.Send(payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, odp.ErrRemoteWindowFull) {
			return fmt.Errorf("send: %w", err)
		}

		logger.Debug("odp: remote window full, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

// recvLoop polls the link layer's socket for readability and drains
// delivered application payloads to w.
func recvLoop(ctx context.Context, endpoint *odp.Endpoint, w io.Writer, logger *slog.Logger) error {
	fd, err := endpoint.Fd()
	if err != nil {
		return fmt.Errorf("recv loop: %w", err)
	}

	buf := make([]byte, odp.PktMax)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ready, err := pollReadable(fd, pollTimeout)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if !ready {
			continue
		}

		n, err := endpoint.Recv(buf)
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if n == 0 {
			continue
		}

		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		logger.Debug("odp: payload delivered to stdout", "bytes", n)
	}
}

func pollReadable(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	return fds[0].Revents&unix.POLLIN != 0, nil
}
