// Command frameecho is a TCP echo server that frames traffic with tcpframe.
// It runs either the goroutine-per-connection server or the readiness
// driven non-blocking channels, so both I/O models can be exercised from
// the command line:
//
//	frameecho --format line-terminated --mode nonblocking
//	printf 'hello\r\n' | nc 127.0.0.1 12345
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zereker/tcpframe"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "frameecho: %v\n", err)
		os.Exit(1)
	}
}

type flagValues struct {
	configPath   string
	addr         string
	mode         string
	format       string
	maxFrameSize int
	maxBuffers   int
	heartbeat    time.Duration
	metricsAddr  string
	debug        bool
}

func newRootCommand() *cobra.Command {
	var fv flagValues
	def := defaultConfig()

	cmd := &cobra.Command{
		Use:          "frameecho",
		Short:        "Echo every received frame back to its sender",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, fv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&fv.configPath, "config", "c", "", "TOML config file; flags override its values")
	flags.StringVar(&fv.addr, "addr", def.Addr, "listen address")
	flags.StringVar(&fv.mode, "mode", string(def.Mode), "I/O model: blocking or nonblocking")
	flags.StringVar(&fv.format, "format", def.Format.String(), "frame format: length-prefixed, delimited, line-terminated, object-stream")
	flags.IntVar(&fv.maxFrameSize, "max-frame-size", def.MaxFrameSize, "largest accepted frame in bytes")
	flags.IntVar(&fv.maxBuffers, "max-buffers", def.MaxBuffers, "pooled write buffers shared by non-blocking connections")
	flags.DurationVar(&fv.heartbeat, "heartbeat", 0, "idle limit is twice this value (blocking mode, 0 disables)")
	flags.StringVar(&fv.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&fv.debug, "debug", false, "enable debug logging")

	return cmd
}

// resolveConfig applies defaults, then the config file, then the flags the
// user set explicitly.
func resolveConfig(cmd *cobra.Command, fv flagValues) (config, error) {
	cfg := defaultConfig()
	if fv.configPath != "" {
		var err error
		if cfg, err = loadConfigFile(fv.configPath, cfg); err != nil {
			return config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = fv.addr
	}
	if flags.Changed("mode") {
		m, err := parseMode(fv.mode)
		if err != nil {
			return config{}, err
		}
		cfg.Mode = m
	}
	if flags.Changed("format") {
		f, err := tcpframe.ParseFormat(fv.format)
		if err != nil {
			return config{}, err
		}
		cfg.Format = f
	}
	if flags.Changed("max-frame-size") {
		cfg.MaxFrameSize = fv.maxFrameSize
	}
	if flags.Changed("max-buffers") {
		cfg.MaxBuffers = fv.maxBuffers
	}
	if flags.Changed("heartbeat") {
		cfg.Heartbeat = fv.heartbeat
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if flags.Changed("debug") {
		cfg.Debug = fv.debug
	}

	return cfg, cfg.validate()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config) error {
	zl, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := tcpframe.NewZapLogger(zl)

	reg := prometheus.NewRegistry()
	metrics, err := tcpframe.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []tcpframe.Option{
		tcpframe.FormatOption(cfg.Format),
		tcpframe.MessageMaxSize(cfg.MaxFrameSize),
		tcpframe.LoggerOption(logger),
		tcpframe.MetricsOption(metrics),
	}

	logger.Info("frameecho starting", "addr", cfg.Addr, "mode", string(cfg.Mode), "format", cfg.Format.String())

	var serveErr error
	switch cfg.Mode {
	case modeNonBlocking:
		serveErr = serveNonBlocking(ctx, cfg, logger, metrics, opts)
	default:
		serveErr = serveBlocking(ctx, cfg, logger, append(opts, tcpframe.HeartbeatOption(cfg.Heartbeat)))
	}
	if errors.Is(serveErr, context.Canceled) {
		return nil
	}
	return serveErr
}

func serveBlocking(ctx context.Context, cfg config, logger tcpframe.Logger, opts []tcpframe.Option) error {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	server, err := tcpframe.New(addr,
		tcpframe.ServerLoggerOption(logger),
		tcpframe.ServerShutdownTimeoutOption(5*time.Second),
		tcpframe.ChannelOptions(opts...),
	)
	if err != nil {
		return err
	}

	// Echo
	return server.Serve(ctx, tcpframe.HandlerFunc(func(ch *tcpframe.BlockingChannel, f tcpframe.Frame) error {
		return ch.Send(f.Payload)
	}))
}
