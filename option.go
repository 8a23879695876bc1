package tcpframe

import (
	"time"
)

// ErrorAction defines the action to take when a frame handler fails.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps receiving frames.
	Continue
)

// options holds the configuration for a channel.
type options struct {
	framing Framing
	logger  Logger
	metrics *Metrics

	onFrame func(Frame) error
	// onError is called for handler errors and for the error that ended
	// the connection. Framing errors always end the connection because no
	// built-in format can resynchronize; the returned action only decides
	// whether a handler error is fatal.
	onError func(error) ErrorAction

	heartbeat time.Duration // read/write deadline is heartbeat * 2, zero disables it
}

// Option is a function that configures channel options.
type Option func(*options)

// FormatOption selects the wire format. The default is LengthPrefixed.
func FormatOption(f Format) Option {
	return func(o *options) {
		o.framing.Format = f
	}
}

// MessageMaxSize sets the maximum frame size. Frames larger than this
// cannot be received or sent.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.framing.MaxFrameSize = size
	}
}

// CustomCodecOption selects the Custom format implemented by codec.
func CustomCodecOption(codec FrameCodec) Option {
	return func(o *options) {
		o.framing.Format = Custom
		o.framing.Codec = codec
	}
}

// OnFrameOption sets the callback invoked for each received frame.
// It is required by BlockingChannel.Run and NonBlockingChannel.Serve.
func OnFrameOption(cb func(Frame) error) Option {
	return func(o *options) {
		o.onFrame = cb
	}
}

// OnErrorOption sets the error callback.
// Return Disconnect to close the connection, or Continue to suppress a handler error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// HeartbeatOption sets the heartbeat interval of a blocking channel.
// Reads and writes fail once the peer is silent for heartbeat * 2.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption attaches Prometheus metrics to the channel.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts, checkOptions(&opts)
}

// checkOptions validates and sets default values for channel options.
func checkOptions(opts *options) error {
	opts.framing = opts.framing.withDefaults()

	if opts.framing.Format > Custom {
		return ErrInvalidFormat
	}

	if opts.framing.Format == Custom && opts.framing.Codec == nil {
		return ErrInvalidCodec
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}
