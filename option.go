package forward

import (
	"time"
)

// ErrorAction defines the action to take when a connection error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration shared by Decoder, Encoder and Conn.
// Each consumer reads only the fields it needs.
type options struct {
	logger Logger

	// onEvent receives every decoded event of a connection.
	onEvent func(conn *Conn, event *Event) error
	// onFrame is called after all entries of a frame were emitted.
	onFrame func(frame Frame) error
	// onEncoded is the encoder output sink.
	onEncoded func(event *Event, data []byte)
	// onError is called when a connection read/write fails.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	defaultTag   string
	compress     bool          // gzip PackedForward batches
	maxFrameSize int           // largest buffered frame or inflated batch
	bufferSize   int           // size of the send channel
	heartbeat    time.Duration // read/write deadline is heartbeat * 2
}

// Option is a function that configures codec and connection options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnEventOption returns an Option that sets the decoded event handler.
// It is required for connections and is invoked once per decoded entry.
func OnEventOption(cb func(conn *Conn, event *Event) error) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// OnFrameOption returns an Option that sets a hook invoked by the decoder
// after every entry of a frame has been emitted.
// The frame's records are as decoded: they keep any @timestamp key and
// carry no injected tags, and they are not shared with the emitted events.
func OnFrameOption(cb func(Frame) error) Option {
	return func(o *options) {
		o.onFrame = cb
	}
}

// OnEncodedOption returns an Option that sets the encoder sink.
// The sink receives the original event and its serialized frame.
func OnEncodedOption(cb func(event *Event, data []byte)) Option {
	return func(o *options) {
		o.onEncoded = cb
	}
}

// OnErrorOption returns an Option that sets the connection error callback.
// Return Disconnect to close the connection, or Continue to suppress the error.
// Decode failures always disconnect; the stream cannot be resynchronized.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// DefaultTagOption returns an Option that sets the tag used for events
// without a tags field.
func DefaultTagOption(tag string) Option {
	return func(o *options) {
		o.defaultTag = tag
	}
}

// CompressOption returns an Option that enables gzip compression of batches
// produced by Encoder.EncodeBatch.
func CompressOption(on bool) Option {
	return func(o *options) {
		o.compress = on
	}
}

// MaxFrameSizeOption returns an Option that limits how many bytes of an
// incomplete frame the decoder keeps buffered, and how large a compressed
// batch may inflate.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more frames to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 1
	// defaultMaxFrameSize is the default limit for a buffered frame (8MB).
	defaultMaxFrameSize = 8 * 1024 * 1024
	// defaultHeartbeat is the default heartbeat interval.
	defaultHeartbeat = 30 * time.Second
)

func newOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	applyDefaults(&opts)
	return opts
}

// applyDefaults fills every unset option with its default value.
func applyDefaults(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.defaultTag == "" {
		opts.defaultTag = DefaultTag
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}
}
