package meshsocket

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Protocol defaults.
const (
	// MaxBytes is the hard per-packet ceiling of the radio.
	MaxBytes = 220
	// MaxRetries is how many times a chunk is retransmitted after the first send.
	MaxRetries = 10
	// MaxChunks bounds a chunk group and sizes the worst-case chunk header.
	MaxChunks = 999
	// Port is the private application port reserved for meshsocket traffic.
	Port = 433
	// DefaultTimeout is the per-chunk ACK wait and the default read timeout.
	DefaultTimeout = 60 * time.Second
	// DefaultConnectTimeout bounds the handshake wait.
	DefaultConnectTimeout = 10 * time.Second

	defaultInboundBuffer = 64
)

// options holds the configuration for a dispatcher and its connections.
type options struct {
	codec    Codec
	logger   Logger
	registry prometheus.Registerer

	port           uint32
	maxPacketSize  int           // encoded frame ceiling
	maxChunks      int           // largest chunk group
	maxRetries     int           // retransmits per chunk after the first send
	retriesSet     bool          // maxRetries was set explicitly
	ackTimeout     time.Duration // per-chunk ACK wait
	connectTimeout time.Duration // handshake wait
	readTimeout    time.Duration // default Conn.Read wait
	reassemblyTTL  time.Duration // idle partial chunk groups are discarded after this
	inboundBuffer  int           // per-connection inbound frame queue
	maxConnections int           // accepted connection cap, 0 is unlimited
	noLinkAck      bool          // skip link-level delivery confirmation
}

// Option is a function that configures dispatcher options.
type Option func(*options)

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = JSONCodec{}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.port == 0 {
		opts.port = Port
	}

	if opts.maxPacketSize <= 0 {
		opts.maxPacketSize = MaxBytes
	}

	if opts.maxChunks <= 0 {
		opts.maxChunks = MaxChunks
	}

	if !opts.retriesSet || opts.maxRetries < 0 {
		opts.maxRetries = MaxRetries
	}

	if opts.ackTimeout <= 0 {
		opts.ackTimeout = DefaultTimeout
	}

	if opts.connectTimeout <= 0 {
		opts.connectTimeout = DefaultConnectTimeout
	}

	if opts.readTimeout <= 0 {
		opts.readTimeout = DefaultTimeout
	}

	if opts.reassemblyTTL <= 0 {
		opts.reassemblyTTL = opts.ackTimeout * time.Duration(opts.maxRetries+2)
	}

	if opts.inboundBuffer <= 0 {
		opts.inboundBuffer = defaultInboundBuffer
	}

	if opts.maxConnections < 0 {
		opts.maxConnections = 0
	}

	// The largest control frame (an ACK) must fit in one packet.
	ack := &Frame{
		Flags:        FlagAck,
		ConnectionID: "ack",
		Metadata:     Metadata{ChunkIndex: opts.maxChunks},
	}
	b, err := opts.codec.Encode(ack)
	if err != nil {
		return errors.Wrap(err, "codec cannot encode control frames")
	}
	if len(b) > opts.maxPacketSize {
		return errors.Wrapf(ErrMessageTooLarge, "max packet size %d cannot hold a %d byte control frame",
			opts.maxPacketSize, len(b))
	}

	return nil
}

// CodecOption sets the frame codec. Defaults to JSONCodec.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption sets the logger.
// If not set, a logger over zap's global logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsRegistryOption registers the dispatcher's Prometheus collectors
// with reg. Without it the collectors are kept but not registered.
func MetricsRegistryOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// PortOption sets the application port that carries meshsocket traffic.
func PortOption(port uint32) Option {
	return func(o *options) {
		o.port = port
	}
}

// MaxPacketSizeOption sets the largest encoded frame handed to the transport.
func MaxPacketSizeOption(size int) Option {
	return func(o *options) {
		o.maxPacketSize = size
	}
}

// MaxChunksOption sets the largest number of chunks one message may span.
func MaxChunksOption(n int) Option {
	return func(o *options) {
		o.maxChunks = n
	}
}

// MaxRetriesOption sets how many times an unacknowledged chunk is resent.
// Zero sends each chunk exactly once; negative restores the default.
func MaxRetriesOption(n int) Option {
	return func(o *options) {
		o.maxRetries = n
		o.retriesSet = true
	}
}

// AckTimeoutOption sets how long a chunk waits for its ACK.
func AckTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.ackTimeout = d
	}
}

// ConnectTimeoutOption sets the default handshake timeout for Connect.
func ConnectTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// ReadTimeoutOption sets the default timeout for Conn.Read.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// ReassemblyTimeoutOption sets how long an incomplete chunk group may sit
// idle before it is discarded. Defaults to the sender's full retry horizon
// plus one ACK timeout of slack for link latency.
func ReassemblyTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.reassemblyTTL = d
	}
}

// InboundBufferOption sets the per-connection inbound frame queue length.
// Frames arriving at a full queue are dropped.
func InboundBufferOption(size int) Option {
	return func(o *options) {
		o.inboundBuffer = size
	}
}

// MaxConnectionsOption caps the connections a listener accepts; requests
// beyond it are answered with CONN_DENY. Zero means unlimited.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// LinkAckOption toggles link-level delivery confirmation on every send.
// Enabled by default.
func LinkAckOption(enabled bool) Option {
	return func(o *options) {
		o.noLinkAck = !enabled
	}
}
