package forward

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnEvent is returned when a server-side connection has no event handler.
	ErrInvalidOnEvent = errors.New("invalid on event callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send buffer cannot accept more frames.
	// It signals backpressure; use WriteBlocking or WriteTimeout to wait.
	ErrBufferFull = errors.New("send buffer full")
)

// readChunkSize is the size of a single read from the socket.
const readChunkSize = 64 * 1024

// Conn is a forward-protocol TCP connection.
//
// On the receiving side every chunk read from the socket is fed to the
// connection's own Decoder and each decoded event is passed to the
// OnEventOption handler. Frames that request an acknowledgement through the
// chunk option are answered with {"ack": chunk} once all their events were
// handled. On the sending side Write and friends encode events and queue the
// frames for the write loop.
type Conn struct {
	rawConn *net.TCPConn
	decoder *Decoder
	encoder *Encoder
	logger  Logger
	client  bool

	opts options

	sendMsg chan []byte
	pending atomic.Int64 // frames queued or being written
	closed  atomic.Bool

	mu     sync.Mutex // guards ctx and cancel
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wraps an accepted TCP connection.
// Returns ErrInvalidOnEvent when no OnEventOption is given.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	opts := newOptions(opt)
	if opts.onEvent == nil {
		return nil, ErrInvalidOnEvent
	}
	return newConnWithOptions(conn, opts, false), nil
}

// Dial connects to a forward peer for sending events.
// Acknowledgements sent back by the peer are logged and discarded.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return newConnWithOptions(conn.(*net.TCPConn), newOptions(opt), true), nil
}

func newConnWithOptions(c *net.TCPConn, opts options, client bool) *Conn {
	cc := &Conn{
		rawConn: c,
		encoder: &Encoder{opts: opts},
		logger:  opts.logger,
		client:  client,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
		ctx:     context.Background(),
	}

	dopts := opts
	dopts.onFrame = cc.handleFrame
	cc.decoder = newDecoderWithOptions(dopts)

	return cc
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs or the context is canceled.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr(), "client", c.client)
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_frame_size", c.opts.maxFrameSize,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		if c.client {
			return c.ackLoop(child)
		}
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblocks a pending socket read once either loop is done.
	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.SetReadDeadline(time.Now())
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write encodes ev and queues the frame without blocking.
// Returns ErrBufferFull when the send buffer is full; the frame is dropped.
func (c *Conn) Write(ev *Event) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.encoder.Encode(ev)
	if err != nil {
		return err
	}

	c.pending.Add(1)
	select {
	case c.sendMsg <- data:
		return nil
	default:
		c.pending.Add(-1)
		return ErrBufferFull
	}
}

// WriteBlocking encodes ev and waits until the frame is queued or ctx is done.
func (c *Conn) WriteBlocking(ctx context.Context, ev *Event) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.encoder.Encode(ev)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

// WriteTimeout encodes ev and waits up to timeout for the frame to be queued.
// Returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(ev *Event, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.encoder.Encode(ev)
	if err != nil {
		return err
	}

	c.pending.Add(1)
	select {
	case c.sendMsg <- data:
		return nil
	case <-time.After(timeout):
		c.pending.Add(-1)
		return ErrBufferFull
	}
}

// WriteBatch encodes events as one packed forward frame and waits until it
// is queued or ctx is done.
func (c *Conn) WriteBatch(ctx context.Context, tag string, events []*Event) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.encoder.EncodeBatch(tag, events)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

// Flush waits until every queued frame was written to the socket.
func (c *Conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Conn) enqueue(ctx context.Context, data []byte) error {
	c.pending.Add(1)
	select {
	case c.sendMsg <- data:
		return nil
	case <-ctx.Done():
		c.pending.Add(-1)
		return ctx.Err()
	}
}

// readLoop feeds socket chunks to the decoder until the context is canceled
// or an unrecoverable error occurs. Decode failures always end the loop.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	deliver := func(ev *Event) error {
		return c.opts.onEvent(c, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
			if ctx.Err() != nil {
				return ctx.Err()
			}

			n, err := c.rawConn.Read(buf)
			if n > 0 {
				if ferr := c.decoder.Feed(buf[:n], deliver); ferr != nil {
					return ferr
				}
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if cerr := c.readError(err); cerr != nil {
					return cerr
				}
			}
		}
	}
}

// ackLoop reads acknowledgement maps sent back to a client connection.
// Reads carry no deadline of their own: a decode cut short leaves the
// buffered stream misaligned, so every read error ends the loop.
func (c *Conn) ackLoop(ctx context.Context) error {
	dec := newMsgpackDecoder(bufio.NewReader(c.rawConn))
	for {
		m, err := dec.DecodeMap()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("ack read error", "addr", c.Addr(), "error", err.Error())
			}
			return errors.Wrap(err, "read ack")
		}
		c.logger.Debug("ack received", "addr", c.Addr(), "ack", m["ack"])
	}
}

func (c *Conn) readError(err error) error {
	if errors.Is(err, io.EOF) {
		return err
	}
	c.logger.Debug("read error", "addr", c.Addr(), "error", err.Error())
	if c.opts.onError(err) == Disconnect {
		return err
	}
	return nil
}

// handleFrame answers acknowledgement requests, then runs the user hook.
func (c *Conn) handleFrame(f Frame) error {
	if f.Options.Chunk != "" {
		ack, err := encodeAck(f.Options.Chunk)
		if err != nil {
			return err
		}
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if err = c.enqueue(ctx, ack); err != nil {
			return err
		}
	}
	if c.opts.onFrame != nil {
		return c.opts.onFrame(f)
	}
	return nil
}

// writeLoop sends queued frames until the context is canceled or an
// unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			err := c.write(data)
			c.pending.Add(-1)
			if err != nil {
				return err
			}
		}
	}
}

// write sends data with a deadline. The error is propagated only when
// onError asks to disconnect.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}

func encodeAck(chunk string) ([]byte, error) {
	var buf bytes.Buffer
	enc := newMsgpackEncoder(&buf)
	if err := encodeAll(
		func() error { return enc.EncodeMapLen(1) },
		func() error { return enc.EncodeString("ack") },
		func() error { return enc.EncodeString(chunk) },
	); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
