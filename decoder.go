// Package forward translates between structured log events and the Fluentd
// forward protocol: msgpack arrays of [tag, time, record], or [tag, entries]
// where entries is an array or a packed (optionally gzipped) stream of
// [time, record] pairs.
//
// A Decoder is a long-lived, per-stream session that accepts arbitrarily
// fragmented chunks. An Encoder turns one event into one self-contained
// frame. Conn and Server carry both over TCP.
//
// The forward time slot has whole-second precision. Sub-second precision is
// lost on encode and never recovered on decode.
package forward

import (
	"bytes"
	"io"
	"maps"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Decoder incrementally decodes a forward-protocol byte stream.
//
// Bytes of an incomplete trailing frame are kept until a later Feed
// completes them. After a decode failure the decoder is poisoned and every
// further Feed fails; construct a new one for a new stream.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	opts options

	buf []byte // unconsumed bytes, starting at a frame boundary
	err error  // sticky decode failure

	scanReader  *bytes.Reader
	scanner     *msgpack.Decoder
	frameReader *bytes.Reader
	frameDec    *msgpack.Decoder
}

// NewDecoder creates a decoder. LoggerOption, OnFrameOption and
// MaxFrameSizeOption apply.
func NewDecoder(opt ...Option) *Decoder {
	return newDecoderWithOptions(newOptions(opt))
}

func newDecoderWithOptions(opts options) *Decoder {
	d := &Decoder{
		opts:        opts,
		scanReader:  bytes.NewReader(nil),
		frameReader: bytes.NewReader(nil),
	}
	d.scanner = msgpack.NewDecoder(d.scanReader)
	d.frameDec = newMsgpackDecoder(d.frameReader)
	return d
}

// Feed appends data to the stream and calls fn, synchronously and in order,
// for every event of every frame the stream now completes.
//
// A malformed frame is logged once with the offending bytes and returned as
// a *DecodeError. Events of frames preceding it have already been delivered;
// none of its own are. An error returned by fn stops Feed and is returned
// unchanged; the frames still buffered are decoded by the next Feed.
func (d *Decoder) Feed(data []byte, fn func(*Event) error) error {
	if d.err != nil {
		return errors.Wrapf(ErrDecoderPoisoned, "previous failure %q", d.err.Error())
	}

	d.buf = append(d.buf, data...)

	off := 0
	for off < len(d.buf) {
		window := d.buf[off:]
		d.scanReader.Reset(window)
		d.scanner.Reset(d.scanReader)

		if err := d.scanner.Skip(); err != nil {
			if !isIncomplete(err) {
				return d.fail(data, nil, errors.Wrapf(ErrMalformedFrame, "scan: %v", err))
			}
			if len(window) > d.opts.maxFrameSize {
				return d.fail(data, nil, errors.Wrapf(ErrFrameTooLarge,
					"%d bytes buffered, limit %d", len(window), d.opts.maxFrameSize))
			}
			break
		}

		size := len(window) - d.scanReader.Len()
		raw := window[:size]
		// The frame is consumed before its events are emitted so it is
		// never parsed twice.
		off += size
		if err := d.emit(raw, data, fn); err != nil {
			d.consume(off)
			return err
		}
	}

	d.consume(off)
	return nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) emit(raw, chunk []byte, fn func(*Event) error) error {
	d.frameReader.Reset(raw)
	d.frameDec.Reset(d.frameReader)
	d.frameDec.UseLooseInterfaceDecoding(true)

	f, err := parseFrame(d.frameDec)
	if err != nil {
		return d.fail(chunk, raw, err)
	}

	d.opts.logger.Debug("frame decoded",
		"tag", f.Tag,
		"body", f.Body.Kind.String(),
		"bytes", len(raw))

	var consumerErr error
	err = extract(f, d.opts.maxFrameSize, func(e Entry) error {
		if err := fn(newDecodedEvent(f.Tag, e)); err != nil {
			consumerErr = err
			return err
		}
		return nil
	})
	if consumerErr != nil {
		return consumerErr
	}
	if err != nil {
		return d.fail(chunk, raw, err)
	}

	if d.opts.onFrame != nil {
		return d.opts.onFrame(f)
	}
	return nil
}

// fail poisons the decoder and reports the offending bytes once.
func (d *Decoder) fail(chunk, frame []byte, err error) error {
	de := &DecodeError{
		Payload: bytes.Clone(chunk),
		Frame:   bytes.Clone(frame),
		Err:     err,
	}
	d.err = de
	d.buf = nil

	args := []any{"error", err.Error(), "payload", quoteBytes(chunk)}
	if frame != nil {
		args = append(args, "frame", quoteBytes(frame))
	}
	d.opts.logger.Error("broken payload", args...)
	return de
}

// consume drops the first n buffered bytes.
func (d *Decoder) consume(n int) {
	if d.buf == nil {
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	if rest == 0 && cap(d.buf) > d.opts.maxFrameSize {
		d.buf = nil
	}
}

// newDecodedEvent builds an event from a decoded entry. The tag and the
// entry time override same-named record keys. The record itself is left as
// decoded for the OnFrameOption hook.
func newDecodedEvent(tag string, e Entry) *Event {
	fields := maps.Clone(e.Record)
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	delete(fields, TimestampKey)
	fields[TagsKey] = tag
	return &Event{Timestamp: TimeFromEpoch(e.Time), Fields: fields}
}

func isIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
