package forward

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoder serializes events into forward-protocol frames.
// It holds no per-call state and is safe for concurrent use.
type Encoder struct {
	opts options
}

// NewEncoder creates an encoder. LoggerOption, OnEncodedOption,
// DefaultTagOption and CompressOption apply.
func NewEncoder(opt ...Option) *Encoder {
	return &Encoder{opts: newOptions(opt)}
}

// Encode serializes ev as a single [tag, time, record] frame.
//
// The tag comes from the tags field, or the default tag when it is missing
// or empty. The time slot holds ev.Timestamp truncated to whole seconds,
// while the record carries the full-precision ISO-8601 timestamp under
// TimestampKey. A string tags field moves to the tag slot. ev is not
// modified. On success the frame is also handed to the OnEncodedOption sink.
func (e *Encoder) Encode(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.Wrap(ErrUnserializable, "nil event")
	}

	tag := e.tagOf(ev)
	epoch, record, err := e.entry(ev, tag)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := newMsgpackEncoder(&buf)
	if err = encodeAll(
		func() error { return enc.EncodeArrayLen(3) },
		func() error { return enc.EncodeString(tag) },
		func() error { return enc.EncodeUint(epoch) },
		func() error { return enc.Encode(record) },
	); err != nil {
		return nil, errors.Wrapf(ErrUnserializable, "msgpack: %v", err)
	}

	data := buf.Bytes()
	e.opts.logger.Debug("event encoded", "tag", tag, "time", epoch, "bytes", len(data))
	if e.opts.onEncoded != nil {
		e.opts.onEncoded(ev, data)
	}
	return data, nil
}

// EncodeBatch serializes events as one packed forward frame sharing tag:
// [tag, bin(entries), {"size": n}]. With CompressOption the entries are
// gzipped and the option map says so. An empty tag means the default tag.
// The OnEncodedOption sink is not called for batches.
func (e *Encoder) EncodeBatch(tag string, events []*Event) ([]byte, error) {
	if tag == "" {
		tag = e.opts.defaultTag
	}

	var entries bytes.Buffer
	enc := newMsgpackEncoder(&entries)
	for i, ev := range events {
		if ev == nil {
			return nil, errors.Wrapf(ErrUnserializable, "nil event at %d", i)
		}
		epoch, record, err := e.entry(ev, tag)
		if err != nil {
			return nil, err
		}
		if err = encodeAll(
			func() error { return enc.EncodeArrayLen(2) },
			func() error { return enc.EncodeUint(epoch) },
			func() error { return enc.Encode(record) },
		); err != nil {
			return nil, errors.Wrapf(ErrUnserializable, "entry %d: %v", i, err)
		}
	}

	// A nil slice would be written as msgpack nil rather than empty bin.
	payload := append([]byte{}, entries.Bytes()...)
	opts := map[string]any{"size": len(events)}
	if e.opts.compress {
		var err error
		if payload, err = gzipBytes(payload); err != nil {
			return nil, errors.Wrap(err, "compress batch")
		}
		opts["compressed"] = compressionGzip
	}

	var buf bytes.Buffer
	fe := newMsgpackEncoder(&buf)
	if err := encodeAll(
		func() error { return fe.EncodeArrayLen(3) },
		func() error { return fe.EncodeString(tag) },
		func() error { return fe.EncodeBytes(payload) },
		func() error { return fe.Encode(opts) },
	); err != nil {
		return nil, errors.Wrapf(ErrUnserializable, "msgpack: %v", err)
	}

	e.opts.logger.Debug("batch encoded", "tag", tag, "events", len(events), "bytes", buf.Len())
	return buf.Bytes(), nil
}

func (e *Encoder) tagOf(ev *Event) string {
	if tag, ok := ev.Tag(); ok {
		return tag
	}
	return e.opts.defaultTag
}

// entry returns the wire time and the normalized record of ev. A string
// tags field equal to the frame tag travels in the tag slot only.
func (e *Encoder) entry(ev *Event, tag string) (uint64, map[string]any, error) {
	epoch, err := EpochSeconds(ev.Timestamp)
	if err != nil {
		return 0, nil, err
	}
	record, err := Normalize(ev.Fields)
	if err != nil {
		return 0, nil, err
	}
	if t, ok := record[TagsKey].(string); ok && t == tag {
		delete(record, TagsKey)
	}
	record[TimestampKey] = FormatISO8601(ev.Timestamp)
	return epoch, record, nil
}

func newMsgpackEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	return enc
}

func encodeAll(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
