package forward

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Entry is one [time, record] pair of a forward frame.
type Entry struct {
	// Time is whole seconds since the Unix epoch.
	Time   int64
	Record map[string]any
}

// BodyKind tells which shape a frame body was sent in.
type BodyKind int

const (
	// BodySingle is a single entry: [tag, time, record] or [tag, [time, record]].
	BodySingle BodyKind = iota
	// BodyEntries is an already decoded array of entries (forward mode).
	BodyEntries
	// BodyBatch is a packed byte stream of entries (packed forward mode).
	BodyBatch
)

func (k BodyKind) String() string {
	switch k {
	case BodySingle:
		return "single"
	case BodyEntries:
		return "entries"
	case BodyBatch:
		return "batch"
	}
	return "unknown"
}

// Body is the second element of a frame. Only the field matching Kind is set.
type Body struct {
	Kind    BodyKind
	Single  Entry
	Entries []Entry
	Batch   []byte
}

// FrameOptions is the optional trailing option map of a frame.
type FrameOptions struct {
	// Size is the number of entries the sender claims to have packed.
	Size int
	// Chunk is the acknowledgement id requested by the sender.
	Chunk string
	// Compressed names the compression of a batch body ("gzip").
	Compressed string
}

// Frame is one top-level unit of the forward wire format.
type Frame struct {
	Tag     string
	Body    Body
	Options FrameOptions
}

// Compression names understood in FrameOptions.Compressed.
const compressionGzip = "gzip"

// Extract calls fn for every entry carried by f, in wire order.
// A batch body is decoded as its own msgpack stream, decompressed first
// when the frame says so. An empty batch yields no entries.
// MaxFrameSizeOption bounds the decompressed size of a batch; a larger one
// fails with ErrFrameTooLarge.
func Extract(f Frame, fn func(Entry) error, opt ...Option) error {
	return extract(f, newOptions(opt).maxFrameSize, fn)
}

func extract(f Frame, limit int, fn func(Entry) error) error {
	switch f.Body.Kind {
	case BodySingle:
		return fn(f.Body.Single)
	case BodyEntries:
		for _, e := range f.Body.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	case BodyBatch:
		return extractBatch(f, limit, fn)
	}
	return errors.Wrapf(ErrMalformedFrame, "unknown body kind %d", f.Body.Kind)
}

func extractBatch(f Frame, limit int, fn func(Entry) error) error {
	data := f.Body.Batch
	switch f.Options.Compressed {
	case "":
	case compressionGzip:
		var err error
		if data, err = gunzip(data, limit); err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				return err
			}
			return errors.Wrapf(ErrMalformedEntry, "gzip: %v", err)
		}
	default:
		return errors.Wrapf(ErrMalformedFrame, "unsupported compression %q", f.Options.Compressed)
	}

	r := bytes.NewReader(data)
	dec := newMsgpackDecoder(r)
	for r.Len() > 0 {
		e, err := decodeEntry(dec)
		if err != nil {
			return err
		}
		if err = fn(e); err != nil {
			return err
		}
	}
	return nil
}

// gunzip inflates data, reading at most limit+1 bytes so an oversized
// stream is detected without inflating it completely.
func gunzip(data []byte, limit int) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errors.Wrapf(ErrFrameTooLarge, "batch inflates beyond %d bytes", limit)
	}
	return out, nil
}

func newMsgpackDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	// int8..int32 widen to int64, float32 to float64, bin to string.
	dec.UseLooseInterfaceDecoding(true)
	return dec
}

// parseFrame reads one complete top-level frame. The body shape is inspected
// from the type of the second element.
func parseFrame(dec *msgpack.Decoder) (Frame, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "frame header: %v", err)
	}
	if n < 2 || n > 4 {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "frame has %d elements", n)
	}

	var f Frame
	c, err := dec.PeekCode()
	if err != nil {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "tag: %v", err)
	}
	if !msgpcode.IsString(c) && !msgpcode.IsBin(c) {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "tag: unexpected code %#x", c)
	}
	if f.Tag, err = dec.DecodeString(); err != nil {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "tag: %v", err)
	}

	if c, err = dec.PeekCode(); err != nil {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "body: %v", err)
	}

	rest := n - 2
	switch {
	case msgpcode.IsString(c) || msgpcode.IsBin(c):
		f.Body.Kind = BodyBatch
		if f.Body.Batch, err = dec.DecodeBytes(); err != nil {
			return Frame{}, errors.Wrapf(ErrMalformedFrame, "batch: %v", err)
		}
	case isArrayCode(c):
		if f.Body, err = decodeArrayBody(dec); err != nil {
			return Frame{}, err
		}
	default:
		// Message mode: the entry is flattened into the frame.
		if n < 3 {
			return Frame{}, errors.Wrap(ErrMalformedFrame, "message mode frame without record")
		}
		f.Body.Kind = BodySingle
		if f.Body.Single, err = decodeEntryFields(dec); err != nil {
			return Frame{}, err
		}
		rest--
	}

	switch rest {
	case 0:
	case 1:
		if f.Options, err = decodeOptions(dec); err != nil {
			return Frame{}, err
		}
	default:
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "frame has %d elements", n)
	}
	return f, nil
}

func decodeArrayBody(dec *msgpack.Decoder) (Body, error) {
	l, err := dec.DecodeArrayLen()
	if err != nil {
		return Body{}, errors.Wrapf(ErrMalformedFrame, "entries: %v", err)
	}
	if l == 0 {
		return Body{Kind: BodyEntries}, nil
	}

	c, err := dec.PeekCode()
	if err != nil {
		return Body{}, errors.Wrapf(ErrMalformedFrame, "entries: %v", err)
	}
	if !isArrayCode(c) {
		if l != 2 {
			return Body{}, errors.Wrapf(ErrMalformedEntry, "entry has %d elements", l)
		}
		e, err := decodeEntryFields(dec)
		if err != nil {
			return Body{}, err
		}
		return Body{Kind: BodySingle, Single: e}, nil
	}

	entries := make([]Entry, 0, l)
	for i := 0; i < l; i++ {
		e, err := decodeEntry(dec)
		if err != nil {
			return Body{}, err
		}
		entries = append(entries, e)
	}
	return Body{Kind: BodyEntries, Entries: entries}, nil
}

// decodeEntry reads a [time, record] array. Trailing elements are skipped.
func decodeEntry(dec *msgpack.Decoder) (Entry, error) {
	l, err := dec.DecodeArrayLen()
	if err != nil {
		return Entry{}, errors.Wrapf(ErrMalformedEntry, "entry: %v", err)
	}
	if l < 2 {
		return Entry{}, errors.Wrapf(ErrMalformedEntry, "entry has %d elements", l)
	}
	e, err := decodeEntryFields(dec)
	if err != nil {
		return Entry{}, err
	}
	for i := 2; i < l; i++ {
		if err = dec.Skip(); err != nil {
			return Entry{}, errors.Wrapf(ErrMalformedEntry, "entry: %v", err)
		}
	}
	return e, nil
}

func decodeEntryFields(dec *msgpack.Decoder) (Entry, error) {
	sec, err := decodeTime(dec)
	if err != nil {
		return Entry{}, errors.Wrapf(ErrMalformedEntry, "time: %v", err)
	}
	record, err := dec.DecodeMap()
	if err != nil {
		return Entry{}, errors.Wrapf(ErrMalformedEntry, "record: %v", err)
	}
	if record == nil {
		record = make(map[string]any)
	}
	return Entry{Time: sec, Record: record}, nil
}

// decodeTime accepts an integer epoch or a Fluentd EventTime ext.
func decodeTime(dec *msgpack.Decoder) (int64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, err
	}
	if msgpcode.IsExt(c) {
		id, length, err := dec.DecodeExtHeader()
		if err != nil {
			return 0, err
		}
		if id != eventTimeExtID {
			return 0, errors.Errorf("unexpected ext type %d", id)
		}
		buf := make([]byte, length)
		if err = dec.ReadFull(buf); err != nil {
			return 0, err
		}
		return parseEventTime(buf)
	}

	sec, err := dec.DecodeInt64()
	if err != nil {
		return 0, err
	}
	if sec < 0 {
		return 0, errors.Errorf("negative epoch %d", sec)
	}
	return sec, nil
}

func decodeOptions(dec *msgpack.Decoder) (FrameOptions, error) {
	m, err := dec.DecodeMap()
	if err != nil {
		return FrameOptions{}, errors.Wrapf(ErrMalformedFrame, "options: %v", err)
	}

	var opts FrameOptions
	switch size := m["size"].(type) {
	case int64:
		opts.Size = int(size)
	case uint64:
		opts.Size = int(size)
	}
	opts.Chunk, _ = m["chunk"].(string)
	opts.Compressed, _ = m["compressed"].(string)
	return opts, nil
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}
