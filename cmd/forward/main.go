// Command forward speaks the Fluentd forward protocol.
//
//	forward serve [flags]   accept forward connections, print events as JSON lines
//	forward send [flags]    read JSON objects from stdin, send them as forward frames
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/Zereker/forward"
	"github.com/Zereker/forward/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:], os.Stdout)
	case "send":
		err = runSend(ctx, os.Args[2:], os.Stdin)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("forward failed", "command", os.Args[1], "error", err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: forward serve|send [flags]")
}

func loadConfig(name string, args []string) (config.Config, *slog.Logger, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags := config.NewFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}

	cfg, err := flags.Load()
	if err != nil {
		return config.Config{}, nil, err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func connOptions(cfg config.Config, logger *slog.Logger) []forward.Option {
	return []forward.Option{
		forward.LoggerOption(logger),
		forward.DefaultTagOption(cfg.DefaultTag),
		forward.MaxFrameSizeOption(cfg.MaxFrameSize),
		forward.BufferSizeOption(cfg.BufferSize),
		forward.HeartbeatOption(cfg.Heartbeat),
		forward.CompressOption(cfg.Compress),
	}
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	cfg, logger, err := loadConfig("serve", args)
	if err != nil {
		return err
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.Listen)
	}

	printer := newEventPrinter(out)
	opts := append(connOptions(cfg, logger), forward.OnEventOption(func(_ *forward.Conn, ev *forward.Event) error {
		return printer.print(ev)
	}))

	server, err := forward.New(addr,
		forward.ServerLoggerOption(logger),
		forward.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
		forward.ServerConnOptions(opts...),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	return server.Serve(ctx)
}

// eventPrinter writes events as JSON lines. Connections run concurrently,
// so writes are serialized.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ev *forward.Event) error {
	fields, err := forward.Normalize(ev.Fields)
	if err != nil {
		return err
	}
	fields[forward.TimestampKey] = forward.FormatISO8601(ev.Timestamp)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(fields)
}

func runSend(ctx context.Context, args []string, in io.Reader) error {
	cfg, logger, err := loadConfig("send", args)
	if err != nil {
		return err
	}

	conn, err := forward.Dial(ctx, cfg.Peer, connOptions(cfg, logger)...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(runCtx)
	}()

	sender := newBatchSender(conn, cfg.BatchSize)
	if err = sendLines(ctx, in, sender); err == nil {
		err = sender.flush(ctx)
	}
	if err == nil {
		flushCtx, flushCancel := context.WithTimeout(ctx, cfg.Heartbeat)
		err = conn.Flush(flushCtx)
		flushCancel()
	}

	_ = conn.Close()
	<-done
	return err
}

func sendLines(ctx context.Context, in io.Reader, sender *batchSender) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ev, err := parseEvent(scanner.Bytes())
		if err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
		if err = sender.add(ctx, ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseEvent turns a JSON object into an event. A parseable @timestamp
// field becomes the event time; otherwise the current time is used.
func parseEvent(data []byte) (*forward.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.Wrap(err, "parse event")
	}

	ts := time.Now()
	if raw, ok := fields[forward.TimestampKey].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed
		}
	}
	delete(fields, forward.TimestampKey)

	for k, v := range fields {
		fields[k] = convertNumbers(v)
	}
	return forward.NewEvent(ts, fields), nil
}

// convertNumbers replaces json.Number with int64 or float64.
func convertNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = convertNumbers(item)
		}
	case []any:
		for i, item := range x {
			x[i] = convertNumbers(item)
		}
	}
	return v
}
