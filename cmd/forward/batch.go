package main

import (
	"context"

	"github.com/Zereker/forward"
)

// batchSender groups consecutive events sharing a tag into packed frames.
// With a size of 0 or 1 every event is sent as its own frame.
type batchSender struct {
	conn    *forward.Conn
	size    int
	tag     string
	pending []*forward.Event
}

func newBatchSender(conn *forward.Conn, size int) *batchSender {
	return &batchSender{conn: conn, size: size}
}

func (b *batchSender) add(ctx context.Context, ev *forward.Event) error {
	if b.size <= 1 {
		return b.conn.WriteBlocking(ctx, ev)
	}

	tag, _ := ev.Tag()
	if len(b.pending) > 0 && tag != b.tag {
		if err := b.flush(ctx); err != nil {
			return err
		}
	}
	b.tag = tag
	b.pending = append(b.pending, ev)
	if len(b.pending) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batchSender) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	err := b.conn.WriteBatch(ctx, b.tag, b.pending)
	b.pending = b.pending[:0]
	return err
}
