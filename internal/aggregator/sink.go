package aggregator

import (
	"context"

	"github.com/Aman-CERP/indexsync/internal/observer"
)

// ChannelSink exposes the merged change stream as a channel. Consume
// blocks until the change is received or ctx is done, so a slow reader
// holds back every area's watermark.
type ChannelSink struct {
	ch chan observer.DocumentChange
}

// NewChannelSink creates a sink with the given channel buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ch: make(chan observer.DocumentChange, buffer)}
}

// Consume implements observer.Sink.
func (s *ChannelSink) Consume(ctx context.Context, change observer.DocumentChange) error {
	select {
	case s.ch <- change:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Changes returns the stream.
func (s *ChannelSink) Changes() <-chan observer.DocumentChange {
	return s.ch
}
