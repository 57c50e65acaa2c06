package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
)

// DefaultPollBlock bounds each group read so shutdown is never stuck behind
// an idle stream.
const DefaultPollBlock = 2 * time.Second

// GroupSource feeds a worker.Consumer from a stream consumer group.
//
// On the first polls it replays this consumer's pending entries (messages
// delivered before a crash but never acknowledged), then switches to new
// messages. Poll is not safe for concurrent use; a Consumer calls it from a
// single loop.
type GroupSource struct {
	log         store.StreamLog
	stream      string
	group       string
	consumer    string
	block       time.Duration
	deleteOnAck bool

	recovering    bool
	pendingCursor string
}

var _ worker.Source = (*GroupSource)(nil)

// GroupOption configures a GroupSource.
type GroupOption func(*GroupSource)

// WithBlock sets how long one Poll waits for new messages.
func WithBlock(d time.Duration) GroupOption {
	return func(s *GroupSource) {
		if d > 0 {
			s.block = d
		}
	}
}

// WithDeleteOnAck removes a message from the stream after acknowledging it.
func WithDeleteOnAck(enabled bool) GroupOption {
	return func(s *GroupSource) {
		s.deleteOnAck = enabled
	}
}

// NewGroupSource creates the group if needed and returns a source reading as consumer.
func NewGroupSource(ctx context.Context, log store.StreamLog, stream, group, consumer string, opts ...GroupOption) (*GroupSource, error) {
	if stream == "" || group == "" || consumer == "" {
		return nil, fmt.Errorf("stream, group and consumer must be non-empty")
	}
	if err := log.EnsureGroup(ctx, stream, group); err != nil {
		return nil, fmt.Errorf("ensure group %s/%s: %w", stream, group, err)
	}

	s := &GroupSource{
		log:           log,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		block:         DefaultPollBlock,
		recovering:    true,
		pendingCursor: "0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the stream name.
func (s *GroupSource) Name() string {
	return s.stream
}

// Poll returns up to max messages.
func (s *GroupSource) Poll(ctx context.Context, max int) ([]store.Message, error) {
	if s.recovering {
		msgs, err := s.log.ReadGroup(ctx, s.stream, s.group, s.consumer, s.pendingCursor, max, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			s.pendingCursor = msgs[len(msgs)-1].ID
			slog.Info("Redelivering pending messages",
				"stream", s.stream,
				"consumer", s.consumer,
				"count", len(msgs))
			return msgs, nil
		}
		s.recovering = false
	}

	return s.log.ReadGroup(ctx, s.stream, s.group, s.consumer, ">", max, s.block)
}

// Acknowledge acks msg and optionally deletes it from the stream.
func (s *GroupSource) Acknowledge(ctx context.Context, msg store.Message) error {
	if _, err := s.log.Ack(ctx, s.stream, s.group, msg.ID); err != nil {
		return err
	}
	if s.deleteOnAck {
		if _, err := s.log.Remove(ctx, s.stream, msg.ID); err != nil {
			return err
		}
	}
	return nil
}
