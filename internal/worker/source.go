// ============================================================================
// Beaver-Relay Message Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for fetching messages and confirming them.
//
// Motivation:
//   The pool does not care where messages come from. The stream package
//   provides a consumer-group source on top of the shared StreamLog; tests
//   use an in-process slice.
//
// Delivery:
//   A message that is never acknowledged stays pending in the source and is
//   redelivered on restart (at-least-once). Handlers must tolerate duplicates.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Source defines the interface for fetching messages and confirming them.
type Source interface {
	// Name identifies the source in logs and metrics (usually the stream name).
	Name() string

	// Poll fetches a batch of messages.
	// It may block for a bounded time and returns an empty slice when idle.
	//
	// Parameters:
	//   - ctx: Context for cancellation.
	//   - max: Maximum number of messages to fetch.
	//
	// Returns:
	//   - []store.Message: A slice of fetched messages.
	//   - error: Error if fetching fails.
	Poll(ctx context.Context, max int) ([]store.Message, error)

	// Acknowledge confirms that msg was handled successfully.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout.
	//   - msg: The handled message.
	//
	// Returns:
	//   - error: Error if acknowledgment fails.
	Acknowledge(ctx context.Context, msg store.Message) error
}
