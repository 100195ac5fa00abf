// Package deadletter persists envelopes that exhausted their delivery
// attempts so no encrypted change is ever silently dropped. The replicator
// replays the store on startup and after the cloud receiver recovers.
package deadletter

import (
	"context"
	"time"

	"replicator/internal/envelope"
)

// Entry wraps a parked envelope with enough context to triage it.
type Entry struct {
	Envelope    *envelope.Envelope `json:"envelope"`
	Reason      string             `json:"reason"`
	Attempts    int                `json:"attempts"`
	LastAttempt time.Time          `json:"last_attempt"`
}

// Store is a durable parking lot keyed by envelope idempotency key. Writing
// the same envelope twice overwrites in place, so an envelope lands at most
// once regardless of how many workers give up on it.
type Store interface {
	Write(ctx context.Context, env *envelope.Envelope, reason string, attempts int) error
	Replay(ctx context.Context, fn func(Entry) error) error
	Remove(ctx context.Context, idempotencyKey string) error
	Len(ctx context.Context) (int, error)
}
