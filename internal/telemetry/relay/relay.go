// Package relay moves telemetry records from the Kafka topic into Loki.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultPushTimeout = 10 * time.Second
	DefaultAttempts    = 3
	DefaultBackoff     = 200 * time.Millisecond
)

// Reader is the part of *kafka.Reader the relay uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Pusher ships one wire-format record. *loki.Client implements it.
type Pusher interface {
	PushRecordJSON(ctx context.Context, raw []byte) error
}

// Options tunes retries. Zero values take the defaults.
type Options struct {
	PushTimeout time.Duration
	Attempts    int
	Backoff     time.Duration
}

// Relay commits each message after it was pushed or its attempts ran out. Loki is a secondary
// sink; Postgres keeps the durable copy, so a record Loki keeps refusing is logged and skipped.
type Relay struct {
	reader Reader
	pusher Pusher
	opts   Options
}

func New(reader Reader, pusher Pusher, opts Options) *Relay {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Relay{reader: reader, pusher: pusher, opts: opts}
}

// Run relays until ctx is done. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("relay: kafka fetch: %v", err)
			if !sleep(ctx, r.opts.Backoff) {
				return nil
			}
			continue
		}
		if !r.push(ctx, msg) && ctx.Err() != nil {
			return nil
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Printf("relay: commit offset %d: %v", msg.Offset, err)
		}
	}
}

// push reports whether msg reached Loki.
func (r *Relay) push(ctx context.Context, msg kafka.Message) bool {
	backoff := r.opts.Backoff
	var err error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		pushCtx, cancel := context.WithTimeout(ctx, r.opts.PushTimeout)
		err = r.pusher.PushRecordJSON(pushCtx, msg.Value)
		cancel()
		if err == nil {
			return true
		}
		if attempt < r.opts.Attempts && !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
	}
	log.Printf("relay: loki push failed for session %s after %d attempts: %v", msg.Key, r.opts.Attempts, err)
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
