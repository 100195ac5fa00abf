// Package replicator wires the change listener, the envelope codec, and the
// delivery client into one supervised pipeline with bounded queues between
// the stages.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"replicator/internal/deadletter"
	"replicator/internal/envelope"
	"replicator/internal/platform/metrics"
)

// ChangeSource produces parsed changes until its context is cancelled.
// The database listener is the production implementation.
type ChangeSource interface {
	Run(ctx context.Context, out chan<- *envelope.Change) error
}

// Deliverer ships encrypted envelopes to the cloud receiver.
type Deliverer interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
	DeliverBatch(ctx context.Context, envs []*envelope.Envelope) error
}

// Config carries the pipeline's collaborators and sizing knobs.
type Config struct {
	Source     ChangeSource
	Encryptor  *envelope.Encryptor
	Sender     Deliverer
	DeadLetter deadletter.Store

	QueueCapacity int
	CodecWorkers  int
	SenderWorkers int

	// BatchSize above one switches delivery to the bulk endpoint; a partial
	// batch is flushed every FlushInterval.
	BatchSize     int
	FlushInterval time.Duration

	// ShutdownGrace bounds how long in-flight envelopes may keep delivering
	// after the context is cancelled. Whatever is still undelivered when it
	// expires is parked in the dead-letter store by the sender.
	ShutdownGrace time.Duration

	// DryRun encrypts changes but never contacts the receiver.
	DryRun bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a point-in-time snapshot of the pipeline's backlog.
type Stats struct {
	ChangeQueueDepth  int `json:"change_queue_depth"`
	SendQueueDepth    int `json:"send_queue_depth"`
	DeadLetterBacklog int `json:"dead_letter_backlog"`
}

// Pipeline runs the listen, encrypt, deliver stages as worker pools over
// bounded channels. A full queue blocks the stage upstream of it instead of
// dropping changes.
type Pipeline struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	changes   chan *envelope.Change
	envelopes chan *envelope.Envelope
}

// New validates the wiring and sizes the queues.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("change source is required")
	}
	if cfg.Encryptor == nil {
		return nil, errors.New("encryptor is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1024
	}
	if cfg.CodecWorkers < 1 {
		cfg.CodecWorkers = 1
	}
	if cfg.SenderWorkers < 1 {
		cfg.SenderWorkers = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		changes:   make(chan *envelope.Change, cfg.QueueCapacity),
		envelopes: make(chan *envelope.Envelope, cfg.QueueCapacity),
	}, nil
}

// Run drives the pipeline until ctx is cancelled, then drains: the source
// stops first, the codec workers finish the change queue, and the sender
// workers get ShutdownGrace to deliver what remains before it is parked.
func (p *Pipeline) Run(ctx context.Context) error {
	p.replayDeadLetters(ctx)

	// Delivery keeps going for the grace period after cancellation so the
	// queues can drain instead of dumping straight to the dead-letter store.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	go func() {
		select {
		case <-ctx.Done():
		case <-drainCtx.Done():
			return
		}
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()

	srcErr := make(chan error, 1)
	go func() {
		srcErr <- p.cfg.Source.Run(ctx, p.changes)
		close(p.changes)
	}()

	var codecs errgroup.Group
	for range p.cfg.CodecWorkers {
		codecs.Go(func() error {
			p.encodeLoop(drainCtx)
			return nil
		})
	}
	go func() {
		_ = codecs.Wait()
		close(p.envelopes)
	}()

	var senders errgroup.Group
	for range p.cfg.SenderWorkers {
		senders.Go(func() error {
			p.sendLoop(drainCtx)
			return nil
		})
	}
	_ = senders.Wait()

	if err := <-srcErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("change source: %w", err)
	}
	return nil
}

// Stats reports queue depths and the dead-letter backlog.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	s := Stats{
		ChangeQueueDepth: len(p.changes),
		SendQueueDepth:   len(p.envelopes),
	}
	if p.cfg.DeadLetter != nil {
		if n, err := p.cfg.DeadLetter.Len(ctx); err == nil {
			s.DeadLetterBacklog = n
		}
	}
	return s
}

// replayDeadLetters redelivers the parked backlog before new changes start
// flowing. A failed redelivery re-parks in place and stops the sweep; the
// receiver is probably still unreachable.
func (p *Pipeline) replayDeadLetters(ctx context.Context) {
	if p.cfg.DeadLetter == nil || p.cfg.DryRun {
		return
	}
	backlog, err := p.cfg.DeadLetter.Len(ctx)
	if err != nil {
		p.log.Warn("dead-letter backlog unavailable", "error", err)
		return
	}
	if backlog == 0 {
		return
	}
	p.log.Info("replaying dead-letter backlog", "entries", backlog)

	err = p.cfg.DeadLetter.Replay(ctx, func(entry deadletter.Entry) error {
		key := entry.Envelope.IdempotencyKey()
		if err := p.cfg.Sender.Deliver(ctx, entry.Envelope); err != nil {
			return fmt.Errorf("redeliver %s: %w", key, err)
		}
		return p.cfg.DeadLetter.Remove(ctx, key)
	})
	if err != nil {
		p.log.Warn("dead-letter replay stopped early", "error", err)
	}
}

func (p *Pipeline) encodeLoop(ctx context.Context) {
	for change := range p.changes {
		p.metrics.ChangeQueueDepth.Set(float64(len(p.changes)))

		env, err := p.cfg.Encryptor.Encrypt(change)
		if err != nil {
			p.log.Error("dropping change that failed encryption",
				"table", change.Table,
				"operation", change.Operation,
				"error", err,
			)
			continue
		}
		p.metrics.EnvelopesEncrypted.Inc()

		select {
		case p.envelopes <- env:
		case <-ctx.Done():
			p.parkStranded(env, ctx.Err())
			return
		}
	}
}

// parkStranded persists an envelope the drain deadline caught between the
// codec and sender stages. It never delivered, so it must not be lost.
func (p *Pipeline) parkStranded(env *envelope.Envelope, cause error) {
	if p.cfg.DeadLetter == nil {
		p.log.Error("dropping undelivered envelope, no dead-letter store configured",
			"idempotency_key", env.IdempotencyKey(),
			"table", env.Table,
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reason := fmt.Sprintf("shutdown before delivery: %v", cause)
	if err := p.cfg.DeadLetter.Write(ctx, env, reason, 0); err != nil {
		p.log.Error("dead-letter write failed for undelivered envelope",
			"idempotency_key", env.IdempotencyKey(),
			"error", err,
		)
		return
	}
	p.metrics.DeadLettered.Inc()
	p.log.Warn("parked undelivered envelope at shutdown",
		"idempotency_key", env.IdempotencyKey(),
		"table", env.Table,
	)
}

func (p *Pipeline) sendLoop(ctx context.Context) {
	if p.cfg.BatchSize > 1 {
		p.sendBatches(ctx)
		return
	}
	for env := range p.envelopes {
		p.metrics.SendQueueDepth.Set(float64(len(p.envelopes)))
		p.dispatch(ctx, []*envelope.Envelope{env})
	}
}

func (p *Pipeline) sendBatches(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*envelope.Envelope, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.dispatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case env, ok := <-p.envelopes:
			if !ok {
				flush()
				return
			}
			p.metrics.SendQueueDepth.Set(float64(len(p.envelopes)))
			batch = append(batch, env)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				ticker.Reset(p.cfg.FlushInterval)
			}
		case <-ticker.C:
			flush()
		}
	}
}

// dispatch hands envelopes to the sender. Delivery errors are already
// resolved by the sender, retried then parked, so they are only logged here.
func (p *Pipeline) dispatch(ctx context.Context, envs []*envelope.Envelope) {
	if p.cfg.DryRun {
		for _, env := range envs {
			p.log.Info("dry run, skipping delivery",
				"table", env.Table,
				"key_id", env.KeyID,
				"idempotency_key", env.IdempotencyKey(),
			)
		}
		return
	}

	var err error
	if p.cfg.BatchSize > 1 {
		err = p.cfg.Sender.DeliverBatch(ctx, envs)
	} else {
		err = p.cfg.Sender.Deliver(ctx, envs[0])
	}
	if err != nil {
		p.log.Error("delivery failed", "envelopes", len(envs), "error", err)
	}
}
