// Package listener subscribes to PostgreSQL LISTEN/NOTIFY and turns raw
// notification payloads into structured changes.
//
// LISTEN/NOTIFY is not durable: notifications emitted while the listener is
// disconnected are gone. Reconnection resumes the stream but cannot replay
// the gap; deployments that cannot tolerate this need a reconciliation pass
// outside this service.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"replicator/internal/envelope"
	"replicator/internal/platform/backoff"
	"replicator/internal/platform/metrics"
)

// State is the listener's connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config carries the listener's connection settings and collaborators.
type Config struct {
	DatabaseURL string
	Channel     string
	Backoff     backoff.Policy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Listener owns one notification connection. Parsed changes go out on the
// channel handed to Run; malformed payloads are quarantined with a log line
// and never stall the stream.
type Listener struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	state   atomic.Int32

	// connect is swapped in tests to avoid a real database.
	connect func(ctx context.Context) (conn, error)
}

// conn is the slice of pgx.Conn the listener needs; tests provide fakes.
type conn interface {
	Exec(ctx context.Context, sql string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// Notification mirrors pgconn.Notification for the conn seam.
type Notification struct {
	Channel string
	Payload string
}

// New builds a listener from config.
func New(cfg Config) (*Listener, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("notification channel is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	l := &Listener{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	l.connect = l.connectPgx
	return l, nil
}

// State reports the current lifecycle position.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run drives the connect/listen/reconnect loop until ctx is cancelled.
// Changes are pushed to out; when out is full the listener blocks, applying
// backpressure instead of dropping changes.
func (l *Listener) Run(ctx context.Context, out chan<- *envelope.Change) error {
	defer l.setState(StateStopped)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.setState(StateConnecting)
		c, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := l.cfg.Backoff.Duration(attempt)
			attempt++
			l.log.Warn("database connection failed, retrying",
				"channel", l.cfg.Channel,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		err = l.listen(ctx, c, out)
		_ = c.Close(context.Background())
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Connection dropped mid-listen; changes emitted until we are
		// listening again are lost (see package comment).
		l.metrics.ListenerReconnects.Inc()
		l.log.Warn("notification connection lost, reconnecting",
			"channel", l.cfg.Channel,
			"error", err,
		)
	}
}

// listen blocks on notifications until the connection or context dies.
func (l *Listener) listen(ctx context.Context, c conn, out chan<- *envelope.Change) error {
	if err := c.Exec(ctx, "listen "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return err
	}
	l.setState(StateListening)
	l.log.Info("listening for change notifications", "channel", l.cfg.Channel)

	for {
		n, err := c.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		change, err := envelope.ParseChange([]byte(n.Payload), time.Now())
		if err != nil {
			l.metrics.ChangesQuarantined.Inc()
			l.log.Warn("quarantined malformed notification payload",
				"channel", n.Channel,
				"error", err,
			)
			continue
		}
		l.metrics.ChangesReceived.Inc()

		select {
		case out <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.ListenerState.Set(float64(s))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
