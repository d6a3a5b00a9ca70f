package postgresql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Notification is a wake-up signal received on a LISTEN channel.
// Reconnected is set when the listener connection was re-established;
// notifications sent while it was down are lost.
type Notification struct {
	Channel     string
	Reconnected bool
}

// ListenerConfig holds LISTEN connection settings
type ListenerConfig struct {
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
}

// Listener owns a dedicated connection subscribed to notification channels.
// The connection is opened on the first Listen call.
type Listener struct {
	dsn    string
	config ListenerConfig
	logger *slog.Logger

	mu       sync.Mutex
	pql      *pq.Listener
	notifyCh chan Notification
	done     chan struct{}
}

// NewListener creates a listener that connects lazily
func NewListener(dsn string, config ListenerConfig, logger *slog.Logger) *Listener {
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = time.Second
	}
	if config.MaxReconnectInterval < config.MinReconnectInterval {
		config.MaxReconnectInterval = time.Minute
	}
	return &Listener{
		dsn:    dsn,
		config: config,
		logger: logger,
	}
}

// Listen subscribes to the given channels. Channels already subscribed are
// ignored. It blocks until the listener connection is up or ctx is done.
func (l *Listener) Listen(ctx context.Context, channels ...string) error {
	pql := l.open()

	for _, channel := range channels {
		errCh := make(chan error, 1)
		go func() {
			errCh <- pql.Listen(channel)
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
				return fmt.Errorf("failed to listen on %q: %w", channel, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		l.logger.Debug("Listening for notifications",
			slog.String("channel", channel),
		)
	}

	return nil
}

// Notifications returns the channel notifications are delivered on.
// It is nil until the first Listen call and closed by Close.
func (l *Listener) Notifications() <-chan Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// Close closes the listening connection. Closing twice, or without ever
// listening, is a no-op.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pql == nil {
		return nil
	}

	pql := l.pql
	l.pql = nil
	close(l.done)

	// Close unblocks the relay goroutine by closing pq's Notify channel.
	if err := pql.Close(); err != nil {
		l.logger.Error("Failed to close listener connection",
			slog.Any("error", err),
		)
		return err
	}

	l.logger.Info("Listener connection closed")
	return nil
}

func (l *Listener) open() *pq.Listener {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pql != nil {
		return l.pql
	}

	l.pql = pq.NewListener(l.dsn, l.config.MinReconnectInterval, l.config.MaxReconnectInterval, l.onEvent)
	l.notifyCh = make(chan Notification, 64)
	l.done = make(chan struct{})

	go l.relay(l.pql.Notify, l.notifyCh, l.done)

	return l.pql
}

// relay converts pq notifications and drops them when the consumer lags;
// one pending wake-up is as good as many.
func (l *Listener) relay(in <-chan *pq.Notification, out chan Notification, done <-chan struct{}) {
	defer close(out)

	for {
		select {
		case <-done:
			return
		case n, ok := <-in:
			if !ok {
				return
			}

			// pq sends nil after re-establishing a lost connection
			msg := Notification{Reconnected: n == nil}
			if n != nil {
				msg.Channel = n.Channel
			}

			select {
			case out <- msg:
			default:
			}
		}
	}
}

func (l *Listener) onEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("Listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Listener disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("Listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Listener connection attempt failed", slog.Any("error", err))
	}
}
