package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/procrastinate-go/internal/store"
)

const (
	// AnyRoutingKey is used for wildcard and reconnect wake-ups
	AnyRoutingKey = "any"

	queueRoutingPrefix = "queue."
	contentType        = "application/json"
)

// ErrListenerClosed is returned by Run when the notification stream ends
var ErrListenerClosed = errors.New("listener closed")

// Publisher sends a message to the broker
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// WakeMessage tells external consumers that jobs may be available
type WakeMessage struct {
	Channel     string    `json:"channel,omitempty"`
	Queue       string    `json:"queue,omitempty"`
	Reconnected bool      `json:"reconnected"`
	At          time.Time `json:"at"`
}

// RoutingKey returns "queue.<name>" for a queue wake-up and AnyRoutingKey otherwise
func (m WakeMessage) RoutingKey() string {
	if m.Queue == "" {
		return AnyRoutingKey
	}
	return queueRoutingPrefix + m.Queue
}

// Config holds relay dependencies
type Config struct {
	Logger         *slog.Logger
	Listener       store.Listener
	Publisher      Publisher
	Queues         []string
	PublishTimeout time.Duration
	Registerer     prometheus.Registerer
}

// Relay forwards job notifications from PostgreSQL to a message broker
type Relay struct {
	logger         *slog.Logger
	listener       store.Listener
	publisher      Publisher
	queues         []string
	publishTimeout time.Duration
	published      *prometheus.CounterVec
	now            func() time.Time
}

// New creates a relay
func New(cfg *Config) (*Relay, error) {
	if cfg.Listener == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("relay requires a listener and a publisher")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procrastinate_relay_messages_total",
		Help: "Wake-up messages relayed to the broker, by result.",
	}, []string{"result"})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(published)
	}

	return &Relay{
		logger:         logger.With(slog.String("component", "relay")),
		listener:       cfg.Listener,
		publisher:      cfg.Publisher,
		queues:         cfg.Queues,
		publishTimeout: timeout,
		published:      published,
		now:            time.Now,
	}, nil
}

// Run relays notifications until ctx is done or the listener closes
func (r *Relay) Run(ctx context.Context) error {
	channels := store.Channels(r.queues)
	if err := r.listener.Listen(ctx, channels...); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	r.logger.Info("Relay started", slog.Any("channels", channels))

	notifications := r.listener.Notifications()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Relay stopped")
			return nil
		case n, ok := <-notifications:
			if !ok {
				return ErrListenerClosed
			}
			r.forward(ctx, r.message(n.Channel, n.Reconnected))
		}
	}
}

func (r *Relay) message(channel string, reconnected bool) WakeMessage {
	msg := WakeMessage{
		Channel:     channel,
		Reconnected: reconnected,
		At:          r.now().UTC(),
	}
	if queue, ok := store.QueueFromChannel(channel); ok {
		msg.Queue = queue
	}
	return msg
}

// forward publishes msg; failures are logged and counted, never fatal
func (r *Relay) forward(ctx context.Context, msg WakeMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to encode wake message", slog.Any("error", err))
		r.published.WithLabelValues("error").Inc()
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	if err := r.publisher.Publish(pubCtx, msg.RoutingKey(), body, contentType); err != nil {
		r.logger.Warn("Failed to relay wake message",
			slog.String("routing_key", msg.RoutingKey()),
			slog.Any("error", err),
		)
		r.published.WithLabelValues("error").Inc()
		return
	}

	r.published.WithLabelValues("ok").Inc()
}
