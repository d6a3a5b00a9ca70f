package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// AnyQueueChannel receives a notification for every deferred job
	AnyQueueChannel = "procrastinate_any_queue"

	queueChannelPrefix = "procrastinate_queue#"
)

// QueueChannel returns the LISTEN channel of a single queue
func QueueChannel(queue string) string {
	return queueChannelPrefix + queue
}

// QueueFromChannel returns the queue a per-queue channel belongs to
func QueueFromChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, queueChannelPrefix)
}

// Channels returns the channels to listen on for the given queues.
// No queues means every queue.
func Channels(queues []string) []string {
	if len(queues) == 0 {
		return []string{AnyQueueChannel}
	}

	channels := make([]string, 0, len(queues))
	for _, queue := range queues {
		channels = append(channels, QueueChannel(queue))
	}
	return channels
}

// ListenForJobs subscribes to the channels of the given queues, opening the
// listener connection on first use
func (s *JobStore) ListenForJobs(ctx context.Context, queues []string) error {
	if s.listener == nil {
		return ErrNoListener
	}

	channels := Channels(queues)
	if err := s.listener.Listen(ctx, channels...); err != nil {
		return fmt.Errorf("failed to listen for jobs: %w", err)
	}

	s.logger.Info("Listening for jobs",
		slog.Any("channels", channels),
	)
	return nil
}

// WaitForJobs blocks until a notification arrives, the timeout elapses or
// ctx is done. It reports true on a notification. A listener reconnect also
// counts as a notification since anything sent while disconnected is lost.
// A timeout of zero or less waits without limit.
func (s *JobStore) WaitForJobs(ctx context.Context, timeout time.Duration) (bool, error) {
	if s.listener == nil {
		return false, ErrNoListener
	}

	notifications := s.listener.Notifications()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case n, ok := <-notifications:
		if !ok {
			return false, nil
		}
		if n.Reconnected {
			s.logger.Info("Listener reconnected, checking for missed jobs")
		}
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// StopListening closes the listener connection. It is a no-op when no
// listener was configured or opened.
func (s *JobStore) StopListening() error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("failed to stop listening: %w", err)
	}
	return nil
}
