package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/internal/relay"
	"github.com/cuongbtq/procrastinate-go/shared/rabbitmq"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish job notifications to a RabbitMQ exchange",
		RunE:  runRelay,
	}
	cmd.Flags().StringSlice("queues", nil, "Queues to relay (default: every queue)")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, (*config.Config).ValidateRelayConfig)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := &a.cfg.RabbitMQ
	publisher, err := rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               rc.Host,
		Port:               rc.Port,
		User:               rc.User,
		Password:           rc.Password,
		VHost:              rc.VHost,
		ExchangeName:       rc.Exchange.Name,
		ExchangeType:       rc.Exchange.Type,
		ExchangeDurable:    rc.Exchange.Durable,
		ExchangeAutoDelete: rc.Exchange.AutoDelete,
		RetryAttempts:      rc.Connection.RetryAttempts,
		RetryInterval:      rc.Connection.RetryInterval,
		Heartbeat:          rc.Connection.Heartbeat,
		ConnectionTimeout:  rc.Connection.ConnectionTimeout,
		PublishRetries:     rc.Publish.RetryAttempts,
		PublishRetryDelay:  rc.Publish.RetryInterval,
		PublishBackoffMult: rc.Publish.BackoffMultiplier,
	}, a.logger.Logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	listener := a.newListener()
	defer func() {
		if err := listener.Close(); err != nil {
			a.logger.Warn("Failed to close listener", slog.Any("error", err))
		}
	}()

	queues, _ := cmd.Flags().GetStringSlice("queues")
	r, err := relay.New(&relay.Config{
		Logger:    a.logger.Logger,
		Listener:  listener,
		Publisher: publisher,
		Queues:    queues,
	})
	if err != nil {
		return err
	}

	return r.Run(ctx)
}
