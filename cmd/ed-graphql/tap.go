package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/logger"
	"github.com/ed-platform/ed-graphql/redis"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func tapCommand(c *cli) *cobra.Command {
	var channels []string

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Log every message published on broker channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}

			conn, err := openBroker(cfg, log)
			if err != nil {
				return err
			}
			defer conn.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return tap(ctx, conn, logger.Component(log, "tap"), channels)
		},
	}

	cmd.Flags().StringSliceVar(&channels, "channel", []string{events.ChannelUserChanges}, "channels to tap")
	return cmd
}

// tap prints raw payloads when the broker is redis, decoded messages
// otherwise.
func tap(ctx context.Context, conn *connection, log *logrus.Entry, channels []string) error {
	log.Infof("tapping %v", channels)

	if conn.redis != nil {
		return conn.redis.Tap(ctx, func(ev redis.Event) {
			log.WithField("channel", ev.Channel).Info(ev.Payload)
		}, channels...)
	}

	handlers := broker.Handlers{}
	for _, ch := range channels {
		handlers[ch] = map[string]broker.Handler{
			broker.Wildcard: func(_ context.Context, msg broker.Message) error {
				log.WithFields(logrus.Fields{
					"channel":    msg.Channel,
					"event_type": msg.EventType,
				}).Info(string(msg.Raw))
				return nil
			},
		}
	}
	return conn.Subscribe(ctx, handlers)
}
