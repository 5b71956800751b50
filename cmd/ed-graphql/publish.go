package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func publishCommand(c *cli) *cobra.Command {
	var (
		channel   string
		eventType string
		payload   string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event envelope on a broker channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := json.Unmarshal([]byte(payload), &body); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			cfg, log, err := c.load()
			if err != nil {
				return err
			}

			conn, err := openBroker(cfg, log)
			if err != nil {
				return err
			}
			defer conn.close()

			if err := conn.Publish(cmd.Context(), channel, eventType, body); err != nil {
				return err
			}
			log.Infof("published %s on %s", eventType, channel)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&channel, "channel", "", "channel to publish on")
	flags.StringVar(&eventType, "event-type", "", "event type, e.g. user_created")
	flags.StringVar(&payload, "payload", "{}", "JSON object payload")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("event-type")

	return cmd
}
