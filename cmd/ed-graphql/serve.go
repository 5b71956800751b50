package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the GraphQL server and the broker bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.entry.WithField("broker", cfg.Broker).Infof("starting ed-graphql on %s", cfg.HTTP.Addr)

			// a fatal bridge error exits non-zero; restarting is left to the
			// process supervisor
			return a.run(ctx, a.server.Run)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8000", "http listen address")
	c.bind(flags, map[string]string{"http.addr": "addr"})

	return cmd
}
