package main

import (
	"github.com/ed-platform/ed-graphql/config"
	"github.com/ed-platform/ed-graphql/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type cli struct {
	v          *viper.Viper
	configFile string
}

func rootCommand() *cobra.Command {
	c := &cli{v: config.New()}

	cmd := &cobra.Command{
		Use:           "ed-graphql",
		Short:         "Realtime GraphQL gateway for platform events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("broker", config.BrokerRedis, "broker driver (redis, kafka, nats, memory)")
	flags.String("redis-url", "", "redis url")

	c.bind(flags, map[string]string{
		"log.level":     "log-level",
		"log.format":    "log-format",
		"broker.driver": "broker",
		"redis.url":     "redis-url",
	})

	cmd.AddCommand(
		serveCommand(c),
		tapCommand(c),
		publishCommand(c),
		migrateCommand(c),
	)
	return cmd
}

// load reads configuration and builds the process logger.
func (c *cli) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return cfg, nil, err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// bind maps config keys to flag names.
func (c *cli) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = c.v.BindPFlag(key, flags.Lookup(name))
	}
}
