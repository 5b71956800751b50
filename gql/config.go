package gql

import (
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

type Option func(*Config)

type Config struct {
	logger   *logrus.Entry
	graphiql bool
	queries  graphql.Fields
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) { c.logger = l }
}

// WithGraphiQL serves the GraphiQL page on GET requests.
func WithGraphiQL(enabled bool) Option {
	return func(c *Config) { c.graphiql = enabled }
}

// WithQueries adds extra root query fields.
func WithQueries(fields graphql.Fields) Option {
	return func(c *Config) {
		if c.queries == nil {
			c.queries = graphql.Fields{}
		}
		for name, field := range fields {
			c.queries[name] = field
		}
	}
}

func newConfig(opts ...Option) Config {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}
