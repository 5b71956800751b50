package main

import (
	"context"
	"fmt"

	"github.com/ed-platform/ed-graphql/bridge"
	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/config"
	"github.com/ed-platform/ed-graphql/datastore"
	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/gql"
	"github.com/ed-platform/ed-graphql/kafka"
	"github.com/ed-platform/ed-graphql/logger"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/ed-platform/ed-graphql/nats"
	"github.com/ed-platform/ed-graphql/orm"
	"github.com/ed-platform/ed-graphql/passport"
	"github.com/ed-platform/ed-graphql/redis"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/ed-platform/ed-graphql/server"
	"github.com/ed-platform/ed-graphql/workers"
	"github.com/ed-platform/ed-graphql/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"
)

// connection is one broker driver seen through the broker interfaces.
type connection struct {
	broker.Subscriber
	broker.Publisher

	health server.Health
	redis  *redis.Service
	close  func() error
}

func openBroker(cfg config.Config, log *logrus.Logger) (*connection, error) {
	entry := logger.Component(log, "broker")

	switch cfg.Broker {
	case config.BrokerRedis:
		svc, err := redis.NewService(cfg.Redis.URL, redis.WithLogger(entry))
		if err != nil {
			return nil, err
		}
		return &connection{
			Subscriber: svc,
			Publisher:  svc,
			health:     server.Health{Broker: cfg.Broker, URL: svc.URL(), Ping: svc.Ping},
			redis:      svc,
			close:      svc.Close,
		}, nil

	case config.BrokerKafka:
		opts := []kafka.Option{
			kafka.WithBrokers(cfg.Kafka.Brokers),
			kafka.WithGroupID(cfg.Kafka.GroupID),
			kafka.WithClientID(cfg.Kafka.ClientID),
			kafka.WithStartFromLatest(cfg.Kafka.StartLatest),
			kafka.WithLogger(entry),
		}
		if cfg.Kafka.UserName != "" {
			opts = append(opts, kafka.WithCredentials(cfg.Kafka.UserName, cfg.Kafka.Password))
		}

		sub, err := kafka.NewSubscriber(opts...)
		if err != nil {
			return nil, err
		}
		pub, err := kafka.NewPublisher(opts...)
		if err != nil {
			return nil, err
		}
		return &connection{
			Subscriber: sub,
			Publisher:  pub,
			health:     server.Health{Broker: cfg.Broker},
			close:      pub.Close,
		}, nil

	case config.BrokerNATS:
		bus, err := nats.Connect(cfg.NATS.URL, entry)
		if err != nil {
			return nil, err
		}
		return &connection{
			Subscriber: bus,
			Publisher:  bus,
			health:     server.Health{Broker: cfg.Broker, URL: cfg.NATS.URL},
			close:      bus.Close,
		}, nil

	case config.BrokerMemory:
		mem := broker.NewMemory(entry)
		return &connection{
			Subscriber: mem,
			Publisher:  mem,
			health:     server.Health{Broker: cfg.Broker},
			close:      func() error { return nil },
		}, nil
	}

	return nil, fmt.Errorf("broker driver %q not supported", cfg.Broker)
}

// app is the fully wired service.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	entry  *logrus.Entry
	gather *prometheus.Registry

	conn       *connection
	db         *gorm.DB
	users      *eventbus.Bus[events.UserChange]
	datastores *registry.Registry[events.DatastoreUpdated]
	files      *registry.Registry[events.FileStatus]
	supervisor *workers.Supervisor
	server     *server.Server
}

func newApp(cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, entry: logger.Component(log, "app")}

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		a.gather = prometheus.NewRegistry()
		a.gather.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		p, err := metrics.NewPrometheus(a.gather)
		if err != nil {
			return nil, err
		}
		rec = p
	}

	dbCfg := cfg.Database
	dbCfg.Logger = logger.Component(log, "orm")
	db, err := orm.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	conn, err := openBroker(cfg, log)
	if err != nil {
		_ = orm.Close(db)
		return nil, err
	}
	a.conn = conn

	a.users = eventbus.New[events.UserChange](
		eventbus.WithCapacity(cfg.Bus.Capacity),
		eventbus.WithLogger(logger.Component(log, "eventbus")),
		eventbus.WithMetrics(rec),
	)
	a.datastores = registry.New[events.DatastoreUpdated]("datastore",
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithLogger(logger.Component(log, "registry")),
		registry.WithMetrics(rec),
	)
	a.files = registry.New[events.FileStatus]("file_status",
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithLogger(logger.Component(log, "registry")),
		registry.WithMetrics(rec),
	)

	bridgeOpts := []bridge.Option{bridge.WithLogger(logger.Component(log, "bridge")), bridge.WithMetrics(rec)}

	a.supervisor = workers.NewSupervisor("bridges", logger.Component(log, "workers"))
	if err := a.supervisor.Add(
		bridge.Task(bridge.NewUserChanges(conn, a.users, bridgeOpts...)),
		bridge.Task(bridge.NewUploadSessionStatus(conn, a.datastores, bridgeOpts...)),
		bridge.Task(bridge.NewFileStatus(conn, a.files, bridgeOpts...)),
	); err != nil {
		a.close()
		return nil, err
	}

	svc, err := gql.NewService(gql.Resolvers{
		Users:      a.users,
		Datastores: a.datastores,
		Files:      a.files,
		Store:      datastore.NewStore(db, logger.Component(log, "datastore")),
	}, gql.WithLogger(logger.Component(log, "gql")), gql.WithGraphiQL(cfg.HTTP.GraphiQL))
	if err != nil {
		a.close()
		return nil, err
	}

	sockets := ws.NewHandler(svc, ws.WithLogger(logger.Component(log, "ws")), ws.WithMetrics(rec))

	serverOpts := []server.Option{
		server.WithLogger(logger.Component(log, "server")),
		server.WithHealth(conn.health),
	}
	if a.gather != nil {
		serverOpts = append(serverOpts, server.WithMetrics(a.gather))
	}

	a.server = server.New(server.Config{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Auth: passport.Config{
			Secret: cfg.Auth.JWTSecret,
			Cookie: cfg.Auth.Cookie,
			Logger: logger.Component(log, "passport"),
		},
	}, svc, sockets, serverOpts...)

	return a, nil
}

// run starts the bridge tasks and the HTTP server. A fatal bridge error
// stops the server and is returned.
func (a *app) run(ctx context.Context, serve func(context.Context) error) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(func(ctx context.Context) error {
		if err := a.supervisor.Start(ctx); err != nil {
			return err
		}
		return a.supervisor.Wait()
	})
	p.Go(serve)

	err := p.Wait()
	_ = a.supervisor.Stop()
	return err
}

func (a *app) close() {
	if a.conn != nil {
		if err := a.conn.close(); err != nil {
			a.entry.Warnf("closing broker: %v", err)
		}
	}
	if a.db != nil {
		if err := orm.Close(a.db); err != nil {
			a.entry.Warnf("closing database: %v", err)
		}
	}
}
