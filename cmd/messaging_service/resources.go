package main

import (
	"context"
	"fmt"

	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/config"
	"campus_connect/pkg/database"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverMongo    = "mongo"
	driverRedis    = "redis"
	driverKafka    = "kafka"
	driverRabbitMQ = "rabbitmq"
)

// resources everything opened at startup, closed in reverse order
type resources struct {
	closers []func()
	redis   *redis.Client
}

func (r *resources) add(f func()) {
	r.closers = append(r.closers, f)
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func driverOrMemory(d string) string {
	if d == "" {
		return driverMemory
	}
	return d
}

func (r *resources) newStore(ctx context.Context, cfg config.Messaging, clock quartz.Clock) (repository.Store, error) {
	switch driverOrMemory(cfg.Store.Driver) {
	case driverMemory:
		return repository.NewMemoryStore(clock), nil

	case driverPostgres:
		conn := database.PostgresConnection(cfg.PostgreSQL)
		if cfg.Store.Migrate {
			if err := migrate(conn); err != nil {
				return nil, err
			}
		}
		pool, err := database.NewDatabaseConnection(ctx, conn)
		if err != nil {
			return nil, err
		}
		r.add(pool.Close)
		return repository.NewPostgresStore(pool, clock), nil

	case driverMongo:
		m, err := database.NewMongoDB(ctx, database.MongoConnection(cfg.MongoSQL), cfg.MongoSQL.Database)
		if err != nil {
			return nil, err
		}
		r.add(func() {
			if err := m.Close(context.Background()); err != nil {
				logger.Log.Warn("close mongo failed", zap.Error(err))
			}
		})
		return repository.NewMongoStore(m.Database, clock), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func migrate(conn database.Connection) error {
	gdb, err := database.NewGormConnection(conn)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := repository.Migrate(gdb); err != nil {
		return err
	}
	logger.Log.Info("postgres migrated")
	return nil
}

func (r *resources) newFeed(ctx context.Context, cfg config.Messaging) (repository.Feed, error) {
	switch driverOrMemory(cfg.Feed.Driver) {
	case driverMemory:
		return repository.NewMemoryFeed(), nil

	case driverRedis:
		client, err := r.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repository.NewRedisPubSub(client), nil

	case driverKafka:
		kc := database.KafkaConnectionFrom(cfg.Kafka)
		if err := database.EnsureKafkaTopics(ctx, kc.Brokers, repository.KafkaTopics(cfg.Kafka.TopicPrefix)...); err != nil {
			return nil, err
		}
		writer, err := database.NewKafkaWriterWithRetry(ctx, kc)
		if err != nil {
			return nil, err
		}
		return repository.NewKafkaFeed(writer, kc.Brokers, cfg.Kafka.TopicPrefix), nil

	case driverRabbitMQ:
		conn, err := database.ConnectRabbitMQWithRetry(database.RabbitConnection(cfg.RabbitMQ))
		if err != nil {
			return nil, err
		}
		r.add(func() { conn.Close() })
		return repository.NewRabbitFeed(conn)
	}
	return nil, fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
}

// newSessionCache redis when configured, otherwise in process
func (r *resources) newSessionCache(ctx context.Context, cfg config.Messaging, clock quartz.Clock) (database.RedisRepository[repository.AuthSession], error) {
	if cfg.Redis.Addr == "" {
		return database.NewMemoryRepository[repository.AuthSession](clock), nil
	}
	client, err := r.redisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return database.NewRedisRepository[repository.AuthSession](client, "session"), nil
}

func (r *resources) redisClient(ctx context.Context, cfg config.Messaging) (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := database.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.RedisDB)
	if err != nil {
		return nil, err
	}
	r.redis = client
	r.add(func() { client.Close() })
	return client, nil
}

func newFileStorage(ctx context.Context, cfg config.Messaging) (repository.FileStorage, error) {
	if cfg.MinIO.Endpoint == "" {
		return repository.NewMemoryFileStorage(fmt.Sprintf("http://localhost:%s", cfg.Port)), nil
	}
	client, err := database.NewMinIOConnection(ctx, database.MinIOConnectionFrom(cfg.MinIO))
	if err != nil {
		return nil, err
	}
	return repository.NewMinIOFileStorage(client, cfg.MinIO.PublicURL), nil
}
