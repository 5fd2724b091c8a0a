package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/petrijr/caseflow/internal/casestore"
	"github.com/petrijr/caseflow/internal/config"
	"github.com/petrijr/caseflow/internal/persistence"
	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
)

// connections shares clients between the history store, the queue and the
// case store when they point at the same backend.
type connections struct {
	sqlDBs  map[string]*sql.DB
	redis   map[string]*redis.Client
	mongo   map[string]*mongo.Client
	closers []func() error

	maxOpen     int
	maxLifetime time.Duration
}

func newConnections(cfg *config.Config) *connections {
	return &connections{
		sqlDBs:      map[string]*sql.DB{},
		redis:       map[string]*redis.Client{},
		mongo:       map[string]*mongo.Client{},
		maxOpen:     cfg.Storage.MaxOpenConns,
		maxLifetime: cfg.Storage.ConnMaxLifetime,
	}
}

func (c *connections) sqlDB(ctx context.Context, backend, dsn string) (*sql.DB, error) {
	driver := "pgx"
	if backend == config.BackendSQLite {
		driver = "sqlite"
	}
	key := driver + "|" + dsn
	if db, ok := c.sqlDBs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	if driver == "sqlite" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(c.maxOpen)
		db.SetConnMaxLifetime(c.maxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", backend, err)
	}
	c.sqlDBs[key] = db
	c.closers = append(c.closers, db.Close)
	return db, nil
}

func (c *connections) redisClient(ctx context.Context, url string) (*redis.Client, error) {
	if client, ok := c.redis[url]; ok {
		return client, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	c.redis[url] = client
	c.closers = append(c.closers, client.Close)
	return client, nil
}

func (c *connections) mongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	if client, ok := c.mongo[uri]; ok {
		return client, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	c.mongo[uri] = client
	c.closers = append(c.closers, func() error { return client.Disconnect(context.Background()) })
	return client, nil
}

func (c *connections) close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

func (c *connections) persistence(ctx context.Context, cfg config.StorageConfig) (persistence.Persistence, error) {
	switch cfg.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		db, err := c.sqlDB(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return persistence.Persistence{}, err
		}
		var store *persistence.SQLStore
		if cfg.Backend == config.BackendSQLite {
			store, err = persistence.NewSQLiteStore(db)
		} else {
			store, err = persistence.NewPostgresStore(db)
		}
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.Persistence{Instances: store, History: store}, nil
	default:
		mem := persistence.NewInMemoryStore()
		return persistence.Persistence{Instances: mem, History: mem}, nil
	}
}

func (c *connections) queue(ctx context.Context, cfg config.BackendConfig) (taskqueue.Queue, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := c.sqlDB(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db)
	case config.BackendPostgres:
		db, err := c.sqlDB(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(db)
	case config.BackendRedis:
		client, err := c.redisClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, cfg.Prefix), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(client, cfg.Database, cfg.Prefix+"_tasks"), nil
	default:
		return taskqueue.NewInMemoryQueue(), nil
	}
}

func (c *connections) caseStore(ctx context.Context, cfg config.CaseStoreConfig) (api.CaseStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := c.sqlDB(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return casestore.NewSQLiteStore(db)
	case config.BackendPostgres:
		db, err := c.sqlDB(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return casestore.NewPostgresStore(db)
	case config.BackendRedis:
		client, err := c.redisClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return casestore.NewRedisStore(client, cfg.Prefix, cfg.TTL), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return casestore.NewMongoStore(client, cfg.Database, cfg.Prefix+"_cases"), nil
	default:
		return casestore.NewMemoryStore(), nil
	}
}
