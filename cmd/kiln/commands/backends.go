package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/db"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/queue"
)

// openStore opens and migrates the job store at the configured URI.
func openStore(uri string) (*sql.DB, error) {
	if uri == "" {
		uri = "kiln.db"
	}

	database, err := db.OpenWithMigrations(uri, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store at %s", uri)
	}
	return database, nil
}

// dialBroker connects to the Redis broker and verifies it answers.
func dialBroker(cfg config.BrokerConfig) (*redis.Client, error) {
	rdb := queue.NewRedisClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "broker unreachable at %s", cfg.Addr())
	}
	return rdb, nil
}
