// Package backend checks that the storage selected for the broker is usable
// before the broker is spawned. A broker pointed at a dead redis starts
// fine and fails on the first request, which is much harder to diagnose.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/model"
)

const pingTimeout = 2 * time.Second

var ErrMissingVar = errors.New("missing variable")

// Check verifies the storage backend described by e for the given mode.
func Check(ctx context.Context, mode model.StorageMode, e env.Environment) error {
	switch mode {
	case model.StorageMemory:
		return nil
	case model.StorageRedis:
		url, ok := e.Get(env.RedisURL)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingVar, env.RedisURL)
		}
		return PingRedis(ctx, url)
	case model.StorageSQLite:
		path, ok := e.Get(env.SQLiteDB)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingVar, env.SQLiteDB)
		}
		return TouchSQLite(ctx, path)
	default:
		return &model.ConfigError{Reason: model.ReasonStorageMode, Value: string(mode)}
	}
}

// PingRedis connects to the redis server at url and sends a PING.
func PingRedis(ctx context.Context, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parsing redis url %s: %w", url, err)
	}
	client := redis.NewClient(opts)
	defer func() {
		_ = client.Close()
	}()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	slog.DebugContext(ctx, "redis is up", "addr", opts.Addr)
	return nil
}

// TouchSQLite creates the database file at path, proving the location is
// writable. The broker initializes its schema in the empty database.
func TouchSQLite(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	defer func() {
		_ = db.Close()
	}()

	// user_version write forces sqlite to create the file
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 0"); err != nil {
		return fmt.Errorf("creating sqlite database %s: %w", path, err)
	}
	slog.DebugContext(ctx, "sqlite database created", "path", path)
	return nil
}

// Release removes what Check created for mode. It must only be called once
// the broker exited.
func Release(ctx context.Context, mode model.StorageMode, e env.Environment) error {
	if mode != model.StorageSQLite {
		return nil
	}
	path, ok := e.Get(env.SQLiteDB)
	if !ok {
		return nil
	}
	return RemoveSQLite(ctx, path)
}

// RemoveSQLite deletes the database at path with its journal files.
func RemoveSQLite(ctx context.Context, path string) error {
	var errs []error
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		slog.DebugContext(ctx, "sqlite database removed", "path", path)
	}
	return errors.Join(errs...)
}
