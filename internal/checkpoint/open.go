package checkpoint

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
)

// Open builds the store selected by CHECKPOINT_BACKEND. The returned close
// function releases the underlying connection and is never nil.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Store, func(), error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointNone, "":
		return Nop{}, func() {}, nil

	case config.CheckpointRedis:
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(rdb, cfg.CheckpointTTL), func() { _ = rdb.Close() }, nil

	case config.CheckpointPostgres:
		if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
}
