package store

import (
	"context"

	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
)

// NewCheckpointStore builds the checkpoint backend named by the
// configuration.
func NewCheckpointStore(ctx context.Context, cfg config.CheckpointConfig) (CheckpointStore, error) {
	switch cfg.Backend {
	case "file":
		return NewFileCheckpointStore(cfg.Dir)
	case "redis":
		return NewRedisCheckpointStore(cfg.Redis)
	case "s3":
		return NewS3CheckpointStore(ctx, cfg.S3)
	default:
		return nil, cuerr.Newf(cuerr.ClassConfig, "unknown checkpoint backend %q", cfg.Backend)
	}
}
