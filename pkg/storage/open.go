package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// Open returns the configured backend for jobID
func Open(ctx context.Context, cfg config.StorageConfig, jobID string, resume bool, logger *logrus.Entry) (FrontierStore, error) {
	logger = logger.WithField("backend", cfg.Backend)
	switch cfg.Backend {
	case config.BackendBadger, "":
		return NewBadgerStore(ctx, cfg.StateDir, jobID, resume, logger)
	case config.BackendSQLite:
		return NewSQLStore(ctx, cfg.StateDir, jobID, resume, logger)
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", utils.ErrConfigValidation, cfg.Backend)
}
