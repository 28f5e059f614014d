// Package checkpoint makes sure pretrained weights are on disk before generation.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/fsutil"
)

// Ensurer fetches a model snapshot into a directory the first time it is missing.
// An existing directory is trusted as complete; a failed fetch leaves the partial
// directory behind and later calls will not retry it.
type Ensurer struct {
	dir     string
	modelID string
	fetcher core.SnapshotFetcher
	log     *logger.Logger
}

// NewEnsurer creates an Ensurer for the checkpoint directory dir.
func NewEnsurer(dir, modelID string, fetcher core.SnapshotFetcher, log *logger.Logger) *Ensurer {
	return &Ensurer{
		dir:     dir,
		modelID: modelID,
		fetcher: fetcher,
		log:     log,
	}
}

// Dir returns the checkpoint directory.
func (e *Ensurer) Dir() string {
	return e.dir
}

// Ensure fetches the snapshot when the checkpoint directory does not exist.
func (e *Ensurer) Ensure(ctx context.Context) error {
	present, err := fsutil.Exists(e.dir)
	if err != nil {
		return err
	}

	if present {
		return nil
	}

	err = fsutil.EnsureDir(e.dir)
	if err != nil {
		return err
	}

	e.log.Info("Checkpoint %s missing, fetching %s", e.dir, e.modelID)

	err = e.fetcher.Fetch(ctx, e.modelID, e.dir)
	if err != nil {
		return fmt.Errorf("failed to fetch checkpoint '%s': %w", e.modelID, err)
	}

	e.log.Info("Checkpoint %s ready", e.dir)

	return nil
}
