package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	charmlog "github.com/charmbracelet/log"

	"cubestream.ai/internal/persistence/indexdb"
	"cubestream.ai/internal/sim/tuning"
)

// openRuntimeIndex opens the sqlite read model and starts a run in it.
// It returns nil when indexing is disabled.
func openRuntimeIndex(ctx context.Context, loaderDir, loaderID string, disableDB bool, tune tuning.Tuning, logger *charmlog.Logger) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(loaderDir, "index", "commits.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		runID, err := idx.StartRun(ctx, loaderID, tune)
		if err != nil {
			_ = idx.Close()
			return nil, err
		}
		logger.Info("commit index", "path", dbPath, "run", runID)
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported CS_INDEX_BACKEND: %s", backend)
	}
}
