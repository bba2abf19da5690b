package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cubestream.ai/internal/persistence/indexdb"
	"cubestream.ai/internal/sim/cube"
)

func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	loaderID := fs.String("loader", "", "loader id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (run; defaults to the latest run)")
	pos := fs.String("pos", "", "cube position x,y,z (history)")
	owner := fs.String("owner", "", "ticket owner (ops)")
	limit := fs.Int("limit", 20, "result limit")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*loaderID) == "" {
			return fmt.Errorf("%w: missing -loader or -db", errUsage)
		}
		path = filepath.Join(*dataDir, "loaders", *loaderID, "index", "commits.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open index: %w", err)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	enc := json.NewEncoder(out)

	switch q {
	case "runs":
		rows, err := idx.Runs(ctx, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "run":
		id := strings.TrimSpace(*runID)
		if id == "" {
			rows, err := idx.Runs(ctx, 1)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if len(rows) == 0 {
				return fmt.Errorf("no runs recorded")
			}
			id = rows[0].RunID
		}
		sum, err := idx.RunSummary(ctx, id)
		if err != nil {
			return err
		}
		_ = enc.Encode(sum)
	case "history":
		c, err := parseVec3(*pos)
		if err != nil {
			return fmt.Errorf("%w: bad -pos: %v", errUsage, err)
		}
		if !cube.InRange(c[0], c[1], c[2]) {
			return fmt.Errorf("%w: -pos %v out of range", errUsage, c)
		}
		rows, err := idx.HolderHistory(ctx, cube.FromCoords(c), *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "ops":
		if strings.TrimSpace(*owner) == "" {
			return fmt.Errorf("%w: missing -owner", errUsage)
		}
		rows, err := idx.OwnerOps(ctx, *owner, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	default:
		return fmt.Errorf("%w: unknown db query %q (runs|run|history|ops)", errUsage, q)
	}
	return nil
}
