package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"cubestream.ai/internal/persistence/snapshot"
)

func snapshotCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	loaderID := fs.String("loader", "", "loader id (required unless -path)")
	path := fs.String("path", "", "snapshot file (optional; defaults to the latest)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*loaderID) == "" {
			return fmt.Errorf("%w: missing -loader or -path", errUsage)
		}
		p = snapshot.Latest(filepath.Join(*dataDir, "loaders", *loaderID, "snapshots"))
		if p == "" {
			return fmt.Errorf("no snapshot found for loader %s", *loaderID)
		}
	}

	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var size uint64
	if st, err := os.Stat(p); err == nil {
		size = uint64(st.Size())
	}

	byType := map[string]int{}
	owners := map[string]struct{}{}
	for _, op := range snap.Tickets {
		byType[op.Ticket.Type.String()]++
		owners[op.Ticket.Owner] = struct{}{}
	}
	types := make([]string, 0, len(byType))
	for k := range byType {
		types = append(types, k)
	}
	sort.Strings(types)

	fmt.Fprintf(out, "snapshot %s (%s)\n", filepath.Base(p), humanize.Bytes(size))
	fmt.Fprintf(out, "loader=%s tick=%d max_level=%d tickets=%s owners=%d\n",
		snap.Header.LoaderID, snap.Header.Tick, snap.MaxLevel, humanize.Comma(int64(len(snap.Tickets))), len(owners))
	for _, k := range types {
		fmt.Fprintf(out, "  %-8s %s\n", k, humanize.Comma(int64(byType[k])))
	}
	return nil
}
