// Command admin inspects loader data directories and talks to a running
// server's loopback admin API.
//
//	admin [-data dir]                 list loaders
//	admin db runs|run|history|ops     query a loader's commit index
//	admin snapshot                    summarize the latest ticket snapshot
//	admin state|rebuild|ticket|levels call the admin API
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// errUsage marks bad invocations; main exits with status 2 for them.
var errUsage = errors.New("usage")

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) >= 1 {
		switch args[0] {
		case "db":
			return dbCmd(args[1:], out)
		case "snapshot":
			return snapshotCmd(args[1:], out)
		case "state":
			return stateCmd(args[1:], out)
		case "rebuild":
			return rebuildCmd(args[1:], out)
		case "ticket":
			return ticketCmd(args[1:], out)
		case "levels":
			return levelsCmd(args[1:], out)
		}
	}
	return listCmd(args, out)
}

func listCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	base := filepath.Join(*dataDir, "loaders")
	entries, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		journal := dirSize(filepath.Join(base, e.Name(), "journal"))
		index := dirSize(filepath.Join(base, e.Name(), "index"))
		fmt.Fprintf(out, "%s\tjournal=%s\tindex=%s\n", e.Name(), humanize.Bytes(uint64(journal)), humanize.Bytes(uint64(index)))
	}
	return nil
}

func dirSize(dir string) int64 {
	var n int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += info.Size()
		}
		return nil
	})
	return n
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("want x,y,z, got %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
