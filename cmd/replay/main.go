// Command replay runs scenario documents and re-executes commit journals to
// check that a recorded run is reproducible.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	persistlog "cubestream.ai/internal/persistence/log"
	"cubestream.ai/internal/scenario"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/tuning"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type loggerKey struct{}

func loggerFrom(cmd *cobra.Command) *log.Logger {
	if l, ok := cmd.Context().Value(loggerKey{}).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:          "replay",
		Short:        "Run ticket scenarios and verify commit journals",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if verbose {
				level = log.DebugLevel
			}
			logger := log.NewWithOptions(os.Stderr, log.Options{
				ReportTimestamp: true,
				TimeFormat:      "15:04:05.00",
				Level:           level,
			})
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.AddCommand(newRunCmd())
	root.AddCommand(newInspectCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Execute scenario documents and check their expectations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFrom(cmd)
			failed := 0
			for _, path := range args {
				d, err := scenario.Load(path)
				if err != nil {
					logger.Error("load", "path", path, "err", err)
					failed++
					continue
				}
				rep, err := scenario.Run(d, logger.WithPrefix(d.Name))
				settled := 0
				for _, s := range rep.Steps {
					settled += s.Settled
				}
				if err != nil {
					logger.Error("scenario failed", "name", d.Name, "steps", len(rep.Steps), "err", err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %-24s steps=%d settled=%s holders=%s tickets=%d\n",
					d.Name, len(rep.Steps), humanize.Comma(int64(settled)), humanize.Comma(int64(rep.Holders)), rep.Tickets)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
			}
			return nil
		},
	}
}

type inspectOpts struct {
	tuningPath string
	toTick     uint64
}

func newInspectCmd() *cobra.Command {
	var o inspectOpts
	cmd := &cobra.Command{
		Use:   "inspect <journal-dir>",
		Short: "Replay a commit journal and compare every tick with the recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], o)
		},
	}
	cmd.Flags().StringVar(&o.tuningPath, "tuning", "./configs/tuning.yaml", "tuning the journal was recorded with")
	cmd.Flags().Uint64Var(&o.toTick, "to-tick", 0, "stop after this tick (0: whole journal)")
	return cmd
}

var errDiverged = errors.New("replay diverged from journal")

func runInspect(cmd *cobra.Command, dir string, o inspectOpts) error {
	logger := loggerFrom(cmd)
	tune, err := tuning.Load(o.tuningPath)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}

	files, err := persistlog.ListJournalFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no journal files in %s", dir)
	}
	var size int64
	for _, f := range files {
		if st, err := os.Stat(f); err == nil {
			size += st.Size()
		}
	}
	logger.Info("journal", "files", len(files), "size", humanize.Bytes(uint64(size)))

	var (
		l       *loader.Loader
		batches int
		ops     int
		events  int
		last    loader.CommitBatch
	)
	err = persistlog.ReadJournal(dir, func(path string, b loader.CommitBatch) error {
		if l == nil {
			cfg, err := loader.ConfigFromTuning(b.LoaderID, tune)
			if err != nil {
				return err
			}
			if l, err = loader.New(cfg, nil); err != nil {
				return err
			}
		}
		if o.toTick != 0 && b.Tick > o.toTick {
			return persistlog.ErrStop
		}
		got, err := l.Replay(b)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if len(got.Events) != len(b.Events) || got.Holders != b.Holders || got.Pending != b.Pending || got.Tickets != b.Tickets {
			return fmt.Errorf("%w at tick %d (%s): events %d/%d holders %d/%d pending %d/%d tickets %d/%d",
				errDiverged, b.Tick, filepath.Base(path),
				len(got.Events), len(b.Events), got.Holders, b.Holders, got.Pending, b.Pending, got.Tickets, b.Tickets)
		}
		batches++
		ops += len(b.Ops)
		events += len(b.Events)
		last = b
		logger.Debug("tick", "tick", b.Tick, "ops", len(b.Ops), "events", len(b.Events), "holders", b.Holders)
		return nil
	})
	if err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("journal %s is empty", dir)
	}

	verified := "skipped (work pending)"
	if !l.Manager().HasWork() {
		if err := l.Manager().Verify(); err != nil {
			return fmt.Errorf("%w: %v", errDiverged, err)
		}
		verified = "ok"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "replay ok: loader=%s batches=%s ops=%s events=%s last_tick=%d holders=%s verify=%s\n",
		last.LoaderID, humanize.Comma(int64(batches)), humanize.Comma(int64(ops)), humanize.Comma(int64(events)),
		last.Tick, humanize.Comma(int64(last.Holders)), verified)
	return nil
}
