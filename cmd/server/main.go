package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	persistlog "cubestream.ai/internal/persistence/log"
	"cubestream.ai/internal/persistence/snapshot"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/tuning"
	"cubestream.ai/internal/transport/observer"
	"cubestream.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		loaderID   = flag.String("loader", "loader_1", "loader id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite commit index")
		noJournal  = flag.Bool("disable_journal", false, "disable the compressed commit journal")
		noRestore  = flag.Bool("no_restore", false, "start empty instead of restoring the latest ticket snapshot")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	logger := charmlog.NewWithOptions(os.Stdout, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Level:           level,
		Prefix:          "server",
	})

	loaderDir := filepath.Join(*dataDir, "loaders", *loaderID)
	if err := os.MkdirAll(loaderDir, 0o755); err != nil {
		logger.Fatal("create data dir", "err", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatal("load tuning", "path", tp, "err", err)
		}
		logger.Warn("tuning not found; using defaults", "path", tp)
		tune = tuning.Defaults()
	}

	cfg, err := loader.ConfigFromTuning(*loaderID, tune)
	if err != nil {
		logger.Fatal("loader config", "err", err)
	}
	l, err := loader.New(cfg, logger.WithPrefix("loader"))
	if err != nil {
		logger.Fatal("loader", "err", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional read model; the journal stays the source of truth.
	idx, err := openRuntimeIndex(ctx, loaderDir, *loaderID, *disableDB, tune, logger)
	if err != nil {
		logger.Fatal("open index backend", "err", err)
	}
	if idx != nil {
		defer idx.Close()
		l.SetCommitIndex(idx)
	}

	if !*noJournal {
		journal := persistlog.NewCommitLogger(loaderDir, tune.Journal.FlushEveryTicks)
		defer journal.Close()
		l.SetCommitLogger(journal)
	}

	snapDir := filepath.Join(loaderDir, "snapshots")
	restoreTick, restoreOps := uint64(0), []loader.TicketOp(nil)
	if !*noRestore {
		restoreTick, restoreOps = latestTickets(snapDir, cfg, logger)
	}
	rb := l.Restore(restoreTick, restoreOps)
	logger.Info("restored", "tick", rb.Tick, "tickets", rb.Tickets, "holders", rb.Holders, "pending", rb.Pending)
	l.SetSnapshotSink(snapshot.NewWriter(snapDir, tune.Snapshot.Keep))

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("loader stopped", "err", err)
		}
	}()

	obsSrv := observer.NewServer(l, observer.Options{
		SubscribesPerSec: tune.Observer.SubscribesPerSec,
		SubscribeBurst:   tune.Observer.SubscribeBurst,
	}, logger.WithPrefix("observer"))
	viewerSrv := ws.NewServer(l, ws.Options{
		MovesPerSec: tune.Viewer.MovesPerSec,
		MoveBurst:   tune.Viewer.MoveBurst,
	}, logger.WithPrefix("viewers"))
	r := newRouter(l, idx, obsSrv, viewerSrv, logger)

	if envBool("CS_ENABLE_PPROF_HTTP", false) {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(loopbackOnly)
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.HandleFunc("/*", pprof.Index)
		})
	} else {
		logger.Debug("pprof endpoints disabled (CS_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", "addr", *addr, "loader", *loaderID, "max_level", cfg.MaxLevel, "tick_hz", cfg.TickRateHz)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", "err", err)
	}
	l.Stop()
	<-loopDone
}

// latestTickets loads the newest usable snapshot in dir. A snapshot from
// another loader or level range is skipped.
func latestTickets(dir string, cfg loader.Config, logger *charmlog.Logger) (uint64, []loader.TicketOp) {
	path := snapshot.Latest(dir)
	if path == "" {
		return 0, nil
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		logger.Warn("snapshot unreadable; starting empty", "path", path, "err", err)
		return 0, nil
	}
	if snap.Header.LoaderID != cfg.ID || snap.MaxLevel != cfg.MaxLevel {
		logger.Warn("snapshot does not match loader; starting empty",
			"path", path, "loader", snap.Header.LoaderID, "max_level", snap.MaxLevel)
		return 0, nil
	}
	return snap.Header.Tick + 1, snap.Tickets
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
