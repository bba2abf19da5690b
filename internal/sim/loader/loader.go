// Package loader runs the ticket manager on a fixed tick.
//
// A Loader is single-threaded: the tickets.Manager, the viewers and the observer
// sessions are only touched from the goroutine running Run (or calling Step).
// Other goroutines talk to it through the Request* methods and the observer
// channels.
package loader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/tickets"
)

// CommitLogger receives one batch per tick. Implemented in internal/persistence/log.
type CommitLogger interface {
	WriteBatch(b CommitBatch) error
}

// CommitIndex receives one batch per tick. Implemented in internal/persistence/indexdb.
type CommitIndex interface {
	RecordBatch(b CommitBatch)
}

// SnapshotSink persists the durable tickets. It is called on the loader
// goroutine every Config.SnapshotEveryTicks ticks and once more when Run exits.
type SnapshotSink interface {
	WriteSnapshot(loaderID string, tick uint64, maxLevel int, ops []TicketOp) error
}

// CommitBatch is everything one tick did: the ticket ops applied at its start,
// the handle events committed by the update and the resulting totals.
type CommitBatch struct {
	LoaderID string          `json:"loader_id"`
	Tick     uint64          `json:"tick"`
	Ops      []AppliedOp     `json:"ops,omitempty"`
	Events   []holders.Event `json:"events,omitempty"`
	Settled  int             `json:"settled"`
	Pending  int             `json:"pending"`
	Holders  int             `json:"holders"`
	Tickets  int             `json:"tickets"`
	Rebuilt  bool            `json:"rebuilt,omitempty"`
	// Restored batches start from an empty loader; Ops re-add the restored tickets.
	Restored bool            `json:"restored,omitempty"`
}

type AppliedOp struct {
	Op      TicketOp `json:"op"`
	Changed int      `json:"changed"`
	Err     string   `json:"error,omitempty"`
}

type Loader struct {
	cfg Config
	log *charmlog.Logger

	mgr     *tickets.Manager
	viewers map[string]cube.Pos

	tick     uint64
	curTick  atomic.Uint64
	restored bool
	metrics  atomic.Value

	settledTotal uint64
	eventsTotal  uint64

	ticketCh  chan ticketReq
	viewerCh  chan viewerReq
	levelsCh  chan levelsReq
	rebuildCh chan chan OpResult

	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	observers     map[string]*observerClient

	// Optional sinks (may be nil).
	commitLogger CommitLogger
	commitIndex  CommitIndex
	snapshotSink SnapshotSink

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config, logger *charmlog.Logger) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = "default"
	}
	if logger == nil {
		logger = charmlog.NewWithOptions(io.Discard, charmlog.Options{})
	}
	l := &Loader{
		cfg:           cfg,
		log:           logger,
		mgr:           tickets.NewManager(cfg.Neighborhood, cfg.MaxLevel),
		viewers:       map[string]cube.Pos{},
		ticketCh:      make(chan ticketReq, 1024),
		viewerCh:      make(chan viewerReq, 256),
		levelsCh:      make(chan levelsReq, 64),
		rebuildCh:     make(chan chan OpResult, 4),
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		observers:     map[string]*observerClient{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	l.publishMetrics(0, 0)
	return l, nil
}

func (l *Loader) SetCommitLogger(c CommitLogger) { l.commitLogger = c }
func (l *Loader) SetCommitIndex(c CommitIndex)   { l.commitIndex = c }
func (l *Loader) SetSnapshotSink(s SnapshotSink) { l.snapshotSink = s }

func (l *Loader) Config() Config      { return l.cfg }
func (l *Loader) ID() string          { return l.cfg.ID }
func (l *Loader) CurrentTick() uint64 { return l.curTick.Load() }

// Run ticks until ctx is done or Stop is called.
func (l *Loader) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	interval := time.Second / time.Duration(l.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info("loader started", "id", l.cfg.ID, "tick_hz", l.cfg.TickRateHz, "max_level", l.cfg.MaxLevel)

	var pendingTickets []ticketReq
	var pendingViewers []viewerReq
	var pendingLevels []levelsReq
	var pendingRebuild []chan OpResult

	for {
		select {
		case <-ctx.Done():
			l.closeObservers()
			l.finalSnapshot()
			return ctx.Err()
		case <-l.stop:
			l.closeObservers()
			l.finalSnapshot()
			return nil
		case req := <-l.ticketCh:
			pendingTickets = append(pendingTickets, req)
		case req := <-l.viewerCh:
			pendingViewers = append(pendingViewers, req)
		case req := <-l.levelsCh:
			pendingLevels = append(pendingLevels, req)
		case resp := <-l.rebuildCh:
			pendingRebuild = append(pendingRebuild, resp)
		case req := <-l.observerJoin:
			l.handleObserverJoin(req)
		case req := <-l.observerSub:
			l.handleObserverSubscribe(req)
		case id := <-l.observerLeave:
			l.handleObserverLeave(id)
		case <-ticker.C:
			l.stepInternal(pendingTickets, pendingViewers, pendingLevels, pendingRebuild)
			pendingTickets = pendingTickets[:0]
			pendingViewers = pendingViewers[:0]
			pendingLevels = pendingLevels[:0]
			pendingRebuild = pendingRebuild[:0]
		}
	}
}

func (l *Loader) Stop() { l.stopOnce.Do(func() { close(l.stop) }) }

// Step advances the loader by a single tick using the same ordering as Run.
// It is intended for deterministic replays and tests and must not be mixed with Run.
func (l *Loader) Step(ops []TicketOp, viewers []ViewerOp) CommitBatch {
	treqs := make([]ticketReq, len(ops))
	for i, op := range ops {
		treqs[i] = ticketReq{Op: op}
	}
	vreqs := make([]viewerReq, len(viewers))
	for i, op := range viewers {
		vreqs[i] = viewerReq{Op: op}
	}
	return l.stepInternal(treqs, vreqs, nil, nil)
}

// Replay re-runs a journaled batch: idle ticks up to b.Tick, then b's ops and
// rebuild in their original order. Viewer moves were journaled as the ticket
// ops they produced, so replay needs no viewer state. Like Step, it must not
// be mixed with Run.
func (l *Loader) Replay(b CommitBatch) (CommitBatch, error) {
	if b.Restored {
		l.reset(b.Tick)
	}
	if b.Tick < l.tick {
		return CommitBatch{}, fmt.Errorf("replay tick %d is behind loader tick %d", b.Tick, l.tick)
	}
	for l.tick < b.Tick {
		l.stepInternal(nil, nil, nil, nil)
	}
	treqs := make([]ticketReq, len(b.Ops))
	for i, op := range b.Ops {
		treqs[i] = ticketReq{Op: op.Op}
	}
	var rebuild []chan OpResult
	if b.Rebuilt {
		rebuild = append(rebuild, make(chan OpResult, 1))
	}
	return l.stepInternal(treqs, nil, nil, rebuild), nil
}

// Restore discards all state, moves the loader to tick and applies ops there
// as one batch flagged Restored. Like Step, it must not be mixed with Run; call
// it before Run, after the commit sinks are set.
func (l *Loader) Restore(tick uint64, ops []TicketOp) CommitBatch {
	l.reset(tick)
	return l.Step(ops, nil)
}

func (l *Loader) reset(tick uint64) {
	l.mgr = tickets.NewManager(l.cfg.Neighborhood, l.cfg.MaxLevel)
	l.viewers = map[string]cube.Pos{}
	l.tick = tick
	l.curTick.Store(tick)
	l.restored = true
}

// DurableTickets lists every ticket not held by a viewer as add ops, in cell
// key order. Viewer tickets belong to live sessions and are not restored.
func (l *Loader) DurableTickets() []TicketOp {
	st := l.mgr.Store()
	var ops []TicketOp
	for _, p := range st.Cells() {
		for _, t := range st.Tickets(p) {
			if isViewerOwner(t.Owner) {
				continue
			}
			ops = append(ops, AddOp(p, t))
		}
	}
	return ops
}

func (l *Loader) writeSnapshot(tick uint64) {
	if l.snapshotSink == nil {
		return
	}
	ops := l.DurableTickets()
	if err := l.snapshotSink.WriteSnapshot(l.cfg.ID, tick, l.cfg.MaxLevel, ops); err != nil {
		l.log.Error("snapshot write failed", "tick", tick, "err", err)
		return
	}
	l.log.Debug("snapshot written", "tick", tick, "tickets", len(ops))
}

func (l *Loader) finalSnapshot() {
	if l.tick > 0 {
		l.writeSnapshot(l.tick - 1)
	}
}

// Manager exposes the ticket manager for Step-driven callers.
func (l *Loader) Manager() *tickets.Manager { return l.mgr }

func (l *Loader) stepInternal(treqs []ticketReq, vreqs []viewerReq, lreqs []levelsReq, rebuild []chan OpResult) CommitBatch {
	start := time.Now()
	tick := l.tick
	l.mgr.SetTick(tick)

	batch := CommitBatch{LoaderID: l.cfg.ID, Tick: tick, Restored: l.restored}
	l.restored = false
	for _, req := range treqs {
		res := l.applyTicket(req.Op)
		batch.Ops = append(batch.Ops, AppliedOp{Op: req.Op, Changed: res.Changed, Err: res.Err})
		if req.Resp != nil {
			req.Resp <- res
		}
	}
	for _, req := range vreqs {
		res := l.applyViewer(req.Op, &batch)
		if req.Resp != nil {
			req.Resp <- res
		}
	}

	if len(rebuild) > 0 {
		n := l.mgr.Rebuild()
		batch.Rebuilt = true
		l.log.Warn("levels rebuilt from tickets", "tick", tick, "changed", n)
		for _, resp := range rebuild {
			resp <- OpResult{Tick: tick, Changed: n}
		}
	}
	if l.mgr.HasWork() {
		batch.Settled = l.mgr.Update(l.cfg.SettleBudget)
	}
	batch.Events = l.mgr.Drain()
	batch.Pending = l.mgr.Pending()
	batch.Holders = l.mgr.HolderCount()
	batch.Tickets = l.mgr.TicketCount()

	l.settledTotal += uint64(batch.Settled)
	l.eventsTotal += uint64(len(batch.Events))

	if l.commitLogger != nil && (len(batch.Ops) > 0 || len(batch.Events) > 0 || batch.Rebuilt || batch.Restored) {
		if err := l.commitLogger.WriteBatch(batch); err != nil {
			l.log.Error("commit journal write failed", "tick", tick, "err", err)
		}
	}
	if l.commitIndex != nil {
		l.commitIndex.RecordBatch(batch)
	}
	l.broadcastCommits(batch)
	if every := uint64(l.cfg.SnapshotEveryTicks); every > 0 && tick > 0 && tick%every == 0 {
		l.writeSnapshot(tick)
	}

	for _, req := range lreqs {
		req.Resp <- LevelsResult{Tick: tick, Pending: batch.Pending, Holders: l.mgr.Snapshot(req.Box)}
	}

	l.tick++
	l.curTick.Store(l.tick)
	l.publishMetrics(batch.Settled, float64(time.Since(start).Microseconds())/1000)
	return batch
}

// RequestRebuild drops the queued propagation work on the next tick and
// recomputes every level from the current tickets.
func (l *Loader) RequestRebuild(ctx context.Context) (OpResult, error) {
	resp := make(chan OpResult, 1)
	if err := send(ctx, l, l.rebuildCh, resp); err != nil {
		return OpResult{}, err
	}
	return wait(ctx, l, resp)
}
