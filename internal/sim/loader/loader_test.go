package loader

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cubestream.ai/internal/observerproto"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/tickets"
	"cubestream.ai/internal/sim/tuning"
)

type memLogger struct{ batches []CommitBatch }

func (m *memLogger) WriteBatch(b CommitBatch) error {
	m.batches = append(m.batches, b)
	return nil
}

type memIndex struct{ ticks []uint64 }

func (m *memIndex) RecordBatch(b CommitBatch) { m.ticks = append(m.ticks, b.Tick) }

func testConfig(t *testing.T) Config {
	t.Helper()
	tu := tuning.Defaults()
	tu.MaxLevel = 31
	tu.ViewDistance = 29
	tu.TickRateHz = 200
	cfg, err := ConfigFromTuning("test", tu)
	if err != nil {
		t.Fatalf("ConfigFromTuning: %v", err)
	}
	return cfg
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLoader_StepAppliesOpsThenSettles(t *testing.T) {
	l := newTestLoader(t)
	jl, idx := &memLogger{}, &memIndex{}
	l.SetCommitLogger(jl)
	l.SetCommitIndex(idx)

	tk := tickets.Ticket{Type: tickets.TypeForced, Level: 30}
	b := l.Step([]TicketOp{AddOp(cube.Pack(0, 0, 0), tk)}, nil)
	if b.Tick != 0 || len(b.Ops) != 1 || b.Ops[0].Changed != 1 {
		t.Fatalf("batch: %+v", b)
	}
	if b.Holders != 27 || len(b.Events) != 27 || b.Pending != 0 {
		t.Fatalf("holders=%d events=%d pending=%d", b.Holders, len(b.Events), b.Pending)
	}

	b = l.Step([]TicketOp{RemoveOp(cube.Pack(0, 0, 0), tk)}, nil)
	if b.Tick != 1 || b.Holders != 0 {
		t.Fatalf("after remove: %+v", b)
	}
	for _, ev := range b.Events {
		if ev.Tick != 1 {
			t.Fatalf("event stamped with tick %d", ev.Tick)
		}
	}

	// Idle ticks reach the index but not the journal.
	l.Step(nil, nil)
	if len(jl.batches) != 2 || len(idx.ticks) != 3 {
		t.Fatalf("journal=%d index=%d", len(jl.batches), len(idx.ticks))
	}
	if m := l.Metrics(); m.Tick != 3 || m.EventsTotal == 0 || m.Holders != 0 {
		t.Fatalf("metrics: %+v", m)
	}
}

func TestLoader_BadOpsAreReportedNotApplied(t *testing.T) {
	l := newTestLoader(t)
	b := l.Step([]TicketOp{
		{Kind: OpAdd, Pos: [3]int{0, 0, 0}, Ticket: tickets.Ticket{Level: 40}},
		{Kind: OpAdd, Pos: [3]int{1 << 30, 0, 0}, Ticket: tickets.Ticket{Level: 1}},
		{Kind: "MOVE"},
		RemoveOwnerOp(""),
	}, nil)
	for i, op := range b.Ops {
		if op.Err == "" {
			t.Fatalf("op %d accepted: %+v", i, op)
		}
	}
	if b.Tickets != 0 || b.Holders != 0 {
		t.Fatalf("state changed: %+v", b)
	}
}

func TestLoader_ViewerTicketFollowsMoves(t *testing.T) {
	l := newTestLoader(t)
	// MaxLevel 31, view distance 29: a level-2 PLAYER ticket, 2 cubes of handles around it.
	b := l.Step(nil, []ViewerOp{{Kind: ViewerMove, ID: "v1", Block: [3]int{5, 5, 5}}})
	if len(b.Ops) != 1 || b.Ops[0].Op.Ticket.Type != tickets.TypePlayer || b.Ops[0].Op.Ticket.Level != 2 {
		t.Fatalf("viewer ops: %+v", b.Ops)
	}
	mgr := l.Manager()
	if mgr.Level(cube.Pack(0, 0, 0)) != 2 {
		t.Fatalf("viewer cube level=%d", mgr.Level(cube.Pack(0, 0, 0)))
	}

	// Moving inside the same cube does nothing.
	b = l.Step(nil, []ViewerOp{{Kind: ViewerMove, ID: "v1", Block: [3]int{15, 0, 9}}})
	if len(b.Ops) != 0 {
		t.Fatalf("same-cube move produced ops: %+v", b.Ops)
	}

	b = l.Step(nil, []ViewerOp{{Kind: ViewerMove, ID: "v1", Block: [3]int{-1, 0, 0}}})
	if len(b.Ops) != 2 || b.Ops[0].Op.Kind != OpRemove || b.Ops[1].Op.Kind != OpAdd {
		t.Fatalf("move ops: %+v", b.Ops)
	}
	if got := l.Viewers()["v1"]; got != cube.Pack(-1, 0, 0) {
		t.Fatalf("viewer at %v", got)
	}
	if mgr.Level(cube.Pack(-1, 0, 0)) != 2 || mgr.Level(cube.Pack(0, 0, 0)) != 3 {
		t.Fatalf("levels after move: %d %d", mgr.Level(cube.Pack(-1, 0, 0)), mgr.Level(cube.Pack(0, 0, 0)))
	}

	l.Step(nil, []ViewerOp{{Kind: ViewerLeave, ID: "v1"}})
	for mgr.HasWork() {
		l.Step(nil, nil)
	}
	if mgr.HolderCount() != 0 || mgr.TicketCount() != 0 || len(l.Viewers()) != 0 {
		t.Fatalf("viewer left state behind: holders=%d tickets=%d", mgr.HolderCount(), mgr.TicketCount())
	}
}

func TestLoader_BudgetSpreadsWorkOverTicks(t *testing.T) {
	cfg := testConfig(t)
	cfg.SettleBudget = 0
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := l.Step([]TicketOp{AddOp(cube.Pack(0, 0, 0), tickets.Ticket{Type: tickets.TypeForced, Level: 29})}, nil)
	if b.Settled != 1 || b.Pending == 0 {
		t.Fatalf("first tick settled=%d pending=%d", b.Settled, b.Pending)
	}
	ticks := 1
	for l.Manager().HasWork() {
		l.Step(nil, nil)
		ticks++
	}
	if ticks != 3 {
		t.Fatalf("settled over %d ticks, want 3", ticks)
	}
	if err := l.Manager().Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestLoader_RunServesRequestsAndObservers(t *testing.T) {
	l := newTestLoader(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	out := make(chan []byte, 8)
	l.ObserverJoin() <- ObserverJoinRequest{SessionID: "O1", Out: out, Radius: 1}
	for l.Metrics().Observers != 1 {
		if ctx.Err() != nil {
			t.Fatalf("observer never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := l.RequestTicket(ctx, AddOp(cube.Pack(0, 0, 0), tickets.Ticket{Type: tickets.TypeStart, Level: 30}))
	if err != nil || res.Err != "" || res.Changed != 1 {
		t.Fatalf("RequestTicket: %+v %v", res, err)
	}

	select {
	case raw := <-out:
		var msg observerproto.CommitsMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != "COMMITS" || len(msg.Changes) != 27 || msg.Changes[0].Kind != string(holders.Created) {
			t.Fatalf("commits: type=%s changes=%d", msg.Type, len(msg.Changes))
		}
	case <-ctx.Done():
		t.Fatalf("no commits message")
	}

	lv, err := l.RequestLevels(ctx, cube.BoxAround(cube.Pack(0, 0, 0), 0))
	if err != nil || len(lv.Holders) != 1 || lv.Holders[0].Level != 30 {
		t.Fatalf("RequestLevels: %+v %v", lv, err)
	}
	rb, err := l.RequestRebuild(ctx)
	if err != nil || rb.Changed != 0 {
		t.Fatalf("RequestRebuild: %+v %v", rb, err)
	}

	l.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	for range out {
		// Drain until the loader closes the session.
	}
	if _, err := l.RequestTicket(context.Background(), RemoveOwnerOp("x")); err != ErrStopped {
		t.Fatalf("request after stop: %v", err)
	}
}

func TestLoader_ReplayReproducesJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.SettleBudget = 0
	src, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jl := &memLogger{}
	src.SetCommitLogger(jl)

	src.Step([]TicketOp{AddOp(cube.Pack(0, 0, 0), tickets.Ticket{Type: tickets.TypeForced, Level: 29})}, nil)
	src.Step(nil, nil)
	src.Step(nil, []ViewerOp{{Kind: ViewerMove, ID: "v", Block: [3]int{40, 0, 0}}})
	for i := 0; i < 5; i++ {
		src.Step(nil, nil)
	}
	src.Step([]TicketOp{RemoveOp(cube.Pack(0, 0, 0), tickets.Ticket{Type: tickets.TypeForced, Level: 29})}, nil)
	for src.Manager().HasWork() {
		src.Step(nil, nil)
	}

	dst, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, b := range jl.batches {
		got, err := dst.Replay(b)
		if err != nil {
			t.Fatalf("Replay tick %d: %v", b.Tick, err)
		}
		if got.Tick != b.Tick || len(got.Events) != len(b.Events) || got.Holders != b.Holders || got.Pending != b.Pending {
			t.Fatalf("tick %d diverged: got events=%d holders=%d want events=%d holders=%d",
				b.Tick, len(got.Events), got.Holders, len(b.Events), b.Holders)
		}
	}
	if dst.Manager().HolderCount() != src.Manager().HolderCount() {
		t.Fatalf("holders %d vs %d", dst.Manager().HolderCount(), src.Manager().HolderCount())
	}
	if _, err := dst.Replay(jl.batches[0]); err == nil {
		t.Fatalf("expected error replaying an old tick")
	}
}

type memSnapshots struct {
	ticks []uint64
	ops   [][]TicketOp
}

func (m *memSnapshots) WriteSnapshot(_ string, tick uint64, _ int, ops []TicketOp) error {
	m.ticks = append(m.ticks, tick)
	m.ops = append(m.ops, ops)
	return nil
}

func TestLoader_RestoreResetsAndReplays(t *testing.T) {
	cfg := testConfig(t)
	cfg.ViewDistance = 0
	cfg.SnapshotEveryTicks = 2

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jl, snaps := &memLogger{}, &memSnapshots{}
	a.SetCommitLogger(jl)
	a.SetSnapshotSink(snaps)

	forced := tickets.Ticket{Type: tickets.TypeForced, Level: 30, Owner: "ops"}
	a.Step([]TicketOp{AddOp(cube.Pack(0, 0, 0), forced)}, []ViewerOp{{Kind: ViewerMove, ID: "v", Block: [3]int{100, 0, 0}}})
	a.Step(nil, nil)
	a.Step(nil, nil)
	if a.Manager().HolderCount() != 28 || a.Manager().TicketCount() != 2 {
		t.Fatalf("holders=%d tickets=%d", a.Manager().HolderCount(), a.Manager().TicketCount())
	}
	if len(snaps.ticks) != 1 || snaps.ticks[0] != 2 {
		t.Fatalf("snapshot ticks=%v", snaps.ticks)
	}
	durable := snaps.ops[0]
	if len(durable) != 1 || durable[0].Ticket != forced || durable[0].Pos != [3]int{0, 0, 0} {
		t.Fatalf("durable tickets=%+v", durable)
	}

	// A new process picks up the snapshot and keeps journaling.
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.SetCommitLogger(jl)
	rb := b.Restore(3, durable)
	if !rb.Restored || rb.Tick != 3 || rb.Tickets != 1 || rb.Holders != 27 {
		t.Fatalf("restore batch: %+v", rb)
	}
	if b.CurrentTick() != 4 {
		t.Fatalf("tick after restore=%d", b.CurrentTick())
	}
	b.Step(nil, []ViewerOp{{Kind: ViewerMove, ID: "w", Block: [3]int{-40, 0, 0}}})

	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, batch := range jl.batches {
		got, err := c.Replay(batch)
		if err != nil {
			t.Fatalf("Replay tick %d: %v", batch.Tick, err)
		}
		if got.Restored != batch.Restored || got.Holders != batch.Holders || got.Tickets != batch.Tickets || len(got.Events) != len(batch.Events) {
			t.Fatalf("tick %d diverged: got %+v want %+v", batch.Tick, got, batch)
		}
	}
	if c.Manager().TicketCount() != 2 || c.Manager().HolderCount() != 28 {
		t.Fatalf("replayed tickets=%d holders=%d", c.Manager().TicketCount(), c.Manager().HolderCount())
	}
	if err := c.Manager().Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
