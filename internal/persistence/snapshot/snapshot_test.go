package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/tickets"
)

func TestWriter_WritesReadsAndPrunes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	w := NewWriter(dir, 2)
	ops := []loader.TicketOp{
		loader.AddOp(cube.Pack(0, 0, 0), tickets.Ticket{Type: tickets.TypeForced, Level: 22, Owner: "ops"}),
		loader.AddOp(cube.Pack(-5, 3, 9), tickets.Ticket{Type: tickets.TypePortal, Level: 30}),
	}
	for _, tick := range []uint64{5, 10, 15} {
		if err := w.WriteSnapshot("L1", tick, 33, ops[:tick/10+1]); err != nil {
			t.Fatalf("WriteSnapshot(%d): %v", tick, err)
		}
	}

	files, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 || !strings.HasSuffix(files[1], "00000000000000000015.snap.zst") {
		t.Fatalf("files=%v", files)
	}
	if Latest(dir) != w.Last() {
		t.Fatalf("latest=%s last=%s", Latest(dir), w.Last())
	}

	snap, err := ReadSnapshot(Latest(dir))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Header != (Header{Version: Version, LoaderID: "L1", Tick: 15}) || snap.MaxLevel != 33 {
		t.Fatalf("header=%+v max=%d", snap.Header, snap.MaxLevel)
	}
	if len(snap.Tickets) != 2 || snap.Tickets[1].Ticket.Type != tickets.TypePortal || snap.Tickets[1].Pos != [3]int{-5, 3, 9} {
		t.Fatalf("tickets=%+v", snap.Tickets)
	}
}

func TestLatest_EmptyOrMissingDir(t *testing.T) {
	if got := Latest(filepath.Join(t.TempDir(), "nope")); got != "" {
		t.Fatalf("Latest=%q", got)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := Latest(dir); got != "" {
		t.Fatalf("Latest ignored-file=%q", got)
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000000000000000001.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRestore_FromWrittenSnapshot(t *testing.T) {
	cfg := loader.Config{ID: "L1", TickRateHz: 20, MaxLevel: 31, SettleBudget: 40}
	nb, err := cube.NewNeighborhood(cube.MetricChebyshev, 1, nil)
	if err != nil {
		t.Fatalf("NewNeighborhood: %v", err)
	}
	cfg.Neighborhood = nb
	src, err := loader.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := t.TempDir()
	w := NewWriter(dir, 1)
	src.SetSnapshotSink(w)
	src.Step([]loader.TicketOp{loader.AddOp(cube.Pack(2, 0, 2), tickets.Ticket{Type: tickets.TypeStart, Level: 30})},
		[]loader.ViewerOp{{Kind: loader.ViewerMove, ID: "v", Block: [3]int{0, 0, 0}}})
	if err := w.WriteSnapshot(cfg.ID, 0, cfg.MaxLevel, src.DurableTickets()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	snap, err := ReadSnapshot(Latest(dir))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	dst, err := loader.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := dst.Restore(snap.Header.Tick+1, snap.Tickets)
	if !b.Restored || b.Tickets != 1 || b.Holders != 27 {
		t.Fatalf("restored batch: %+v", b)
	}
}
