package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	persistlog "cubestream.ai/internal/persistence/log"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/tickets"
	"cubestream.ai/internal/sim/tuning"
)

const tuningPath = "../../configs/tuning.yaml"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func recordJournal(t *testing.T, dataDir string) {
	t.Helper()
	tune, err := tuning.Load(tuningPath)
	if err != nil {
		t.Fatalf("tuning.Load: %v", err)
	}
	cfg, err := loader.ConfigFromTuning("rec", tune)
	if err != nil {
		t.Fatalf("ConfigFromTuning: %v", err)
	}
	l, err := loader.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jl := persistlog.NewCommitLogger(dataDir, 1)
	l.SetCommitLogger(jl)

	tk := tickets.Ticket{Type: tickets.TypeForced, Level: cfg.MaxLevel - 3, Owner: "ops"}
	l.Step([]loader.TicketOp{loader.AddOp(cube.Pack(0, 0, 0), tk)}, nil)
	l.Step(nil, []loader.ViewerOp{{Kind: loader.ViewerMove, ID: "a", Block: [3]int{100, 0, 0}}})
	l.Step(nil, nil)
	l.Step([]loader.TicketOp{loader.RemoveOwnerOp("ops")}, nil)
	for l.Manager().HasWork() {
		l.Step(nil, nil)
	}
	if err := jl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestInspect_ReplaysRecordedJournal(t *testing.T) {
	dir := t.TempDir()
	recordJournal(t, dir)

	out, err := execute(t, "inspect", filepath.Join(dir, "journal"), "--tuning", tuningPath)
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	if !strings.Contains(out, "replay ok: loader=rec") || !strings.Contains(out, "verify=ok") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInspect_DetectsTamperedJournal(t *testing.T) {
	dir := t.TempDir()
	recordJournal(t, dir)

	var batches []loader.CommitBatch
	if err := persistlog.ReadJournal(filepath.Join(dir, "journal"), func(_ string, b loader.CommitBatch) error {
		batches = append(batches, b)
		return nil
	}); err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	batches[0].Holders++

	tampered := t.TempDir()
	jl := persistlog.NewCommitLogger(tampered, 0)
	for _, b := range batches {
		if err := jl.WriteBatch(b); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}
	_ = jl.Close()

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"inspect", filepath.Join(tampered, "journal"), "--tuning", tuningPath})
	if err := root.ExecuteContext(context.Background()); !errors.Is(err, errDiverged) {
		t.Fatalf("expected divergence, got %v", err)
	}
}

func TestRun_SampleScenarios(t *testing.T) {
	paths, _ := filepath.Glob("../../configs/scenarios/*.yaml")
	if len(paths) == 0 {
		t.Fatalf("no scenarios")
	}
	out, err := execute(t, append([]string{"run"}, paths...)...)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if strings.Count(out, "ok  ") != len(paths) {
		t.Fatalf("output: %s", out)
	}
}
