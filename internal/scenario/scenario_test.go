package scenario

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_SampleScenariosPass(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "configs", "scenarios", "*.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) == 0 {
		t.Fatalf("no sample scenarios")
	}
	for _, p := range paths {
		d, err := Load(p)
		if err != nil {
			t.Fatalf("Load(%s): %v", p, err)
		}
		if _, err := Run(d, nil); err != nil {
			t.Fatalf("Run(%s): %v", p, err)
		}
	}
}

func TestRun_BudgetedSpreadReport(t *testing.T) {
	d, err := Load(filepath.Join("..", "..", "configs", "scenarios", "budgeted_spread.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rep, err := Run(d, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Steps) != 4 {
		t.Fatalf("steps=%d", len(rep.Steps))
	}
	want := []int{1, 26, 98, 0}
	for i, s := range rep.Steps {
		if s.Settled != want[i] {
			t.Fatalf("step %d settled=%d want=%d", i, s.Settled, want[i])
		}
	}
	if rep.Steps[0].Pending == 0 || rep.Steps[2].Pending != 0 {
		t.Fatalf("pending: %+v", rep.Steps)
	}
	if rep.Steps[3].Rebuilt != 0 || rep.Holders != 125 || rep.Tickets != 1 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestParse_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing name": `
steps:
  - update: 0
`,
		"unknown ticket type": `
name: x
steps:
  - add: [{pos: [0, 0, 0], type: BEACON, level: 1}]
`,
		"short position": `
name: x
steps:
  - add: [{pos: [0, 0], type: FORCED, level: 1}]
`,
		"unknown field": `
name: x
steps:
  - settle: true
`,
		"bad status key": `
name: x
steps:
  - expect: {status: {LOADED: 1}}
`,
		"bad metric": `
name: x
neighborhood: {metric: euclid}
steps:
  - update: 1
`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil || !strings.Contains(err.Error(), "schema") {
			t.Fatalf("%s: expected schema error, got %v", name, err)
		}
	}
}

func TestParse_RejectsOutOfRangePositions(t *testing.T) {
	_, err := Parse([]byte(`
name: far
steps:
  - add: [{pos: [0, 9999999, 0], type: FORCED, level: 1}]
`))
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("expected range error, got %v", err)
	}
}

func TestParse_DefaultsFromTuning(t *testing.T) {
	d, err := Parse([]byte(`
name: defaults
steps:
  - add: [{pos: [0, 0, 0], type: light, level: 30}]
`))
	if err == nil {
		t.Fatalf("lowercase type should fail the schema")
	}
	d, err = Parse([]byte(`
name: defaults
steps:
  - add: [{pos: [0, 0, 0], type: LIGHT, level: 32}]
    expect: {holders: 7}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.MaxLevel != 33 || d.Neighborhood.Metric != "chebyshev" || d.Neighborhood.Radius != 1 {
		t.Fatalf("defaults not applied: %+v", d)
	}
	if _, err := Run(d, nil); !errors.Is(err, ErrExpectation) {
		t.Fatalf("expected expectation failure, got %v", err)
	}
}

func TestRun_RejectedTicketStops(t *testing.T) {
	d, err := Parse([]byte(`
name: too-high
max_level: 4
steps:
  - add: [{pos: [0, 0, 0], type: FORCED, level: 9}]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rep, err := Run(d, nil)
	if err == nil || len(rep.Steps) != 0 {
		t.Fatalf("expected add failure, report=%+v err=%v", rep, err)
	}
}
