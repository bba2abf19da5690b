// Package scenario runs scripted ticket changes against a tickets.Manager and
// checks the resulting levels. Scenarios are yaml documents validated against
// an embedded JSON schema.
package scenario

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/tickets"
	"cubestream.ai/internal/sim/tuning"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://cubestream.ai/schemas/scenario.schema.json"

// ErrExpectation is wrapped by every failed expect check.
var ErrExpectation = errors.New("scenario expectation failed")

type Doc struct {
	Name         string              `yaml:"name" json:"name"`
	Description  string              `yaml:"description,omitempty" json:"description,omitempty"`
	MaxLevel     int                 `yaml:"max_level" json:"max_level"`
	Budget       int                 `yaml:"budget" json:"budget"`
	Neighborhood tuning.Neighborhood `yaml:"neighborhood" json:"neighborhood"`
	Steps        []Step              `yaml:"steps" json:"steps"`
}

type Placement struct {
	Pos   [3]int       `yaml:"pos" json:"pos"`
	Type  tickets.Type `yaml:"type" json:"type"`
	Level int          `yaml:"level" json:"level"`
	Owner string       `yaml:"owner,omitempty" json:"owner,omitempty"`
}

func (p Placement) Ticket() tickets.Ticket {
	return tickets.Ticket{Type: p.Type, Level: p.Level, Owner: p.Owner}
}

// Step applies its ticket changes, then advances propagation: Update when
// update is set, otherwise Update(budget) when the document has a budget,
// otherwise Settle.
type Step struct {
	Note        string      `yaml:"note,omitempty" json:"note,omitempty"`
	Add         []Placement `yaml:"add,omitempty" json:"add,omitempty"`
	Remove      []Placement `yaml:"remove,omitempty" json:"remove,omitempty"`
	RemoveOwner []string    `yaml:"remove_owner,omitempty" json:"remove_owner,omitempty"`
	Update      *int        `yaml:"update,omitempty" json:"update,omitempty"`
	Rebuild     bool        `yaml:"rebuild,omitempty" json:"rebuild,omitempty"`
	Expect      *Expect     `yaml:"expect,omitempty" json:"expect,omitempty"`
}

type LevelExpect struct {
	Pos   [3]int `yaml:"pos" json:"pos"`
	Level int    `yaml:"level" json:"level"`
}

type Expect struct {
	Holders *int                   `yaml:"holders,omitempty" json:"holders,omitempty"`
	Pending *int                   `yaml:"pending,omitempty" json:"pending,omitempty"`
	Levels  []LevelExpect          `yaml:"levels,omitempty" json:"levels,omitempty"`
	Absent  [][3]int               `yaml:"absent,omitempty" json:"absent,omitempty"`
	Status  map[holders.Status]int `yaml:"status,omitempty" json:"status,omitempty"`
	Verify  bool                   `yaml:"verify,omitempty" json:"verify,omitempty"`
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	s, err := jsonschema.CompileString(schemaURL, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}
	return s, nil
})

func Load(path string) (*Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse validates raw against the scenario schema and decodes it. Omitted
// max_level and neighborhood take the tuning defaults.
func Parse(raw []byte) (*Doc, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	// The validator wants encoding/json shaped values.
	js, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return nil, err
	}
	s, err := schema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(inst); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	def := tuning.Defaults()
	d := &Doc{MaxLevel: def.MaxLevel, Neighborhood: def.Neighborhood}
	if err := yaml.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks what the schema cannot: coordinate ranges and the lattice.
func (d *Doc) Validate() error {
	var errs []error
	if _, err := d.Lattice(); err != nil {
		errs = append(errs, fmt.Errorf("neighborhood: %w", err))
	}
	check := func(where string, c [3]int) {
		if !cube.InRange(c[0], c[1], c[2]) {
			errs = append(errs, fmt.Errorf("%s: position %v out of range", where, c))
		}
	}
	for i, st := range d.Steps {
		for _, p := range st.Add {
			check(fmt.Sprintf("step %d add", i), p.Pos)
		}
		for _, p := range st.Remove {
			check(fmt.Sprintf("step %d remove", i), p.Pos)
		}
		if st.Expect != nil {
			for _, l := range st.Expect.Levels {
				check(fmt.Sprintf("step %d expect", i), l.Pos)
			}
			for _, c := range st.Expect.Absent {
				check(fmt.Sprintf("step %d expect", i), c)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Doc) Lattice() (*cube.Lattice, error) {
	t := tuning.Tuning{Neighborhood: d.Neighborhood}
	return t.Lattice()
}

type StepReport struct {
	Index   int    `json:"index"`
	Note    string `json:"note,omitempty"`
	Applied int    `json:"applied"`
	Settled int    `json:"settled"`
	Events  int    `json:"events"`
	Holders int    `json:"holders"`
	Pending int    `json:"pending"`
	Rebuilt int    `json:"rebuilt,omitempty"`
}

type Report struct {
	Name    string       `json:"name"`
	Steps   []StepReport `json:"steps"`
	Tickets int          `json:"tickets"`
	Holders int          `json:"holders"`
}

// Run executes d on a fresh manager. It stops at the first failed expectation
// or rejected ticket and returns the report so far.
func Run(d *Doc, logger *charmlog.Logger) (Report, error) {
	if logger == nil {
		logger = charmlog.NewWithOptions(io.Discard, charmlog.Options{})
	}
	rep := Report{Name: d.Name}
	nb, err := d.Lattice()
	if err != nil {
		return rep, err
	}
	m := tickets.NewManager(nb, d.MaxLevel)

	for i, st := range d.Steps {
		m.SetTick(uint64(i + 1))
		sr := StepReport{Index: i, Note: st.Note}

		for _, p := range st.Add {
			changed, err := m.AddTicket(cube.FromCoords(p.Pos), p.Ticket())
			if err != nil {
				return rep, fmt.Errorf("step %d: add %v at %v: %w", i, p.Ticket(), p.Pos, err)
			}
			if changed {
				sr.Applied++
			}
		}
		for _, p := range st.Remove {
			if m.RemoveTicket(cube.FromCoords(p.Pos), p.Ticket()) {
				sr.Applied++
			}
		}
		for _, owner := range st.RemoveOwner {
			sr.Applied += m.RemoveOwner(owner)
		}
		if st.Rebuild {
			sr.Rebuilt = m.Rebuild()
		}

		switch {
		case st.Update != nil:
			sr.Settled = m.Update(*st.Update)
		case d.Budget > 0:
			sr.Settled = m.Update(d.Budget)
		default:
			sr.Settled = m.Settle()
		}
		sr.Events = len(m.Drain())
		sr.Holders = m.HolderCount()
		sr.Pending = m.Pending()
		rep.Steps = append(rep.Steps, sr)

		logger.Debug("step", "index", i, "applied", sr.Applied, "settled", sr.Settled, "events", sr.Events, "holders", sr.Holders, "pending", sr.Pending)

		if st.Expect != nil {
			if err := check(m, st.Expect); err != nil {
				return rep, fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	rep.Tickets = m.TicketCount()
	rep.Holders = m.HolderCount()
	return rep, nil
}

func check(m *tickets.Manager, e *Expect) error {
	var errs []error
	if e.Holders != nil && m.HolderCount() != *e.Holders {
		errs = append(errs, fmt.Errorf("%w: holders=%d want %d", ErrExpectation, m.HolderCount(), *e.Holders))
	}
	if e.Pending != nil && m.Pending() != *e.Pending {
		errs = append(errs, fmt.Errorf("%w: pending=%d want %d", ErrExpectation, m.Pending(), *e.Pending))
	}
	for _, l := range e.Levels {
		if got := m.Level(cube.FromCoords(l.Pos)); got != l.Level {
			errs = append(errs, fmt.Errorf("%w: level at %v is %d want %d", ErrExpectation, l.Pos, got, l.Level))
		}
	}
	for _, c := range e.Absent {
		if h, ok := m.Holder(cube.FromCoords(c)); ok {
			errs = append(errs, fmt.Errorf("%w: handle at %v exists with level %d", ErrExpectation, c, h.Level))
		}
	}
	if len(e.Status) > 0 {
		counts := m.CountByStatus()
		for st, want := range e.Status {
			if counts[st] != want {
				errs = append(errs, fmt.Errorf("%w: %s=%d want %d", ErrExpectation, st, counts[st], want))
			}
		}
	}
	if e.Verify {
		if err := m.Verify(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrExpectation, err))
		}
	}
	return errors.Join(errs...)
}
