// Package tickets holds ticket demand per cell and drives the level graph from it.
//
// A Manager owns the Store, the holder Table, the Tracker adapter and the
// levels.Graph. Ticket changes only mark cells dirty; levels and handles move when
// Update or Settle runs.
package tickets

import (
	"fmt"
	"sort"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/levels"
)

type Manager struct {
	maxLevel int
	nb       cube.Neighborhood
	store    *Store
	table    *holders.Table
	tracker  *Tracker
	graph    *levels.Graph
}

func NewManager(nb cube.Neighborhood, maxLevel int) *Manager {
	store := NewStore(maxLevel)
	table := holders.NewTable(maxLevel)
	tr := NewTracker(store, table)
	return &Manager{
		maxLevel: maxLevel,
		nb:       nb,
		store:    store,
		table:    table,
		tracker:  tr,
		graph:    levels.New(tr, nb, maxLevel),
	}
}

func (m *Manager) MaxLevel() int                   { return m.maxLevel }
func (m *Manager) Neighborhood() cube.Neighborhood { return m.nb }
func (m *Manager) Store() *Store                   { return m.store }

// SetTick stamps the handle events produced by later commits.
func (m *Manager) SetTick(tick uint64) { m.tracker.SetTick(tick) }

func (m *Manager) checkBounds(p cube.Pos) error {
	if b, ok := m.nb.(interface{ Contains(cube.Pos) bool }); ok && !b.Contains(p) {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, p)
	}
	return nil
}

func (m *Manager) AddTicket(p cube.Pos, t Ticket) (bool, error) {
	if err := m.checkBounds(p); err != nil {
		return false, err
	}
	added, err := m.store.Add(p, t)
	if err != nil {
		return false, fmt.Errorf("add %s at %v: %w", t, p, err)
	}
	if added {
		m.graph.MarkDirty(p)
	}
	return added, nil
}

func (m *Manager) RemoveTicket(p cube.Pos, t Ticket) bool {
	if !m.store.Remove(p, t) {
		return false
	}
	m.graph.MarkDirty(p)
	return true
}

// RemoveOwner drops all tickets of owner and returns how many cells were affected.
func (m *Manager) RemoveOwner(owner string) int {
	cells := m.store.RemoveOwner(owner)
	for _, p := range cells {
		m.graph.MarkDirty(p)
	}
	return len(cells)
}

func (m *Manager) Tickets(p cube.Pos) []Ticket { return m.store.Tickets(p) }
func (m *Manager) TicketCount() int            { return m.store.Len() }

// Update runs one budgeted pass of the level graph.
func (m *Manager) Update(budget int) int { return m.graph.Update(budget) }

func (m *Manager) Settle() int { return m.graph.Settle() }

func (m *Manager) HasWork() bool       { return m.graph.HasWork() }
func (m *Manager) Pending() int        { return m.graph.Pending() }
func (m *Manager) Stats() levels.Stats { return m.graph.Stats() }

// Level returns the committed level of p, MaxLevel+1 when untracked.
func (m *Manager) Level(p cube.Pos) int { return m.table.Level(p) }

func (m *Manager) Holder(p cube.Pos) (holders.Holder, bool) { return m.table.Get(p) }
func (m *Manager) HolderCount() int                         { return m.table.Len() }
func (m *Manager) CountByStatus() map[holders.Status]int    { return m.table.CountByStatus() }

// Drain returns the net handle events committed since the last call and
// releases the handles that ended up out of range.
func (m *Manager) Drain() []holders.Event {
	m.table.FlushUnloads()
	return m.tracker.Drain()
}

// Snapshot returns the handles inside box in key order.
func (m *Manager) Snapshot(box cube.Box) []holders.Holder {
	var out []holders.Holder
	if v := box.Volume(); v > 0 && v <= m.table.Len() {
		box.Each(func(p cube.Pos) {
			if h, ok := m.table.Get(p); ok {
				out = append(out, h)
			}
		})
		sortHolders(out)
		return out
	}
	m.table.Range(func(h holders.Holder) bool {
		if box.Contains(h.Pos) {
			out = append(out, h)
		}
		return true
	})
	return out
}

// Rebuild drops queued work and recomputes every level from the tickets alone.
// It returns the number of cells whose level changed.
func (m *Manager) Rebuild() int {
	m.graph.Reset()
	want := levels.Solve(m.store.Sources(), m.nb, m.maxLevel)
	changed := 0
	var stale []cube.Pos
	m.table.Range(func(h holders.Holder) bool {
		if _, ok := want[h.Pos]; !ok {
			stale = append(stale, h.Pos)
		}
		return true
	})
	for _, p := range stale {
		m.tracker.SetLevel(p, m.maxLevel+1)
		changed++
	}
	cells := make([]cube.Pos, 0, len(want))
	for p := range want {
		cells = append(cells, p)
	}
	sortPos(cells)
	for _, p := range cells {
		if m.table.Level(p) != want[p] {
			m.tracker.SetLevel(p, want[p])
			changed++
		}
	}
	return changed
}

// Verify compares the committed levels with a full recomputation. It is only
// meaningful once the graph has no pending work.
func (m *Manager) Verify() error {
	if m.graph.HasWork() {
		return fmt.Errorf("verify: %d cells still queued", m.graph.Pending())
	}
	want := levels.Solve(m.store.Sources(), m.nb, m.maxLevel)
	if len(want) != m.table.Len() {
		return fmt.Errorf("verify: %d handles, expected %d", m.table.Len(), len(want))
	}
	var err error
	m.table.Range(func(h holders.Holder) bool {
		l, ok := want[h.Pos]
		if !ok {
			l = m.maxLevel + 1
		}
		if l != h.Level {
			err = fmt.Errorf("verify: level at %v is %d, expected %d", h.Pos, h.Level, l)
			return false
		}
		return true
	})
	return err
}

func sortHolders(hs []holders.Holder) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Pos < hs[j].Pos })
}
