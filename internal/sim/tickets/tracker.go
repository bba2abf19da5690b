package tickets

import (
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/levels"
)

var _ levels.Tracker = (*Tracker)(nil)

// Tracker adapts a Store and a holder Table to the level graph. Commits that
// change a handle land in the outbox until Drain, folded to one net event per
// cell.
type Tracker struct {
	store  *Store
	table  *holders.Table
	tick   uint64
	outbox []holders.Event
	index  map[cube.Pos]int
}

func NewTracker(store *Store, table *holders.Table) *Tracker {
	return &Tracker{store: store, table: table, index: make(map[cube.Pos]int, 64)}
}

func (t *Tracker) SourceLevel(p cube.Pos) int { return t.store.SourceLevel(p) }

func (t *Tracker) Level(p cube.Pos) int { return t.table.Level(p) }

func (t *Tracker) SetLevel(p cube.Pos, level int) {
	ev := t.table.Commit(p, level, t.tick)
	if ev.Kind == holders.Unchanged {
		return
	}
	i, ok := t.index[p]
	if !ok {
		t.index[p] = len(t.outbox)
		t.outbox = append(t.outbox, ev)
		return
	}
	t.outbox[i] = t.fold(t.outbox[i], ev)
}

// fold merges a later event for the same cell into the pending one.
func (t *Tracker) fold(first, next holders.Event) holders.Event {
	absent := t.table.MaxLevel() + 1
	ev := next
	ev.From = first.From
	ev.Previous = first.Previous
	switch {
	case ev.From == ev.To:
		ev.Kind = holders.Unchanged
	case ev.From == absent:
		ev.Kind = holders.Created
	case ev.To == absent:
		ev.Kind = holders.Destroyed
	default:
		ev.Kind = holders.Updated
	}
	return ev
}

func (t *Tracker) SetTick(tick uint64) { t.tick = tick }

// Drain returns the net events in order of each cell's first commit and
// empties the outbox.
func (t *Tracker) Drain() []holders.Event {
	var out []holders.Event
	for _, ev := range t.outbox {
		if ev.Kind != holders.Unchanged {
			out = append(out, ev)
		}
	}
	t.outbox = t.outbox[:0]
	clear(t.index)
	return out
}
