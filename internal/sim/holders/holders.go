// Package holders owns the per-cell resource handles whose lifetime follows the
// committed level: a handle exists while the level is at most MaxLevel.
//
// A handle whose level leaves the range is not dropped at once. It waits in the
// unload set, reported as absent, until FlushUnloads; a commit back into range
// before that revives the same handle.
package holders

import (
	"fmt"
	"sort"

	"cubestream.ai/internal/sim/cube"
)

type Status string

const (
	StatusEntityTicking Status = "ENTITY_TICKING"
	StatusTicking       Status = "TICKING"
	StatusBorder        Status = "BORDER"
	StatusInaccessible  Status = "INACCESSIBLE"
)

// Statuses lists the bands from most to least active.
var Statuses = []Status{StatusEntityTicking, StatusTicking, StatusBorder, StatusInaccessible}

// StatusForLevel maps a level to its load band for the given max level.
func StatusForLevel(level, maxLevel int) Status {
	switch {
	case level <= maxLevel-2:
		return StatusEntityTicking
	case level == maxLevel-1:
		return StatusTicking
	case level == maxLevel:
		return StatusBorder
	default:
		return StatusInaccessible
	}
}

type Holder struct {
	Pos         cube.Pos `json:"pos"`
	Level       int      `json:"level"`
	Status      Status   `json:"status"`
	CreatedTick uint64   `json:"created_tick"`
	UpdatedTick uint64   `json:"updated_tick"`
}

type EventKind string

const (
	Created   EventKind = "CREATED"
	Updated   EventKind = "UPDATED"
	Destroyed EventKind = "DESTROYED"
	Unchanged EventKind = "UNCHANGED"
)

// Event is the outcome of a single Commit.
type Event struct {
	Kind     EventKind `json:"kind"`
	Pos      cube.Pos  `json:"pos"`
	From     int       `json:"from"`
	To       int       `json:"to"`
	Tick     uint64    `json:"tick"`
	Previous Status    `json:"previous,omitempty"`
	Status   Status    `json:"status,omitempty"`
}

// StatusChanged reports whether the event moved the handle to another load band.
func (e Event) StatusChanged() bool { return e.Previous != e.Status }

type Table struct {
	maxLevel  int
	holders   map[cube.Pos]*Holder
	unloading map[cube.Pos]*Holder
	counts    map[Status]int
}

func NewTable(maxLevel int) *Table {
	if maxLevel < 0 {
		panic(fmt.Sprintf("holders: negative max level %d", maxLevel))
	}
	return &Table{
		maxLevel:  maxLevel,
		holders:   make(map[cube.Pos]*Holder, 256),
		unloading: make(map[cube.Pos]*Holder, 16),
		counts:    make(map[Status]int, len(Statuses)),
	}
}

func (t *Table) MaxLevel() int { return t.maxLevel }

// Level returns the committed level of p, MaxLevel+1 when p has no handle or its
// handle is waiting to be unloaded.
func (t *Table) Level(p cube.Pos) int {
	if h, ok := t.holders[p]; ok {
		return h.Level
	}
	return t.maxLevel + 1
}

func (t *Table) Get(p cube.Pos) (Holder, bool) {
	h, ok := t.holders[p]
	if !ok {
		return Holder{}, false
	}
	return *h, true
}

func (t *Table) Len() int { return len(t.holders) }

// Unloading is the number of handles destroyed since the last FlushUnloads.
func (t *Table) Unloading() int { return len(t.unloading) }

// FlushUnloads releases the handles in the unload set and returns how many there were.
func (t *Table) FlushUnloads() int {
	n := len(t.unloading)
	clear(t.unloading)
	return n
}

// Commit records level for p and returns what happened to its handle. Levels
// above MaxLevel destroy the handle. Levels outside [0, MaxLevel+1] panic.
func (t *Table) Commit(p cube.Pos, level int, tick uint64) Event {
	if level < 0 || level > t.maxLevel+1 {
		panic(fmt.Sprintf("holders: commit of level %d at %v outside [0,%d]", level, p, t.maxLevel+1))
	}
	absent := t.maxLevel + 1
	h, ok := t.holders[p]
	ev := Event{Pos: p, From: absent, To: level, Tick: tick, Previous: StatusInaccessible, Status: StatusForLevel(level, t.maxLevel)}
	if ok {
		ev.From = h.Level
		ev.Previous = h.Status
	}

	switch {
	case !ok && level == absent:
		ev.Kind = Unchanged
	case !ok:
		if h, ok = t.unloading[p]; ok {
			delete(t.unloading, p)
			h.Level = level
			h.Status = ev.Status
			h.UpdatedTick = tick
		} else {
			h = &Holder{Pos: p, Level: level, Status: ev.Status, CreatedTick: tick, UpdatedTick: tick}
		}
		t.holders[p] = h
		t.counts[h.Status]++
		ev.Kind = Created
	case level == absent:
		delete(t.holders, p)
		t.unloading[p] = h
		t.counts[h.Status]--
		ev.Kind = Destroyed
	case level == h.Level:
		ev.Kind = Unchanged
	default:
		t.counts[h.Status]--
		h.Level = level
		h.Status = ev.Status
		h.UpdatedTick = tick
		t.counts[h.Status]++
		ev.Kind = Updated
	}
	return ev
}

// Range calls fn for every handle in key order until fn returns false.
func (t *Table) Range(fn func(Holder) bool) {
	keys := make([]cube.Pos, 0, len(t.holders))
	for p := range t.holders {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, p := range keys {
		if !fn(*t.holders[p]) {
			return
		}
	}
}

func (t *Table) CountByStatus() map[Status]int {
	out := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		if n := t.counts[s]; n > 0 {
			out[s] = n
		}
	}
	return out
}

// Clear destroys every handle, flushes the unload set and returns the events in
// key order.
func (t *Table) Clear(tick uint64) []Event {
	var out []Event
	t.Range(func(h Holder) bool {
		out = append(out, t.Commit(h.Pos, t.maxLevel+1, tick))
		return true
	})
	t.FlushUnloads()
	return out
}
