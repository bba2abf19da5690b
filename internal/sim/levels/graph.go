// Package levels propagates ticket levels across the cube lattice.
//
// A cell's level is the least of its own source level and one more than the level
// of any neighbor, capped at the absent level MaxLevel+1. The Graph keeps the
// committed levels equal to that fixed point under incremental source changes
// without rescanning untouched cells. It owns only its queues; levels are read
// from and written to a Tracker.
//
// Work is kept in two bucketed queues indexed by level. The decrease queue holds
// cells that may drop, the increase queue cells whose committed level may have lost
// its support. Buckets are drained in ascending order and, within a bucket,
// decreases go first. A decrease is only committed once the bucket being drained
// has reached the recomputed level, so it never leans on a neighbor whose own
// removal is still queued below it. A cell that lost its support is parked at
// Absent and requeued as a decrease at its recomputed level, so a removal commits
// each cell at most twice.
//
// The Graph is not safe for concurrent use.
package levels

import (
	"fmt"

	"cubestream.ai/internal/sim/cube"
)

// Tracker is the storage side of the graph.
//
// SourceLevel is the cell's own demand (Absent when none), Level its committed
// level (Absent when untracked). SetLevel commits a new level in [0, Absent].
type Tracker interface {
	SourceLevel(p cube.Pos) int
	Level(p cube.Pos) int
	SetLevel(p cube.Pos, level int)
}

// Absent is the level of a cell with no demand.
func Absent(maxLevel int) int { return maxLevel + 1 }

// Unset is the level of a cell that was never computed.
func Unset(maxLevel int) int { return maxLevel + 2 }

type Stats struct {
	Updates   uint64 `json:"updates"`
	Processed uint64 `json:"processed"`
	Committed uint64 `json:"committed"`
	Escalated uint64 `json:"escalated"`
}

type Graph struct {
	tracker  Tracker
	nb       cube.Neighborhood
	maxLevel int
	absent   int
	unset    int

	decreases *buckets
	increases *buckets

	scratch []cube.Pos
	touched map[cube.Pos]struct{}
	stats   Stats
}

// New panics when maxLevel is negative. nb must be symmetric.
func New(t Tracker, nb cube.Neighborhood, maxLevel int) *Graph {
	if t == nil || nb == nil {
		panic("levels: nil tracker or neighborhood")
	}
	if maxLevel < 0 {
		panic(fmt.Sprintf("levels: negative max level %d", maxLevel))
	}
	n := Absent(maxLevel) + 1
	return &Graph{
		tracker:   t,
		nb:        nb,
		maxLevel:  maxLevel,
		absent:    Absent(maxLevel),
		unset:     Unset(maxLevel),
		decreases: newBuckets(n, 16),
		increases: newBuckets(n, 16),
		scratch:   make([]cube.Pos, 0, 32),
		touched:   make(map[cube.Pos]struct{}, 64),
	}
}

func (g *Graph) MaxLevel() int { return g.maxLevel }

// MarkDirty schedules p after its source level may have changed. A source below
// the committed level goes to the decrease queue at the source level; otherwise a
// tracked cell is rechecked from the increase queue at its committed level.
func (g *Graph) MarkDirty(p cube.Pos) {
	src := g.source(p)
	cur := g.level(p)
	switch {
	case src < cur:
		g.decreases.add(p, src)
	case cur < g.absent:
		g.increases.add(p, cur)
	}
}

// Update relaxes queued cells in ascending bucket order, starting from the lowest
// queued bucket and stopping once the next bucket lies more than maxDistance above
// it. It returns how many distinct cells had a level change committed during the
// call. Work left over stays queued for the next call.
func (g *Graph) Update(maxDistance int) int {
	if maxDistance < 0 {
		panic(fmt.Sprintf("levels: negative update budget %d", maxDistance))
	}
	g.stats.Updates++

	origin := g.lowest()
	if origin > g.absent {
		return 0
	}
	limit := g.absent
	if maxDistance < g.absent-origin {
		limit = origin + maxDistance
	}

	clear(g.touched)
	for {
		d := g.decreases.lowest()
		i := g.increases.lowest()
		if d > limit && i > limit {
			break
		}
		g.stats.Processed++
		if d <= i {
			g.relaxDecrease(g.decreases.pop(d), d)
		} else {
			g.relaxIncrease(g.increases.pop(i))
		}
	}
	return len(g.touched)
}

// Settle runs Update until both queues are empty and returns the sum of the
// per-call cell counts.
func (g *Graph) Settle() int {
	total := 0
	for g.HasWork() {
		total += g.Update(g.absent)
	}
	return total
}

func (g *Graph) HasWork() bool { return g.decreases.len() > 0 || g.increases.len() > 0 }

// Pending is the number of queued cells.
func (g *Graph) Pending() int { return g.decreases.len() + g.increases.len() }

func (g *Graph) Stats() Stats { return g.stats }

// Reset drops all queued work. The tracker is left untouched.
func (g *Graph) Reset() {
	g.decreases.clear()
	g.increases.clear()
}

func (g *Graph) lowest() int {
	d := g.decreases.lowest()
	if i := g.increases.lowest(); i < d {
		return i
	}
	return d
}

func (g *Graph) relaxDecrease(p cube.Pos, bucket int) {
	cur := g.level(p)
	best := g.recompute(p)
	switch {
	case best > cur:
		// The committed level is no longer supported.
		g.stats.Escalated++
		g.increases.add(p, cur)
		return
	case best == cur:
		return
	case best > bucket:
		g.decreases.add(p, best)
		return
	}

	g.commit(p, best)
	next := best + 1
	for _, n := range g.scratch {
		if g.level(n) > next {
			g.decreases.add(n, next)
		}
	}
}

func (g *Graph) relaxIncrease(p cube.Pos) {
	cur := g.level(p)
	best := g.recompute(p)
	switch {
	case best == cur:
		return
	case best < cur:
		// A cheaper path showed up; commit it in decrease order.
		g.decreases.add(p, best)
		return
	}

	// Park at absent; neighbors above cur may have leaned on p and are rechecked
	// before p settles again from the decrease queue.
	g.commit(p, g.absent)
	for _, n := range g.scratch {
		if l := g.level(n); l > cur && l < g.absent {
			g.increases.add(n, l)
		}
	}
	if best < g.absent {
		g.decreases.add(p, best)
	}
}

// recompute returns min(source, 1+min neighbor level) and leaves p's neighbors in g.scratch.
func (g *Graph) recompute(p cube.Pos) int {
	best := g.source(p)
	g.scratch = g.nb.AppendNeighbors(g.scratch[:0], p)
	for _, n := range g.scratch {
		if best <= 1 {
			break
		}
		if l := g.level(n) + 1; l < best {
			best = l
		}
	}
	return best
}

func (g *Graph) commit(p cube.Pos, level int) {
	if level < 0 || level > g.absent {
		panic(fmt.Sprintf("levels: commit of level %d at %v outside [0,%d]", level, p, g.absent))
	}
	g.tracker.SetLevel(p, level)
	g.touched[p] = struct{}{}
	g.stats.Committed++
}

func (g *Graph) level(p cube.Pos) int {
	l := g.tracker.Level(p)
	if l < 0 || l > g.unset {
		panic(fmt.Sprintf("levels: tracker level %d at %v outside [0,%d]", l, p, g.unset))
	}
	if l > g.absent {
		return g.absent
	}
	return l
}

func (g *Graph) source(p cube.Pos) int {
	s := g.tracker.SourceLevel(p)
	if s < 0 || s > g.unset {
		panic(fmt.Sprintf("levels: source level %d at %v outside [0,%d]", s, p, g.unset))
	}
	if s > g.absent {
		return g.absent
	}
	return s
}
