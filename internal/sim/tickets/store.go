package tickets

import (
	"fmt"
	"sort"

	"cubestream.ai/internal/sim/cube"
)

// Store keeps the tickets of every cell. SourceLevel is O(1).
type Store struct {
	maxLevel int
	cells    map[cube.Pos]*set
	owners   map[string]map[cube.Pos]int
	count    int
}

func NewStore(maxLevel int) *Store {
	return &Store{
		maxLevel: maxLevel,
		cells:    make(map[cube.Pos]*set, 16),
		owners:   map[string]map[cube.Pos]int{},
	}
}

func (s *Store) MaxLevel() int { return s.maxLevel }

// Add inserts t at p. It reports false when an identical ticket is already there.
func (s *Store) Add(p cube.Pos, t Ticket) (bool, error) {
	if t.Level < 0 || t.Level > s.maxLevel {
		return false, fmt.Errorf("%w: %d not in [0,%d]", ErrLevelOutOfRange, t.Level, s.maxLevel)
	}
	if !t.Type.Valid() {
		return false, fmt.Errorf("%w: %d", ErrUnknownType, int(t.Type))
	}
	ts, ok := s.cells[p]
	if !ok {
		ts = &set{}
		s.cells[p] = ts
	}
	if !ts.insert(t) {
		return false, nil
	}
	s.count++
	if t.Owner != "" {
		m := s.owners[t.Owner]
		if m == nil {
			m = map[cube.Pos]int{}
			s.owners[t.Owner] = m
		}
		m[p]++
	}
	return true, nil
}

// Remove deletes t from p and reports whether it was present.
func (s *Store) Remove(p cube.Pos, t Ticket) bool {
	ts, ok := s.cells[p]
	if !ok || !ts.remove(t) {
		return false
	}
	s.count--
	if len(*ts) == 0 {
		delete(s.cells, p)
	}
	if t.Owner != "" {
		if m := s.owners[t.Owner]; m != nil {
			if m[p]--; m[p] <= 0 {
				delete(m, p)
			}
			if len(m) == 0 {
				delete(s.owners, t.Owner)
			}
		}
	}
	return true
}

// RemoveOwner drops every ticket held by owner and returns the affected cells in key order.
func (s *Store) RemoveOwner(owner string) []cube.Pos {
	m := s.owners[owner]
	if len(m) == 0 {
		return nil
	}
	cells := make([]cube.Pos, 0, len(m))
	for p := range m {
		cells = append(cells, p)
	}
	sortPos(cells)
	for _, p := range cells {
		ts := s.cells[p]
		kept := (*ts)[:0]
		for _, t := range *ts {
			if t.Owner == owner {
				s.count--
				continue
			}
			kept = append(kept, t)
		}
		*ts = kept
		if len(kept) == 0 {
			delete(s.cells, p)
		}
	}
	delete(s.owners, owner)
	return cells
}

// Owned returns the cells holding tickets of owner.
func (s *Store) Owned(owner string) []cube.Pos {
	m := s.owners[owner]
	out := make([]cube.Pos, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sortPos(out)
	return out
}

// SourceLevel is the smallest ticket level at p, MaxLevel+1 without tickets.
func (s *Store) SourceLevel(p cube.Pos) int {
	if ts, ok := s.cells[p]; ok && len(*ts) > 0 {
		return (*ts)[0].Level
	}
	return s.maxLevel + 1
}

func (s *Store) Tickets(p cube.Pos) []Ticket {
	ts, ok := s.cells[p]
	if !ok {
		return nil
	}
	return append([]Ticket(nil), (*ts)...)
}

// Len is the number of tickets.
func (s *Store) Len() int { return s.count }

func (s *Store) Cells() []cube.Pos {
	out := make([]cube.Pos, 0, len(s.cells))
	for p := range s.cells {
		out = append(out, p)
	}
	sortPos(out)
	return out
}

// Sources maps every cell with tickets to its source level.
func (s *Store) Sources() map[cube.Pos]int {
	out := make(map[cube.Pos]int, len(s.cells))
	for p, ts := range s.cells {
		out[p] = (*ts)[0].Level
	}
	return out
}

func sortPos(ps []cube.Pos) {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
}
