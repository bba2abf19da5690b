package cube

import (
	"fmt"
	"strings"

	"cubestream.ai/internal/sim/mathx"
)

// Neighborhood is the propagation adjacency. Implementations must be symmetric:
// q is a neighbor of p exactly when p is a neighbor of q. A cell is never its own neighbor.
type Neighborhood interface {
	AppendNeighbors(dst []Pos, p Pos) []Pos
}

type Metric string

const (
	MetricChebyshev Metric = "chebyshev"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric accepts the metric names used in configuration files; empty means chebyshev.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricChebyshev:
		return MetricChebyshev, nil
	case MetricManhattan:
		return MetricManhattan, nil
	default:
		return "", fmt.Errorf("unknown neighbor metric %q", s)
	}
}

// Lattice is the neighbor relation "within radius under a metric", optionally
// restricted to a bounding box. Cells outside the bounds have no neighbors, which
// keeps the relation symmetric.
type Lattice struct {
	metric  Metric
	radius  int
	offsets [][3]int
	bounds  *Box
}

func NewNeighborhood(metric Metric, radius int, bounds *Box) (*Lattice, error) {
	if radius < 1 {
		return nil, fmt.Errorf("neighbor radius must be >= 1, got %d", radius)
	}
	if radius > 8 {
		return nil, fmt.Errorf("neighbor radius too large: %d", radius)
	}
	if bounds != nil && !bounds.Valid() {
		return nil, fmt.Errorf("invalid bounds %v..%v", bounds.Min, bounds.Max)
	}
	dist := mathx.Chebyshev
	switch metric {
	case MetricChebyshev:
	case MetricManhattan:
		dist = mathx.Manhattan
	default:
		return nil, fmt.Errorf("unknown neighbor metric %q", metric)
	}

	var offsets [][3]int
	for dy := -radius; dy <= radius; dy++ {
		for dz := -radius; dz <= radius; dz++ {
			for dx := -radius; dx <= radius; dx++ {
				d := dist(dx, dy, dz)
				if d == 0 || d > radius {
					continue
				}
				offsets = append(offsets, [3]int{dx, dy, dz})
			}
		}
	}
	l := &Lattice{metric: metric, radius: radius, offsets: offsets}
	if bounds != nil {
		b := *bounds
		l.bounds = &b
	}
	return l, nil
}

// Chebyshev1 is the default 26-cell neighborhood over an unbounded lattice.
func Chebyshev1() *Lattice {
	l, err := NewNeighborhood(MetricChebyshev, 1, nil)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Lattice) Metric() Metric { return l.metric }
func (l *Lattice) Radius() int    { return l.radius }

// Degree is the neighbor count of an interior cell.
func (l *Lattice) Degree() int { return len(l.offsets) }

// Bounds returns nil for an unbounded lattice.
func (l *Lattice) Bounds() *Box { return l.bounds }

// Contains reports whether p takes part in the relation at all.
func (l *Lattice) Contains(p Pos) bool {
	return l.bounds == nil || l.bounds.Contains(p)
}

func (l *Lattice) AppendNeighbors(dst []Pos, p Pos) []Pos {
	if !l.Contains(p) {
		return dst
	}
	x, y, z := p.X(), p.Y(), p.Z()
	for _, o := range l.offsets {
		nx, ny, nz := x+o[0], y+o[1], z+o[2]
		if !InRange(nx, ny, nz) {
			continue
		}
		if l.bounds != nil {
			b := l.bounds
			if nx < b.Min[0] || nx > b.Max[0] || ny < b.Min[1] || ny > b.Max[1] || nz < b.Min[2] || nz > b.Max[2] {
				continue
			}
		}
		dst = append(dst, Pack(nx, ny, nz))
	}
	return dst
}
