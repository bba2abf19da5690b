package levels

import (
	"fmt"

	"cubestream.ai/internal/sim/cube"
)

// Solve computes levels from scratch: a multi-source shortest path over nb where
// every hop costs one. sources maps cells to their source level; entries above
// maxLevel are ignored. The result holds every cell whose level is at most maxLevel.
func Solve(sources map[cube.Pos]int, nb cube.Neighborhood, maxLevel int) map[cube.Pos]int {
	if maxLevel < 0 {
		panic(fmt.Sprintf("levels: negative max level %d", maxLevel))
	}
	out := make(map[cube.Pos]int, len(sources))
	q := newBuckets(maxLevel+1, len(sources))
	for p, l := range sources {
		if l < 0 {
			panic(fmt.Sprintf("levels: negative source level %d at %v", l, p))
		}
		if l <= maxLevel {
			q.add(p, l)
		}
	}

	var scratch []cube.Pos
	for {
		l := q.lowest()
		if l > maxLevel {
			break
		}
		p := q.pop(l)
		if _, done := out[p]; done {
			continue
		}
		out[p] = l
		if l == maxLevel {
			continue
		}
		scratch = nb.AppendNeighbors(scratch[:0], p)
		for _, n := range scratch {
			if _, done := out[n]; !done {
				q.add(n, l+1)
			}
		}
	}
	return out
}
