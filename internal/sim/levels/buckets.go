package levels

import "cubestream.ai/internal/sim/cube"

// buckets holds cells keyed by a small integer priority, one FIFO queue per priority.
// A cell is live in at most one queue; adding it again at a lower priority moves it and
// leaves a stale entry behind, which is skipped when reached.
type buckets struct {
	queues [][]cube.Pos
	heads  []int
	prio   map[cube.Pos]int
	first  int // no live entry sits below first
}

func newBuckets(n, sizeHint int) *buckets {
	return &buckets{
		queues: make([][]cube.Pos, n),
		heads:  make([]int, n),
		prio:   make(map[cube.Pos]int, sizeHint),
		first:  n,
	}
}

func (b *buckets) len() int { return len(b.prio) }

func (b *buckets) priority(p cube.Pos) (int, bool) {
	pr, ok := b.prio[p]
	return pr, ok
}

// add queues p at priority unless it is already queued at or below it.
func (b *buckets) add(p cube.Pos, priority int) {
	if cur, ok := b.prio[p]; ok && cur <= priority {
		return
	}
	b.prio[p] = priority
	b.queues[priority] = append(b.queues[priority], p)
	if priority < b.first {
		b.first = priority
	}
}

// lowest returns the smallest priority with a live entry, or len(queues) when empty.
// It discards stale entries it walks over.
func (b *buckets) lowest() int {
	for b.first < len(b.queues) {
		q := b.queues[b.first]
		h := b.heads[b.first]
		for ; h < len(q); h++ {
			if pr, ok := b.prio[q[h]]; ok && pr == b.first {
				b.heads[b.first] = h
				return b.first
			}
		}
		b.queues[b.first] = q[:0]
		b.heads[b.first] = 0
		b.first++
	}
	return b.first
}

// pop removes the head of the queue at priority. The caller must have obtained
// priority from lowest.
func (b *buckets) pop(priority int) cube.Pos {
	q := b.queues[priority]
	h := b.heads[priority]
	p := q[h]
	h++
	if h == len(q) {
		b.queues[priority] = q[:0]
		h = 0
	}
	b.heads[priority] = h
	delete(b.prio, p)
	return p
}

func (b *buckets) clear() {
	for i := range b.queues {
		b.queues[i] = b.queues[i][:0]
		b.heads[i] = 0
	}
	clear(b.prio)
	b.first = len(b.queues)
}
