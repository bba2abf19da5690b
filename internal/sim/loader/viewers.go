package loader

import (
	"fmt"
	"strings"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/mathx"
	"cubestream.ai/internal/sim/tickets"
)

const viewerOwnerPrefix = "viewer:"

func viewerOwner(id string) string { return viewerOwnerPrefix + id }

func isViewerOwner(owner string) bool { return strings.HasPrefix(owner, viewerOwnerPrefix) }

// viewerTicket is the PLAYER ticket a viewer holds on its cube.
func (l *Loader) viewerTicket(id string) tickets.Ticket {
	return tickets.Ticket{Type: tickets.TypePlayer, Level: l.cfg.MaxLevel - l.cfg.ViewDistance, Owner: viewerOwner(id)}
}

// applyViewer translates a viewer op into ticket ops, applies them and records
// them in batch so a journal replay only needs ticket ops.
func (l *Loader) applyViewer(op ViewerOp, batch *CommitBatch) OpResult {
	res := OpResult{Tick: l.tick}
	if op.ID == "" {
		res.Err = "viewer id is required"
		return res
	}
	old, had := l.viewers[op.ID]
	tk := l.viewerTicket(op.ID)

	var ops []TicketOp
	switch op.Kind {
	case ViewerMove:
		bx, by, bz := op.Block[0], op.Block[1], op.Block[2]
		p, ok := blockCube(bx, by, bz)
		if !ok {
			res.Err = fmt.Sprintf("block %v out of range", op.Block)
			return res
		}
		if had && old == p {
			return res
		}
		if had {
			ops = append(ops, RemoveOp(old, tk))
		}
		ops = append(ops, AddOp(p, tk))
	case ViewerLeave:
		if !had {
			return res
		}
		ops = append(ops, RemoveOp(old, tk))
	default:
		res.Err = fmt.Sprintf("unknown viewer op %q", op.Kind)
		return res
	}

	for _, top := range ops {
		r := l.applyTicket(top)
		batch.Ops = append(batch.Ops, AppliedOp{Op: top, Changed: r.Changed, Err: r.Err})
		if r.Err != "" {
			// The old ticket may already be gone.
			delete(l.viewers, op.ID)
			res.Err = r.Err
			return res
		}
		res.Changed += r.Changed
	}
	if op.Kind == ViewerLeave {
		delete(l.viewers, op.ID)
	} else {
		l.viewers[op.ID] = cube.FromCoords(ops[len(ops)-1].Pos)
	}
	return res
}

func blockCube(bx, by, bz int) (cube.Pos, bool) {
	c := [3]int{mathx.FloorDiv(bx, cube.Size), mathx.FloorDiv(by, cube.Size), mathx.FloorDiv(bz, cube.Size)}
	if !cube.InRange(c[0], c[1], c[2]) {
		return 0, false
	}
	return cube.FromCoords(c), true
}

// Viewers returns the cube of every viewer, keyed by viewer id.
func (l *Loader) Viewers() map[string]cube.Pos {
	out := make(map[string]cube.Pos, len(l.viewers))
	for id, p := range l.viewers {
		out[id] = p
	}
	return out
}
