package loader

import (
	"context"
	"errors"
	"fmt"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/tickets"
)

var ErrStopped = errors.New("loader stopped")

type OpKind string

const (
	OpAdd         OpKind = "ADD"
	OpRemove      OpKind = "REMOVE"
	OpRemoveOwner OpKind = "REMOVE_OWNER"
)

// TicketOp is one ticket change, applied at the start of the tick it arrives in.
type TicketOp struct {
	Kind   OpKind         `json:"kind"`
	Pos    [3]int         `json:"pos"`
	Ticket tickets.Ticket `json:"ticket"`
	Owner  string         `json:"owner,omitempty"`
}

func AddOp(p cube.Pos, t tickets.Ticket) TicketOp {
	return TicketOp{Kind: OpAdd, Pos: p.Coords(), Ticket: t}
}

func RemoveOp(p cube.Pos, t tickets.Ticket) TicketOp {
	return TicketOp{Kind: OpRemove, Pos: p.Coords(), Ticket: t}
}

func RemoveOwnerOp(owner string) TicketOp {
	return TicketOp{Kind: OpRemoveOwner, Owner: owner}
}

// OpResult reports what a TicketOp did.
type OpResult struct {
	Tick    uint64 `json:"tick"`
	Changed int    `json:"changed"`
	Err     string `json:"error,omitempty"`
}

type ViewerKind string

const (
	ViewerMove  ViewerKind = "MOVE"
	ViewerLeave ViewerKind = "LEAVE"
)

// ViewerOp moves or removes a viewer. Block is a block position; the viewer's
// ticket sits on the cube containing it.
type ViewerOp struct {
	Kind  ViewerKind `json:"kind"`
	ID    string     `json:"id"`
	Block [3]int     `json:"block"`
}

type ticketReq struct {
	Op   TicketOp
	Resp chan OpResult
}

type viewerReq struct {
	Op   ViewerOp
	Resp chan OpResult
}

type levelsReq struct {
	Box  cube.Box
	Resp chan LevelsResult
}

// LevelsResult is a point-in-time view of the handles inside a box.
type LevelsResult struct {
	Tick    uint64           `json:"tick"`
	Pending int              `json:"pending"`
	Holders []holders.Holder `json:"holders"`
}

// RequestTicket queues op for the next tick and waits for its result.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (l *Loader) RequestTicket(ctx context.Context, op TicketOp) (OpResult, error) {
	resp := make(chan OpResult, 1)
	if err := send(ctx, l, l.ticketCh, ticketReq{Op: op, Resp: resp}); err != nil {
		return OpResult{}, err
	}
	return wait(ctx, l, resp)
}

// RequestViewer queues a viewer move or leave for the next tick.
func (l *Loader) RequestViewer(ctx context.Context, op ViewerOp) (OpResult, error) {
	resp := make(chan OpResult, 1)
	if err := send(ctx, l, l.viewerCh, viewerReq{Op: op, Resp: resp}); err != nil {
		return OpResult{}, err
	}
	return wait(ctx, l, resp)
}

// RequestLevels returns the handles inside box as of the end of the next tick.
func (l *Loader) RequestLevels(ctx context.Context, box cube.Box) (LevelsResult, error) {
	if !box.Valid() {
		return LevelsResult{}, fmt.Errorf("invalid box %v..%v", box.Min, box.Max)
	}
	resp := make(chan LevelsResult, 1)
	if err := send(ctx, l, l.levelsCh, levelsReq{Box: box, Resp: resp}); err != nil {
		return LevelsResult{}, err
	}
	return wait(ctx, l, resp)
}

func send[T any](ctx context.Context, l *Loader, ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait[T any](ctx context.Context, l *Loader, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-l.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (l *Loader) applyTicket(op TicketOp) OpResult {
	res := OpResult{Tick: l.tick}
	switch op.Kind {
	case OpAdd, OpRemove:
		if !cube.InRange(op.Pos[0], op.Pos[1], op.Pos[2]) {
			res.Err = fmt.Sprintf("cube %v out of range", op.Pos)
			return res
		}
		p := cube.FromCoords(op.Pos)
		if op.Kind == OpRemove {
			if l.mgr.RemoveTicket(p, op.Ticket) {
				res.Changed = 1
			}
			return res
		}
		added, err := l.mgr.AddTicket(p, op.Ticket)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		if added {
			res.Changed = 1
		}
	case OpRemoveOwner:
		if op.Owner == "" {
			res.Err = "owner is required"
			return res
		}
		res.Changed = l.mgr.RemoveOwner(op.Owner)
	default:
		res.Err = fmt.Sprintf("unknown op kind %q", op.Kind)
	}
	return res
}
