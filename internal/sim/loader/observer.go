package loader

import (
	"encoding/json"

	"cubestream.ai/internal/observerproto"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/mathx"
)

type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte

	Center [3]int
	Radius int
}

type ObserverSubscribeRequest struct {
	SessionID string

	Center [3]int
	Radius int
}

type observerClient struct {
	id  string
	out chan []byte
	box cube.Box
}

func (l *Loader) ObserverJoin() chan<- ObserverJoinRequest           { return l.observerJoin }
func (l *Loader) ObserverSubscribe() chan<- ObserverSubscribeRequest { return l.observerSub }
func (l *Loader) ObserverLeave() chan<- string                       { return l.observerLeave }

func (l *Loader) observerBox(center [3]int, radius int) cube.Box {
	r := mathx.ClampInt(radius, 0, l.cfg.ObserverMaxRadius, 0)
	c := center
	for i := range c {
		lo, hi := cube.MinXZ, cube.MaxXZ
		if i == 1 {
			lo, hi = cube.MinY, cube.MaxY
		}
		c[i] = mathx.ClampInt(c[i], lo+r, hi-r, 0)
	}
	return cube.BoxAround(cube.FromCoords(c), r)
}

func (l *Loader) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	if old := l.observers[req.SessionID]; old != nil {
		close(old.out)
	}
	l.observers[req.SessionID] = &observerClient{
		id:  req.SessionID,
		out: req.Out,
		box: l.observerBox(req.Center, req.Radius),
	}
	l.log.Debug("observer joined", "session", req.SessionID, "observers", len(l.observers))
}

func (l *Loader) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := l.observers[req.SessionID]
	if c == nil {
		return
	}
	c.box = l.observerBox(req.Center, req.Radius)
}

func (l *Loader) handleObserverLeave(sessionID string) {
	c := l.observers[sessionID]
	if c == nil {
		return
	}
	delete(l.observers, sessionID)
	close(c.out)
	l.log.Debug("observer left", "session", sessionID, "observers", len(l.observers))
}

func (l *Loader) closeObservers() {
	for id, c := range l.observers {
		delete(l.observers, id)
		close(c.out)
	}
}

func (l *Loader) broadcastCommits(b CommitBatch) {
	if len(l.observers) == 0 || len(b.Events) == 0 {
		return
	}
	for _, c := range l.observers {
		msg := observerproto.CommitsMsg{
			Type:            "COMMITS",
			ProtocolVersion: observerproto.Version,
			Tick:            b.Tick,
			Holders:         b.Holders,
			Pending:         b.Pending,
		}
		for _, ev := range b.Events {
			if c.box.Contains(ev.Pos) {
				msg.Changes = append(msg.Changes, changeOf(ev))
			}
		}
		if len(msg.Changes) == 0 {
			continue
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			l.log.Error("encode commits", "err", err)
			return
		}
		sendLatest(c.out, raw)
	}
}

func changeOf(ev holders.Event) observerproto.Change {
	return observerproto.Change{
		Pos:    ev.Pos.Coords(),
		Kind:   string(ev.Kind),
		From:   ev.From,
		To:     ev.To,
		Status: string(ev.Status),
	}
}

// sendLatest drops the oldest queued message when ch is full.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
