package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cubestream.ai/internal/protocol"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/tuning"
)

// startLoader runs a loader whose viewer tickets sit at max_level, so each
// viewer holds exactly one cell.
func startLoader(t *testing.T) *loader.Loader {
	t.Helper()
	tu := tuning.Defaults()
	tu.MaxLevel = 31
	tu.ViewDistance = 0
	tu.TickRateHz = 200
	cfg, err := loader.ConfigFromTuning("ws", tu)
	if err != nil {
		t.Fatalf("ConfigFromTuning: %v", err)
	}
	l, err := loader.New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	return v
}

func levelAt(t *testing.T, l *loader.Loader, p cube.Pos) (int, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := l.RequestLevels(ctx, cube.BoxAround(p, 0))
	if err != nil {
		t.Fatalf("RequestLevels: %v", err)
	}
	if len(res.Holders) == 0 {
		return 0, false
	}
	return res.Holders[0].Level, true
}

func waitHolders(t *testing.T, l *loader.Loader, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for l.Metrics().Holders != want {
		if time.Now().After(deadline) {
			t.Fatalf("holders=%d want %d", l.Metrics().Holders, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViewerSession_HelloMoveLeave(t *testing.T) {
	l := startLoader(t)
	s := NewServer(l, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	start := [3]int{5, 5, 5}
	if err := conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ViewerName:      "bot 1",
		Block:           &start,
	}); err != nil {
		t.Fatalf("send HELLO: %v", err)
	}
	w := read[protocol.WelcomeMsg](t, conn)
	if w.Type != protocol.TypeWelcome || w.ViewerID != "bot_1-S1" || w.LoaderID != "ws" {
		t.Fatalf("welcome: %+v", w)
	}
	if w.Params.TicketLevel != 31 || w.Cube == nil || *w.Cube != [3]int{0, 0, 0} {
		t.Fatalf("welcome params: %+v cube=%v", w.Params, w.Cube)
	}
	if lv, ok := levelAt(t, l, cube.Pack(0, 0, 0)); !ok || lv != 31 {
		t.Fatalf("origin level=%d ok=%v", lv, ok)
	}

	if err := conn.WriteJSON(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: 1, Block: [3]int{-1, 0, 20}}); err != nil {
		t.Fatalf("send MOVE: %v", err)
	}
	ack := read[protocol.AckMsg](t, conn)
	if ack.Type != protocol.TypeAck || ack.Seq != 1 || ack.Cube != [3]int{-1, 0, 1} || ack.Changed == 0 {
		t.Fatalf("ack: %+v", ack)
	}
	if _, ok := levelAt(t, l, cube.Pack(0, 0, 0)); ok {
		t.Fatalf("origin still held after move")
	}
	if lv, ok := levelAt(t, l, cube.Pack(-1, 0, 1)); !ok || lv != 31 {
		t.Fatalf("new cube level=%d ok=%v", lv, ok)
	}
	if s.Sessions() != 1 {
		t.Fatalf("sessions=%d", s.Sessions())
	}

	if err := conn.WriteJSON(protocol.ByeMsg{Type: protocol.TypeBye, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("send BYE: %v", err)
	}
	waitHolders(t, l, 0)
}

func TestViewerSession_Errors(t *testing.T) {
	l := startLoader(t)
	srv := httptest.NewServer(NewServer(l, Options{MovesPerSec: 0.001, MoveBurst: 2}, nil).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("send HELLO: %v", err)
	}
	if w := read[protocol.WelcomeMsg](t, conn); w.ViewerID != "viewer-S1" || w.Cube != nil {
		t.Fatalf("welcome: %+v", w)
	}

	send := func(v any) {
		t.Helper()
		raw, _ := json.Marshal(v)
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: "0.1", Seq: 1})
	if e := read[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrProtoVersion {
		t.Fatalf("version error: %+v", e)
	}

	send(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: 2, Block: [3]int{1 << 30, 0, 0}})
	if e := read[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrOutOfRange || e.Seq != 2 {
		t.Fatalf("range error: %+v", e)
	}

	send(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: 3})
	if a := read[protocol.AckMsg](t, conn); a.Type != protocol.TypeAck || a.Seq != 3 {
		t.Fatalf("ack: %+v", a)
	}

	send(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: 4})
	if e := read[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrRateLimit || e.Seq != 4 {
		t.Fatalf("rate error: %+v", e)
	}

	// Closing the socket without BYE still releases the ticket.
	_ = conn.Close()
	waitHolders(t, l, 0)
}

func TestViewerSession_RejectsBadHandshake(t *testing.T) {
	l := startLoader(t)
	srv := httptest.NewServer(NewServer(l, Options{}, nil).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestViewerName(t *testing.T) {
	if got := viewerName("  a b/c "); got != "a_b_c" {
		t.Fatalf("viewerName=%q", got)
	}
	if got := viewerName(""); got != "viewer" {
		t.Fatalf("viewerName empty=%q", got)
	}
	if got := cubeOf([3]int{-1, 15, 16}); got != [3]int{-1, 0, 1} {
		t.Fatalf("cubeOf=%v", got)
	}
}
