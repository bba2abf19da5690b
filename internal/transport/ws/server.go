package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cubestream.ai/internal/protocol"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/mathx"
)

type Options struct {
	// MovesPerSec and MoveBurst limit MOVE messages per connection. Excess
	// moves are answered with E_RATE_LIMIT.
	MovesPerSec float64
	MoveBurst   int
}

// Server runs viewer sessions. Each connection owns one viewer, and with it
// one PLAYER ticket that follows the viewer's cube until the socket closes.
type Server struct {
	loader *loader.Loader
	log    *charmlog.Logger
	opts   Options

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	sessions atomic.Int64
}

func NewServer(l *loader.Loader, opts Options, logger *charmlog.Logger) *Server {
	if logger == nil {
		logger = charmlog.NewWithOptions(io.Discard, charmlog.Options{})
	}
	if opts.MovesPerSec <= 0 {
		opts.MovesPerSec = 10
	}
	if opts.MoveBurst <= 0 {
		opts.MoveBurst = 20
	}
	return &Server{
		loader: l,
		log:    logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Sessions reports the number of open viewer connections.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		viewerID, out := s.handshake(conn)
		if viewerID == "" {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		defer s.leave(viewerID)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		lim := rate.NewLimiter(rate.Limit(s.opts.MovesPerSec), s.opts.MoveBurst)
		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				enqueue(out, errorMsg(0, protocol.ErrProtoBadRequest, "malformed json"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				enqueue(out, errorMsg(0, protocol.ErrProtoVersion, "bad protocol_version"))
				continue
			}
			switch base.Type {
			case protocol.TypeBye:
				cancel()
			case protocol.TypeMove:
				var mv protocol.MoveMsg
				if err := json.Unmarshal(msg, &mv); err != nil {
					enqueue(out, errorMsg(0, protocol.ErrProtoBadRequest, "bad MOVE"))
					continue
				}
				if !lim.Allow() {
					enqueue(out, errorMsg(mv.Seq, protocol.ErrRateLimit, "too many moves"))
					continue
				}
				enqueue(out, s.move(ctx, viewerID, mv))
			default:
				enqueue(out, errorMsg(0, protocol.ErrProtoBadRequest, "unexpected "+base.Type))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}

func (s *Server) handshake(conn *websocket.Conn) (viewerID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	out = make(chan []byte, mathx.MinInt(maxQ, 64))

	sid := fmt.Sprintf("S%d", s.nextID.Add(1))
	viewerID = viewerName(hello.ViewerName) + "-" + sid
	cfg := s.loader.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		ViewerID:        viewerID,
		LoaderID:        cfg.ID,
		Tick:            s.loader.CurrentTick(),
		Params: protocol.ViewParams{
			TickRateHz:   cfg.TickRateHz,
			MaxLevel:     cfg.MaxLevel,
			ViewDistance: cfg.ViewDistance,
			TicketLevel:  cfg.MaxLevel - cfg.ViewDistance,
			CubeSize:     cube.Size,
		},
	}

	if hello.Block != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := s.loader.RequestViewer(ctx, loader.ViewerOp{Kind: loader.ViewerMove, ID: viewerID, Block: *hello.Block})
		cancel()
		if err != nil || res.Err != "" {
			reason := res.Err
			if err != nil {
				reason = err.Error()
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncate(reason, 100)), time.Now().Add(time.Second))
			return "", nil
		}
		c := cubeOf(*hello.Block)
		welcome.Cube = &c
		welcome.Tick = res.Tick
	}

	if err := writeJSON(conn, welcome); err != nil {
		s.leave(viewerID)
		return "", nil
	}
	s.log.Debug("viewer connected", "viewer", viewerID, "block", hello.Block)
	return viewerID, out
}

func (s *Server) move(ctx context.Context, viewerID string, mv protocol.MoveMsg) []byte {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := s.loader.RequestViewer(ctx, loader.ViewerOp{Kind: loader.ViewerMove, ID: viewerID, Block: mv.Block})
	switch {
	case errors.Is(err, loader.ErrStopped):
		return errorMsg(mv.Seq, protocol.ErrLoaderStopped, err.Error())
	case err != nil:
		return errorMsg(mv.Seq, protocol.ErrLoaderBusy, err.Error())
	case strings.Contains(res.Err, "out of range"):
		return errorMsg(mv.Seq, protocol.ErrOutOfRange, res.Err)
	case res.Err != "":
		return errorMsg(mv.Seq, protocol.ErrBadRequest, res.Err)
	}
	b, _ := json.Marshal(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Seq:             mv.Seq,
		Tick:            res.Tick,
		Cube:            cubeOf(mv.Block),
		Changed:         res.Changed,
	})
	return b
}

// leave releases the viewer ticket. It runs after the connection context is
// gone, so it uses its own deadline.
func (s *Server) leave(viewerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.loader.RequestViewer(ctx, loader.ViewerOp{Kind: loader.ViewerLeave, ID: viewerID}); err != nil && !errors.Is(err, loader.ErrStopped) {
		s.log.Warn("viewer leave", "viewer", viewerID, "err", err)
		return
	}
	s.log.Debug("viewer left", "viewer", viewerID)
}

func cubeOf(block [3]int) [3]int {
	return [3]int{
		mathx.FloorDiv(block[0], cube.Size),
		mathx.FloorDiv(block[1], cube.Size),
		mathx.FloorDiv(block[2], cube.Size),
	}
}

func viewerName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "viewer"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	return truncate(name, 32)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errorMsg(seq uint64, code, text string) []byte {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Code:            code,
		Message:         text,
	})
	return b
}

// enqueue drops the oldest reply when the client is not draining.
func enqueue(ch chan []byte, b []byte) {
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

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
