package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cubestream.ai/internal/observerproto"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/sim/mathx"
)

type Options struct {
	// SubscribesPerSec and SubscribeBurst limit SUBSCRIBE updates per
	// connection after the handshake. Excess updates are dropped.
	SubscribesPerSec float64
	SubscribeBurst   int
}

type Server struct {
	loader *loader.Loader
	log    *charmlog.Logger
	opts   Options

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(l *loader.Loader, opts Options, logger *charmlog.Logger) *Server {
	if logger == nil {
		logger = charmlog.NewWithOptions(io.Discard, charmlog.Options{})
	}
	if opts.SubscribesPerSec <= 0 {
		opts.SubscribesPerSec = 2
	}
	if opts.SubscribeBurst <= 0 {
		opts.SubscribeBurst = 4
	}
	return &Server{
		loader: l,
		log:    logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// BootstrapHandler serves the levels of the cells within r (Chebyshev) of c.
// Query: c=x,y,z (default origin), r=N (clamped to the observer max radius).
func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.loader.Config()
		q := r.URL.Query()
		center, err := parseCenter(q.Get("c"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		radius := 0
		if v := q.Get("r"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(rw, "bad r", http.StatusBadRequest)
				return
			}
			radius = n
		}
		radius = mathx.MinInt(radius, cfg.ObserverMaxRadius)
		box, ok := boxAround(center, radius)
		if !ok {
			http.Error(rw, "center out of range", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		res, err := s.loader.RequestLevels(ctx, box)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			LoaderID:        cfg.ID,
			Tick:            res.Tick,
			Params: observerproto.LoaderParams{
				TickRateHz:   cfg.TickRateHz,
				MaxLevel:     cfg.MaxLevel,
				Metric:       string(cfg.Neighborhood.Metric()),
				Radius:       cfg.Neighborhood.Radius(),
				ViewDistance: cfg.ViewDistance,
				CubeSize:     cube.Size,
			},
			Cells: make([]observerproto.CellState, 0, len(res.Holders)),
		}
		for _, h := range res.Holders {
			resp.Cells = append(resp.Cells, observerproto.CellState{
				Pos:    h.Pos.Coords(),
				Level:  h.Level,
				Status: string(h.Status),
			})
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 64)

		joinReq := loader.ObserverJoinRequest{
			SessionID: sid,
			Out:       out,
			Center:    sub.Center,
			Radius:    sub.Radius,
		}
		select {
		case s.loader.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		s.log.Debug("observer connected", "session", sid, "center", sub.Center, "radius", sub.Radius)
		defer func() {
			select {
			case s.loader.ObserverLeave() <- sid:
			default:
				// Loader is stopping; it closes every observer channel itself.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "loader stopped"), time.Now().Add(time.Second))
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		lim := rate.NewLimiter(rate.Limit(s.opts.SubscribesPerSec), s.opts.SubscribeBurst)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			if !lim.Allow() {
				s.log.Debug("observer subscribe dropped", "session", sid)
				continue
			}
			req := loader.ObserverSubscribeRequest{
				SessionID: sid,
				Center:    sub.Center,
				Radius:    sub.Radius,
			}
			select {
			case s.loader.ObserverSubscribe() <- req:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.Radius < 0 {
		sub.Radius = 0
	}
	return sub, true
}

func parseCenter(s string) ([3]int, error) {
	var c [3]int
	if s == "" {
		return c, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return c, fmt.Errorf("bad c: want x,y,z")
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return c, fmt.Errorf("bad c: %w", err)
		}
		c[i] = n
	}
	return c, nil
}

func boxAround(c [3]int, r int) (cube.Box, bool) {
	if !cube.InRange(c[0]-r, c[1]-r, c[2]-r) || !cube.InRange(c[0]+r, c[1]+r, c[2]+r) {
		return cube.Box{}, false
	}
	return cube.BoxAround(cube.FromCoords(c), r), true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
