// Command bot drives viewer sessions against a server: each bot connects,
// says HELLO at a random block and then random-walks with MOVE messages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"cubestream.ai/internal/protocol"
)

type walkOpts struct {
	URL      string
	Name     string
	Spread   int
	Step     int
	Interval time.Duration
	Moves    int
	Seed     int64
}

type counters struct {
	acks    atomic.Int64
	errors  atomic.Int64
	changed atomic.Int64
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "viewer name prefix")
		n        = flag.Int("n", 1, "concurrent viewers")
		spread   = flag.Int("spread", 256, "start blocks are drawn from [-spread, spread] on x and z")
		step     = flag.Int("step", 24, "max blocks moved per MOVE on x and z")
		interval = flag.Duration("interval", 500*time.Millisecond, "delay between moves")
		moves    = flag.Int("moves", 0, "moves per viewer (0: until interrupted)")
		seed     = flag.Int64("seed", 0, "random seed (0: time based)")
	)
	flag.Parse()

	logger := charmlog.NewWithOptions(os.Stdout, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Prefix:          "bot",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	var c counters
	var wg sync.WaitGroup
	started := time.Now()
	for i := 0; i < *n; i++ {
		o := walkOpts{
			URL:      *url,
			Name:     fmt.Sprintf("%s%d", *name, i),
			Spread:   *spread,
			Step:     *step,
			Interval: *interval,
			Moves:    *moves,
			Seed:     *seed + int64(i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := walk(ctx, o, &c, logger.WithPrefix(o.Name)); err != nil && ctx.Err() == nil {
				logger.Error("viewer stopped", "name", o.Name, "err", err)
			}
		}()
	}
	wg.Wait()
	logger.Info("done",
		"viewers", *n,
		"acks", humanize.Comma(c.acks.Load()),
		"errors", humanize.Comma(c.errors.Load()),
		"ticket_changes", humanize.Comma(c.changed.Load()),
		"elapsed", time.Since(started).Round(time.Millisecond))
}

// walk runs one viewer session until ctx ends or o.Moves moves were acked.
func walk(ctx context.Context, o walkOpts, c *counters, logger *charmlog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	r := rand.New(rand.NewSource(o.Seed))
	block := [3]int{r.Intn(2*o.Spread+1) - o.Spread, 0, r.Intn(2*o.Spread+1) - o.Spread}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ViewerName:      o.Name,
		Block:           &block,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	var w protocol.WelcomeMsg
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&w); err != nil {
		return fmt.Errorf("read WELCOME: %w", err)
	}
	if w.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected WELCOME, got %s", w.Type)
	}
	logger.Info("WELCOME", "viewer", w.ViewerID, "loader", w.LoaderID, "ticket_level", w.Params.TicketLevel, "cube", w.Cube)

	// Interrupts close the socket; the server releases the ticket on close.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	t := time.NewTicker(o.Interval)
	defer t.Stop()
	for seq := uint64(1); o.Moves == 0 || seq <= uint64(o.Moves); seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		block[0] += r.Intn(2*o.Step+1) - o.Step
		block[2] += r.Intn(2*o.Step+1) - o.Step
		mv := protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, Seq: seq, Block: block}
		if err := conn.WriteJSON(mv); err != nil {
			return fmt.Errorf("send MOVE: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			c.acks.Add(1)
			c.changed.Add(int64(ack.Changed))
			logger.Debug("ACK", "seq", ack.Seq, "tick", ack.Tick, "cube", ack.Cube, "changed", ack.Changed)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			c.errors.Add(1)
			logger.Warn("ERROR", "seq", e.Seq, "code", e.Code, "msg", e.Message)
		}
	}
	_ = conn.WriteJSON(protocol.ByeMsg{Type: protocol.TypeBye, ProtocolVersion: protocol.Version})
	return nil
}
