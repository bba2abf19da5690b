package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cubestream.ai/internal/persistence/indexdb"
	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/transport/observer"
	"cubestream.ai/internal/transport/ws"
)

const requestTimeout = 5 * time.Second

// newRouter wires health, metrics, viewer sessions and the loopback-only admin
// API. idx, obs, vs and logger may be nil.
func newRouter(l *loader.Loader, idx *indexdb.SQLiteIndex, obs *observer.Server, vs *ws.Server, logger *charmlog.Logger) chi.Router {
	if logger == nil {
		logger = charmlog.NewWithOptions(io.Discard, charmlog.Options{})
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Handle("/metrics", metricsHandler(l, idx, vs))
	if vs != nil {
		r.Get("/v1/ws", vs.Handler())
	}

	a := &adminAPI{loader: l, idx: idx, log: logger}
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Get("/state", a.state)
		r.Post("/tickets", a.ticket)
		r.Post("/viewers", a.viewer)
		r.Get("/levels", a.levels)
		r.Post("/rebuild", a.rebuild)
		r.Get("/holders/{x}/{y}/{z}/history", a.history)
		r.Get("/owners/{owner}/ops", a.ownerOps)
		if obs != nil {
			r.Get("/observer/bootstrap", obs.BootstrapHandler())
			r.Get("/observer/ws", obs.WSHandler())
		}
	})
	return r
}

type adminAPI struct {
	loader *loader.Loader
	idx    *indexdb.SQLiteIndex
	log    *charmlog.Logger
}

func (a *adminAPI) state(rw http.ResponseWriter, r *http.Request) {
	resp := struct {
		LoaderID string         `json:"loader_id"`
		Tick     uint64         `json:"tick"`
		Metrics  loader.Metrics `json:"metrics"`
		Index    *indexdb.Stats `json:"index,omitempty"`
		RunID    string         `json:"run_id,omitempty"`
	}{
		LoaderID: a.loader.ID(),
		Tick:     a.loader.CurrentTick(),
		Metrics:  a.loader.Metrics(),
	}
	if a.idx != nil {
		st := a.idx.Stats()
		resp.Index = &st
		resp.RunID = a.idx.RunID()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminAPI) ticket(rw http.ResponseWriter, r *http.Request) {
	var op loader.TicketOp
	if err := decodeBody(rw, r, &op); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := a.loader.RequestTicket(ctx, op)
	a.writeResult(rw, res, err)
}

func (a *adminAPI) viewer(rw http.ResponseWriter, r *http.Request) {
	var op loader.ViewerOp
	if err := decodeBody(rw, r, &op); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := a.loader.RequestViewer(ctx, op)
	a.writeResult(rw, res, err)
}

func (a *adminAPI) rebuild(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := a.loader.RequestRebuild(ctx)
	a.writeResult(rw, res, err)
}

// levels serves ?min=x,y,z&max=x,y,z. The box volume is capped.
func (a *adminAPI) levels(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lo, err1 := parseVec(q.Get("min"))
	hi, err2 := parseVec(q.Get("max"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if !cube.InRange(lo[0], lo[1], lo[2]) || !cube.InRange(hi[0], hi[1], hi[2]) {
		writeError(rw, http.StatusBadRequest, errors.New("box outside the cube range"))
		return
	}
	box := cube.Box{Min: lo, Max: hi}
	if !box.Valid() || box.Volume() > 1<<20 {
		writeError(rw, http.StatusBadRequest, errors.New("box must be non-empty and at most 1M cells"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := a.loader.RequestLevels(ctx, box)
	if err != nil {
		writeError(rw, statusFor(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (a *adminAPI) history(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeError(rw, http.StatusNotFound, errors.New("commit index disabled"))
		return
	}
	var c [3]int
	for i, key := range []string{"x", "y", "z"} {
		n, err := strconv.Atoi(chi.URLParam(r, key))
		if err != nil {
			writeError(rw, http.StatusBadRequest, err)
			return
		}
		c[i] = n
	}
	if !cube.InRange(c[0], c[1], c[2]) {
		writeError(rw, http.StatusBadRequest, errors.New("position out of range"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.idx.HolderHistory(r.Context(), cube.FromCoords(c), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

func (a *adminAPI) ownerOps(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeError(rw, http.StatusNotFound, errors.New("commit index disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.idx.OwnerOps(r.Context(), chi.URLParam(r, "owner"), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

func (a *adminAPI) writeResult(rw http.ResponseWriter, res loader.OpResult, err error) {
	if err != nil {
		writeError(rw, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if res.Err != "" {
		status = http.StatusUnprocessableEntity
		a.log.Debug("admin op rejected", "tick", res.Tick, "err", res.Err)
	}
	writeJSON(rw, status, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, loader.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func parseVec(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, errors.New("want x,y,z")
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
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
