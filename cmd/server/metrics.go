package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cubestream.ai/internal/persistence/indexdb"
	"cubestream.ai/internal/sim/holders"
	"cubestream.ai/internal/sim/loader"
	"cubestream.ai/internal/transport/ws"
)

// metricsHandler exposes the published loader snapshot. Every value is read
// from loader.Metrics at scrape time; nothing here touches the loader's state.
func metricsHandler(l *loader.Loader, idx *indexdb.SQLiteIndex, vs *ws.Server) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	labels := prometheus.Labels{"loader": l.ID()}

	gauge := func(name, help string, v func(loader.Metrics) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels}, func() float64 {
			return v(l.Metrics())
		})
	}
	counter := func(name, help string, v func(loader.Metrics) float64) {
		f.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, func() float64 {
			return v(l.Metrics())
		})
	}

	gauge("cubestream_loader_tick", "Current loader tick.", func(m loader.Metrics) float64 { return float64(m.Tick) })
	gauge("cubestream_tickets", "Live tickets.", func(m loader.Metrics) float64 { return float64(m.Tickets) })
	gauge("cubestream_holders", "Live cell handles.", func(m loader.Metrics) float64 { return float64(m.Holders) })
	gauge("cubestream_viewers", "Tracked viewers.", func(m loader.Metrics) float64 { return float64(m.Viewers) })
	gauge("cubestream_observers", "Connected observers.", func(m loader.Metrics) float64 { return float64(m.Observers) })
	gauge("cubestream_pending_cells", "Queued propagation entries.", func(m loader.Metrics) float64 { return float64(m.Pending) })
	gauge("cubestream_settled_last_tick", "Level changes committed by the last tick.", func(m loader.Metrics) float64 { return float64(m.SettledLastTick) })
	gauge("cubestream_step_ms", "Last tick step duration in milliseconds.", func(m loader.Metrics) float64 { return m.StepMS })

	counter("cubestream_settled_total", "Level changes committed.", func(m loader.Metrics) float64 { return float64(m.SettledTotal) })
	counter("cubestream_events_total", "Handle events emitted.", func(m loader.Metrics) float64 { return float64(m.EventsTotal) })
	counter("cubestream_graph_processed_total", "Queue entries processed by the level graph.", func(m loader.Metrics) float64 { return float64(m.Graph.Processed) })
	counter("cubestream_graph_escalated_total", "Decreases re-queued as increases.", func(m loader.Metrics) float64 { return float64(m.Graph.Escalated) })

	for _, st := range holders.Statuses {
		key := string(st)
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "cubestream_holders_by_status",
			Help:        "Live cell handles per load status.",
			ConstLabels: prometheus.Labels{"loader": l.ID(), "status": key},
		}, func() float64 { return float64(l.Metrics().HoldersByStatus[key]) })
	}
	for _, q := range []string{"tickets", "viewers", "levels"} {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "cubestream_queue_depth",
			Help:        "Request channel backlog depth.",
			ConstLabels: prometheus.Labels{"loader": l.ID(), "queue": q},
		}, func() float64 {
			d := l.Metrics().QueueDepths
			switch q {
			case "tickets":
				return float64(d.Tickets)
			case "viewers":
				return float64(d.Viewers)
			default:
				return float64(d.Levels)
			}
		})
	}

	if vs != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{Name: "cubestream_viewer_sessions", Help: "Open viewer websocket sessions.", ConstLabels: labels}, func() float64 {
			return float64(vs.Sessions())
		})
	}
	if idx != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{Name: "cubestream_index_queue_depth", Help: "Commit index write queue depth."}, func() float64 {
			return float64(idx.Stats().QueueDepth)
		})
		f.NewCounterFunc(prometheus.CounterOpts{Name: "cubestream_index_dropped_batches_total", Help: "Batches dropped because the index queue was full."}, func() float64 {
			return float64(idx.Stats().DropBatchTotal)
		})
		f.NewCounterFunc(prometheus.CounterOpts{Name: "cubestream_index_write_failures_total", Help: "Failed index transactions."}, func() float64 {
			return float64(idx.Stats().WriteFailTotal)
		})
	}

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
