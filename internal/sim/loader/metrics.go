package loader

import "cubestream.ai/internal/sim/levels"

// Metrics is a thread-safe read-only view of key loader runtime signals.
// It is updated from the loader goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Tick uint64 `json:"tick"`

	Tickets   int `json:"tickets"`
	Holders   int `json:"holders"`
	Viewers   int `json:"viewers"`
	Observers int `json:"observers"`
	Pending   int `json:"pending"`

	SettledLastTick int    `json:"settled_last_tick"`
	SettledTotal    uint64 `json:"settled_total"`
	EventsTotal     uint64 `json:"events_total"`

	HoldersByStatus map[string]int `json:"holders_by_status"`
	QueueDepths     QueueDepths    `json:"queue_depths"`
	Graph           levels.Stats   `json:"graph"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Tickets int `json:"tickets"`
	Viewers int `json:"viewers"`
	Levels  int `json:"levels"`
}

func (l *Loader) Metrics() Metrics {
	if l == nil {
		return Metrics{}
	}
	m, _ := l.metrics.Load().(Metrics)
	return m
}

func (l *Loader) publishMetrics(settled int, stepMS float64) {
	byStatus := map[string]int{}
	for s, n := range l.mgr.CountByStatus() {
		byStatus[string(s)] = n
	}
	l.metrics.Store(Metrics{
		Tick:            l.tick,
		Tickets:         l.mgr.TicketCount(),
		Holders:         l.mgr.HolderCount(),
		Viewers:         len(l.viewers),
		Observers:       len(l.observers),
		Pending:         l.mgr.Pending(),
		SettledLastTick: settled,
		SettledTotal:    l.settledTotal,
		EventsTotal:     l.eventsTotal,
		HoldersByStatus: byStatus,
		QueueDepths: QueueDepths{
			Tickets: len(l.ticketCh),
			Viewers: len(l.viewerCh),
			Levels:  len(l.levelsCh),
		},
		Graph:  l.mgr.Stats(),
		StepMS: stepMS,
	})
}
