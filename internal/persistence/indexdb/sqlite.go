package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/loader"
)

// SQLiteIndex is a queryable read model of the commit stream. Writes are queued
// and applied in batched transactions by a single goroutine; the journal stays
// the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	runID  atomic.Value // string

	dropBatchTotal atomic.Uint64
	writeFailTotal atomic.Uint64
}

type req struct {
	runID string
	batch loader.CommitBatch
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropBatchTotal uint64 `json:"drop_batch_total"`
	WriteFailTotal uint64 `json:"write_fail_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.runID.Store("")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			loader_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			ops INTEGER NOT NULL,
			events INTEGER NOT NULL,
			settled INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			holders INTEGER NOT NULL,
			tickets INTEGER NOT NULL,
			rebuilt INTEGER NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS ticket_ops (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			ticket_type TEXT NOT NULL,
			level INTEGER NOT NULL,
			owner TEXT NOT NULL,
			changed INTEGER NOT NULL,
			error TEXT,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_ops_owner ON ticket_ops(owner, tick);`,
		`CREATE TABLE IF NOT EXISTS holder_events (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_level INTEGER NOT NULL,
			to_level INTEGER NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_holder_events_pos ON holder_events(x, z, y, tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// StartRun registers a new run and tags every later batch with its id.
func (s *SQLiteIndex) StartRun(ctx context.Context, loaderID string, tune any) (string, error) {
	raw, err := json.Marshal(tune)
	if err != nil {
		return "", fmt.Errorf("encode tuning: %w", err)
	}
	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id,loader_id,started_at,tuning_json) VALUES(?,?,?,?)`,
		id, loaderID, time.Now().UTC().Format(time.RFC3339Nano), string(raw),
	); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.runID.Store(id)
	return id, nil
}

func (s *SQLiteIndex) RunID() string {
	id, _ := s.runID.Load().(string)
	return id
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordBatch queues b. Idle ticks are skipped; batches are dropped when the
// writer falls behind.
func (s *SQLiteIndex) RecordBatch(b loader.CommitBatch) {
	if s == nil || s.closed.Load() {
		return
	}
	if len(b.Ops) == 0 && len(b.Events) == 0 && !b.Rebuilt && !b.Restored {
		return
	}
	select {
	case s.ch <- req{runID: s.RunID(), batch: b}:
	default:
		s.dropBatchTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropBatchTotal: s.dropBatchTotal.Load(),
		WriteFailTotal: s.writeFailTotal.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,ops,events,settled,pending,holders,tickets,rebuilt) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertOp, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticket_ops(run_id,tick,seq,kind,x,y,z,ticket_type,level,owner,changed,error) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO holder_events(run_id,tick,seq,kind,x,y,z,from_level,to_level,status) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertOp, insertEvent} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 5000
		commitMaxWait = 500 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFailTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFailTotal.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	write := func(r req) error {
		b := r.batch
		tick := int64(b.Tick)
		if insertTick == nil || insertOp == nil || insertEvent == nil {
			return fmt.Errorf("statements not prepared")
		}
		if _, err := tx.Stmt(insertTick).Exec(r.runID, tick, len(b.Ops), len(b.Events), b.Settled, b.Pending, b.Holders, b.Tickets, b.Rebuilt); err != nil {
			return err
		}
		opCount++
		for i, op := range b.Ops {
			if _, err := tx.Stmt(insertOp).Exec(r.runID, tick, i, string(op.Op.Kind),
				op.Op.Pos[0], op.Op.Pos[1], op.Op.Pos[2],
				op.Op.Ticket.Type.String(), op.Op.Ticket.Level, ownerOf(op.Op),
				op.Changed, nullString(op.Err),
			); err != nil {
				return err
			}
			opCount++
		}
		for i, ev := range b.Events {
			if _, err := tx.Stmt(insertEvent).Exec(r.runID, tick, i, string(ev.Kind),
				ev.Pos.X(), ev.Pos.Y(), ev.Pos.Z(), ev.From, ev.To, string(ev.Status),
			); err != nil {
				return err
			}
			opCount++
		}
		return nil
	}

	// Readers share the single connection, so an idle open transaction
	// must not outlive commitMaxWait.
	ticker := time.NewTicker(commitMaxWait / 2)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				s.writeFailTotal.Add(1)
				continue
			}
			if err := write(r); err != nil {
				rollback()
				continue
			}
			flushIfNeeded()
		case <-ticker.C:
			flushIfNeeded()
		}
	}
}

func ownerOf(op loader.TicketOp) string {
	if op.Kind == loader.OpRemoveOwner {
		return op.Owner
	}
	return op.Ticket.Owner
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// HolderEventRow is one handle change as stored in the index.
type HolderEventRow struct {
	RunID  string `json:"run_id"`
	Tick   uint64 `json:"tick"`
	Kind   string `json:"kind"`
	From   int    `json:"from"`
	To     int    `json:"to"`
	Status string `json:"status"`
}

// HolderHistory returns the most recent handle events of p, newest first.
func (s *SQLiteIndex) HolderHistory(ctx context.Context, p cube.Pos, limit int) ([]HolderEventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id,tick,kind,from_level,to_level,status FROM holder_events
		 WHERE x=? AND z=? AND y=? ORDER BY tick DESC, seq DESC LIMIT ?`,
		p.X(), p.Z(), p.Y(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HolderEventRow
	for rows.Next() {
		var r HolderEventRow
		var tick int64
		if err := rows.Scan(&r.RunID, &tick, &r.Kind, &r.From, &r.To, &r.Status); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

type RunSummary struct {
	RunID    string `json:"run_id"`
	LoaderID string `json:"loader_id"`
	Ticks    int    `json:"ticks"`
	Ops      int    `json:"ops"`
	Events   int    `json:"events"`
	LastTick uint64 `json:"last_tick"`
}

func (s *SQLiteIndex) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	sum := RunSummary{RunID: runID}
	if err := s.db.QueryRowContext(ctx, `SELECT loader_id FROM runs WHERE run_id=?`, runID).Scan(&sum.LoaderID); err != nil {
		return sum, fmt.Errorf("run %s: %w", runID, err)
	}
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(ops),0), COALESCE(SUM(events),0), COALESCE(MAX(tick),0) FROM ticks WHERE run_id=?`,
		runID).Scan(&sum.Ticks, &sum.Ops, &sum.Events, &last)
	sum.LastTick = uint64(last)
	return sum, err
}

type RunRow struct {
	RunID     string `json:"run_id"`
	LoaderID  string `json:"loader_id"`
	StartedAt string `json:"started_at"`
	Ticks     int    `json:"ticks"`
	LastTick  uint64 `json:"last_tick"`
}

// Runs lists recorded runs, most recently started first.
func (s *SQLiteIndex) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.run_id, r.loader_id, r.started_at, COUNT(t.tick), COALESCE(MAX(t.tick),0)
		 FROM runs r LEFT JOIN ticks t ON t.run_id = r.run_id
		 GROUP BY r.run_id ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		var last int64
		if err := rows.Scan(&r.RunID, &r.LoaderID, &r.StartedAt, &r.Ticks, &last); err != nil {
			return nil, err
		}
		r.LastTick = uint64(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TicketOpRow is one applied ticket op as stored in the index.
type TicketOpRow struct {
	RunID   string `json:"run_id"`
	Tick    uint64 `json:"tick"`
	Kind    string `json:"kind"`
	Pos     [3]int `json:"pos"`
	Type    string `json:"type"`
	Level   int    `json:"level"`
	Owner   string `json:"owner"`
	Changed int    `json:"changed"`
	Err     string `json:"error,omitempty"`
}

// OwnerOps returns the most recent ticket ops issued for owner, newest first.
func (s *SQLiteIndex) OwnerOps(ctx context.Context, owner string, limit int) ([]TicketOpRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id,tick,kind,x,y,z,ticket_type,level,owner,changed,error FROM ticket_ops
		 WHERE owner=? ORDER BY tick DESC, seq DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TicketOpRow
	for rows.Next() {
		var r TicketOpRow
		var tick int64
		var errText sql.NullString
		if err := rows.Scan(&r.RunID, &tick, &r.Kind, &r.Pos[0], &r.Pos[1], &r.Pos[2], &r.Type, &r.Level, &r.Owner, &r.Changed, &errText); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.Err = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}
