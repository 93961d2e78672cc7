// Package runindex maintains a queryable sqlite index of a run: one row
// per tick, the control-command audit trail, and the run summary. Writes
// are queued to a single writer goroutine so the tick loop never blocks
// on disk.
package runindex

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

	_ "modernc.org/sqlite"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/params"
	"ecosim.dev/internal/sim/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqCommand
	reqRunStart
	reqRunEnd
)

type req struct {
	kind reqKind

	tick    TickRow
	command CommandRow
	seed    int64
	pjson   string
	endTick uint64
}

// TickRow is one indexed tick.
type TickRow struct {
	Tick   uint64
	Prey   int
	Pred   int
	Births int
	Deaths int
	Kills  int
	Faults int
	StepMs float64
}

// CommandRow is one audited control command.
type CommandRow struct {
	Seq        int64
	Session    string
	Cmd        string
	Status     string
	Code       string
	RecordedAt string
}

// RunRow is the run summary.
type RunRow struct {
	Seed      int64
	Params    string
	StartedAt string
	EndedAt   string
	FinalTick uint64
}

func Open(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("runindex: empty db path")
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
		ch: make(chan req, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style workload; the index is secondary data.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`CREATE TABLE IF NOT EXISTS run (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seed INTEGER NOT NULL,
			params_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			final_tick INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			prey INTEGER NOT NULL,
			pred INTEGER NOT NULL,
			births INTEGER NOT NULL,
			deaths INTEGER NOT NULL,
			kills INTEGER NOT NULL,
			faults INTEGER NOT NULL,
			step_ms REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			cmd TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits, and closes the database.
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

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind; the runlog remains the
		// source of truth.
	}
}

// RecordRunStart stores the seed and effective parameters.
func (s *SQLiteIndex) RecordRunStart(seed int64, p params.Params) {
	b, _ := json.Marshal(p)
	s.enqueue(req{kind: reqRunStart, seed: seed, pjson: string(b)})
}

// ObserveTick implements the coordinator sink.
func (s *SQLiteIndex) ObserveTick(sum world.Summary) {
	row := TickRow{
		Tick:   sum.Tick,
		Births: sum.Births,
		Deaths: sum.Deaths,
		Kills:  sum.Kills,
		Faults: sum.Faults,
		StepMs: sum.StepMillis,
	}
	for _, a := range sum.Agents {
		if !a.Alive {
			continue
		}
		if a.Kind == protocol.KindPredator {
			row.Pred++
		} else {
			row.Prey++
		}
	}
	s.enqueue(req{kind: reqTick, tick: row})
}

// RunEnded implements the coordinator sink.
func (s *SQLiteIndex) RunEnded(finalTick uint64) {
	s.enqueue(req{kind: reqRunEnd, endTick: finalTick})
}

// RecordCommand implements the control-channel auditor.
func (s *SQLiteIndex) RecordCommand(session, cmd, status, code string) {
	s.enqueue(req{kind: reqCommand, command: CommandRow{
		Session:    session,
		Cmd:        cmd,
		Status:     status,
		Code:       code,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,prey,pred,births,deaths,kills,faults,step_ms) VALUES(?,?,?,?,?,?,?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT INTO commands(session,cmd,status,code,recorded_at) VALUES(?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO run(id,seed,params_json,started_at) VALUES(1,?,?,?)`)
	endRun, _ := s.db.Prepare(`UPDATE run SET ended_at=?, final_tick=? WHERE id=1`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertCommand, insertRun, endRun} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqTick:
			if insertTick != nil {
				t := r.tick
				_, err = tx.Stmt(insertTick).Exec(int64(t.Tick), t.Prey, t.Pred, t.Births, t.Deaths, t.Kills, t.Faults, t.StepMs)
			}
		case reqCommand:
			if insertCommand != nil {
				c := r.command
				_, err = tx.Stmt(insertCommand).Exec(c.Session, c.Cmd, c.Status, c.Code, c.RecordedAt)
			}
		case reqRunStart:
			if insertRun != nil {
				_, err = tx.Stmt(insertRun).Exec(r.seed, r.pjson, time.Now().UTC().Format(time.RFC3339Nano))
			}
		case reqRunEnd:
			if endRun != nil {
				_, err = tx.Stmt(endRun).Exec(time.Now().UTC().Format(time.RFC3339Nano), int64(r.endTick))
			}
		}
		if err != nil {
			rollback()
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

// --- read side (replay and inspection tooling) ---

func (s *SQLiteIndex) TickCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) LastTick() (TickRow, error) {
	var t TickRow
	err := s.db.QueryRow(
		`SELECT tick,prey,pred,births,deaths,kills,faults,step_ms FROM ticks ORDER BY tick DESC LIMIT 1`,
	).Scan(&t.Tick, &t.Prey, &t.Pred, &t.Births, &t.Deaths, &t.Kills, &t.Faults, &t.StepMs)
	return t, err
}

func (s *SQLiteIndex) Commands(session string) ([]CommandRow, error) {
	rows, err := s.db.Query(
		`SELECT seq,session,cmd,status,COALESCE(code,''),recorded_at FROM commands WHERE session=? ORDER BY seq`,
		session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.Seq, &c.Session, &c.Cmd, &c.Status, &c.Code, &c.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Run() (RunRow, error) {
	var r RunRow
	var ended sql.NullString
	var final sql.NullInt64
	err := s.db.QueryRow(`SELECT seed,params_json,started_at,ended_at,final_tick FROM run WHERE id=1`).
		Scan(&r.Seed, &r.Params, &r.StartedAt, &ended, &final)
	if err != nil {
		return r, err
	}
	r.EndedAt = ended.String
	r.FinalTick = uint64(final.Int64)
	return r, nil
}
