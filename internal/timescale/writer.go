package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pm-keeper/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OutcomeRow is one batch submission result.
type OutcomeRow struct {
	Time     time.Time
	CycleID  string
	Op       string
	Batch    int
	Size     int
	TxHash   string
	Status   string
	Kind     string
	Nonce    uint64
	GasUsed  uint64
	GasLimit uint64
	Attempt  int
	Endpoint string
	Detail   string
}

// PhaseRow is the tally of one phase of one cycle.
type PhaseRow struct {
	Time       time.Time
	CycleID    string
	Op         string
	Items      int
	Batches    int
	Succeeded  int
	Failed     int
	Skipped    int
	ReadErr    string
	Cancelled  bool
	DurationMS int64
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	outcomes    chan OutcomeRow
	phases      chan PhaseRow
	started     atomic.Bool
	dropOutcome atomic.Uint64
	dropPhase   atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		outcomes: make(chan OutcomeRow, queueSize),
		phases:   make(chan PhaseRow, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close stops the writer, waits for queued rows to be flushed and then
// closes the database.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
		if w.db != nil {
			w.closeErr = w.db.Close()
		}
	})
	return w.closeErr
}

func (w *Writer) EnqueueOutcome(row OutcomeRow) {
	if w == nil {
		return
	}
	select {
	case w.outcomes <- row:
	default:
		if w.dropOutcome.Add(1) == 1 {
			w.log.Warn("timescale outcome queue full")
		}
	}
}

func (w *Writer) EnqueuePhase(row PhaseRow) {
	if w == nil {
		return
	}
	select {
	case w.phases <- row:
	default:
		if w.dropPhase.Add(1) == 1 {
			w.log.Warn("timescale phase queue full")
		}
	}
}

// Dropped reports rows discarded because a queue was full.
func (w *Writer) Dropped() (outcomes, phases uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropOutcome.Load(), w.dropPhase.Load()
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stop:
			w.drain()
			return
		case row := <-w.outcomes:
			w.writeOutcome(ctx, row)
		case row := <-w.phases:
			w.writePhase(ctx, row)
		}
	}
}

// drain flushes what was queued before shutdown.
func (w *Writer) drain() {
	ctx := context.Background()
	for {
		select {
		case row := <-w.outcomes:
			w.writeOutcome(ctx, row)
		case row := <-w.phases:
			w.writePhase(ctx, row)
		default:
			return
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.createTables(ctx); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"submission_outcomes", "phase_tallies"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) createTables(ctx context.Context) error {
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id UUID NOT NULL,
		op TEXT NOT NULL,
		batch INTEGER NOT NULL,
		size INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		nonce BIGINT NOT NULL,
		gas_used BIGINT NOT NULL,
		gas_limit BIGINT NOT NULL,
		attempt INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("submission_outcomes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_id UUID NOT NULL,
		op TEXT NOT NULL,
		items INTEGER NOT NULL,
		batches INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		read_err TEXT NOT NULL DEFAULT '',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (ts, cycle_id, op)
	)`, w.table("phase_tallies"))); err != nil {
		return err
	}
	return nil
}

func (w *Writer) writeOutcome(ctx context.Context, row OutcomeRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, op, batch, size, tx_hash, status, kind, nonce, gas_used, gas_limit, attempt, endpoint, detail
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("submission_outcomes"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.CycleID,
		row.Op,
		row.Batch,
		row.Size,
		row.TxHash,
		row.Status,
		row.Kind,
		int64(row.Nonce),
		int64(row.GasUsed),
		int64(row.GasLimit),
		row.Attempt,
		row.Endpoint,
		row.Detail,
	); err != nil {
		w.log.Warn("timescale outcome insert failed", zap.Error(err))
	}
}

func (w *Writer) writePhase(ctx context.Context, row PhaseRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_id, op, items, batches, succeeded, failed, skipped, read_err, cancelled, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)
	ON CONFLICT (ts, cycle_id, op) DO NOTHING`, w.table("phase_tallies"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.CycleID,
		row.Op,
		row.Items,
		row.Batches,
		row.Succeeded,
		row.Failed,
		row.Skipped,
		row.ReadErr,
		row.Cancelled,
		row.DurationMS,
	); err != nil {
		w.log.Warn("timescale phase insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
