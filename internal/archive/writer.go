package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/chatlink/internal/connection"
)

// ErrStopped is returned by Start on a writer that has already been stopped.
var ErrStopped = errors.New("archive writer stopped")

const insertSQL = `
	INSERT INTO chat_messages (id, conn_id, room, received_at, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// DB sends batches. *pgxpool.Pool implements it.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds batching settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before being written
	BufferSize    int           // Queued rows before Record starts dropping
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64 // Rejected by Record because the queue was full or the writer stopped
	Errors    int64 // Failed batches
	Flushes   int64
}

// Entry is one archived message.
type Entry struct {
	ID         uuid.UUID
	ConnID     uuid.UUID
	Room       string
	ReceivedAt time.Time
	Payload    []byte
}

// Writer batches entries into the chat_messages table.
type Writer struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	input   chan Entry
	stopped atomic.Bool

	// Batching
	batch   []Entry
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
	dropped atomic.Int64
}

// NewWriter creates a Writer. Zero config fields take the defaults.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "archive"),
		input:  make(chan Entry, cfg.BufferSize),
		batch:  make([]Entry, 0, cfg.BatchSize),
	}
}

// Record queues a received message. It never blocks; it returns false when the
// message was dropped.
func (w *Writer) Record(connID uuid.UUID, room string, msg connection.Message) bool {
	if w.stopped.Load() {
		w.dropped.Add(1)
		return false
	}

	e := Entry{
		ID:         uuid.New(),
		ConnID:     connID,
		Room:       room,
		ReceivedAt: msg.ReceivedAt,
		Payload:    msg.Payload,
	}

	select {
	case w.input <- e:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("archive queue full, dropping message", "room", room)
		return false
	}
}

// Start begins consuming queued entries.
func (w *Writer) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return ErrStopped
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue and writes what is left. ctx bounds the final flush.
func (w *Writer) Stop(ctx context.Context) error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

	// Entries queued after the loop exited
drain:
	for {
		select {
		case e := <-w.input:
			w.add(e)
		default:
			break drain
		}
	}

	w.flush(ctx)

	s := w.Stats()
	w.logger.Info("archive writer stopped",
		"inserts", s.Inserts,
		"dropped", s.Dropped,
		"errors", s.Errors,
	)
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	s := w.stats
	w.statsMu.Unlock()
	s.Dropped = w.dropped.Load()
	return s
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case e := <-w.input:
			if w.add(e) {
				w.flush(context.WithoutCancel(w.ctx))
			}
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(context.WithoutCancel(w.ctx))
		}
	}
}

// add appends e to the batch and reports whether the batch is full.
func (w *Writer) add(e Entry) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, e)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Entry, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.statsMu.Lock()
		w.stats.Errors++
		w.statsMu.Unlock()
		return
	}

	w.statsMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.statsMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *Writer) batchInsert(ctx context.Context, rows []Entry) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.ConnID, r.Room, r.ReceivedAt, string(r.Payload))
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
