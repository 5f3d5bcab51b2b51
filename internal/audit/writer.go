package audit

/*
Writer: асинхронный журнал аудита с пакетной записью.

- Порядок: Seq назначается под мьютексом вместе с постановкой в канал, поэтому
  порядок в хранилище совпадает с порядком возникновения событий.
- Batching: накопление в памяти и пакетная вставка по таймеру или по размеру пачки.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
- Backpressure: журнал только дополняется, поэтому при переполненном буфере Emit
  ждет место ограниченное время, затем пишет событие в хранилище сам, в обход пачки.
  Seq сохраняет порядок, даже если такое событие легло раньше стоящих в очереди.
  Только если и прямая запись не удалась, событие уходит в системный лог и
  учитывается в Dropped.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз, порядок внутри пачки значим.
	WriteBatch(ctx context.Context, events []Event) error
}

type WriterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	EnqueueWait   time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = 100 * time.Millisecond
	}
	return c
}

type Writer struct {
	cfg     WriterConfig
	ch      chan Event
	storage Storage
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex // защищает seq, closed и отправку в ch
	seq    uint64
	closed bool
	now    func() time.Time

	direct  atomic.Uint64
	dropped atomic.Uint64
}

func NewWriter(storage Storage, cfg WriterConfig, logger *zap.Logger) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		cfg:     cfg,
		ch:      make(chan Event, cfg.BufferSize),
		storage: storage,
		logger:  logger.With(zap.String("mod", "audit")),
		now:     time.Now,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Emit реализует Sink.
func (w *Writer) Emit(ctx context.Context, e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.dropped.Add(1)
		w.logger.Warn("audit event dropped: writer is stopping",
			zap.String("kind", string(e.Kind)), zap.String("subject", e.SubjectID))
		return
	}

	w.seq++
	e.Seq = w.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	if e.TraceID == "" {
		e.TraceID = TraceID(ctx)
	}

	select {
	case w.ch <- e:
		return
	default:
	}

	timer := time.NewTimer(w.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case w.ch <- e:
	case <-timer.C:
		// Под мьютексом: остальные Emit ждут, пока событие не запишется
		err := w.storage.WriteBatch(context.WithoutCancel(ctx), []Event{e})
		if err == nil {
			w.direct.Add(1)
			w.logger.Warn("audit buffer full: event written directly",
				zap.Uint64("seq", e.Seq), zap.String("kind", string(e.Kind)))
			return
		}
		// Последний рубеж: событие уходит хотя бы в системный лог.
		w.dropped.Add(1)
		w.logger.Error("audit_buffer_overflow",
			zap.Uint64("seq", e.Seq),
			zap.String("kind", string(e.Kind)),
			zap.String("subject", e.SubjectID),
			zap.String("from", e.From),
			zap.String("to", e.To),
			zap.String("trace_id", e.TraceID),
			zap.Error(err),
		)
	}
}

// Len: текущая заполненность буфера (для метрики backpressure).
func (w *Writer) Len() int { return len(w.ch) }

// Direct: сколько событий записано в обход переполненного буфера.
func (w *Writer) Direct() uint64 { return w.direct.Load() }

// Dropped: сколько событий не попало в хранилище вовсе.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Stop запирает вход и ждет, пока воркер всё допишет.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	w.logger.Info("stopping audit writer: flushing buffer")
	w.wg.Wait()
	w.logger.Info("audit writer stopped")
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]Event, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := w.storage.WriteBatch(context.Background(), batch); err != nil {
			w.logger.Error("audit flush failed",
				zap.Int("events", len(batch)),
				zap.Uint64("first_seq", batch[0].Seq),
				zap.Error(err))
		}
		batch = make([]Event, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
