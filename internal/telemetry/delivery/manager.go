// Package delivery owns the client-side event buffer and ships it to the event sink.
//
// Four triggers drain the buffer: it reaching capacity, a periodic tick, the end of the session,
// and the page going away. Only one upload runs at a time; a buffer that fills while one is
// running is queued whole and shipped by the same upload before it gives up the slot. A failed
// upload is put back in front of whatever arrived meanwhile, so records reach the sink at least
// once and in order.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/domain"
	"simlab-telemetry/internal/telemetry/metrics"
)

// DefaultMaxBufferSize is the buffer capacity when none is configured.
const DefaultMaxBufferSize = 50

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("delivery: manager closed")

// Trigger names what started a flush.
type Trigger string

const (
	TriggerSize       Trigger = "size"
	TriggerInterval   Trigger = "interval"
	TriggerEndSession Trigger = "end_session"
	TriggerExit       Trigger = "exit"
	TriggerManual     Trigger = "manual"
)

// Options configures a Manager.
type Options struct {
	SessionID     string
	MaxBufferSize int           // zero means DefaultMaxBufferSize
	Interval      time.Duration // periodic flush; zero disables the ticker
	ExitTimeout   time.Duration // bound on unload-time uploads; zero means telemetry.DefaultDeliverTimeout
	Logger        *slog.Logger
	Metrics       *metrics.Instruments
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Buffered  int
	Queued    int // records in full batches waiting behind the running upload
	Delivered int
	Dropped   int
	Failures  int
	Uploading bool
}

// Manager buffers records for one session and uploads them to a sink. Thread-safe.
type Manager struct {
	sink        telemetry.BatchSink
	sessionID   string
	max         int
	interval    time.Duration
	exitTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Instruments

	// slot admits one upload at a time. queued is non-empty only while the slot is held, and the
	// holder drains it before releasing.
	slot chan struct{}

	mu        sync.Mutex
	buf       []domain.Record
	queued    [][]domain.Record
	delivered int
	dropped   int
	failures  int
	closed    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a manager uploading to sink. Call Start to run the periodic flush.
func New(sink telemetry.BatchSink, opts Options) *Manager {
	max := opts.MaxBufferSize
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	exitTimeout := opts.ExitTimeout
	if exitTimeout <= 0 {
		exitTimeout = telemetry.DefaultDeliverTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sink:        sink,
		sessionID:   opts.SessionID,
		max:         max,
		interval:    opts.Interval,
		exitTimeout: exitTimeout,
		logger:      logger,
		metrics:     opts.Metrics,
		slot:        make(chan struct{}, 1),
		buf:         make([]domain.Record, 0, max),
		stop:        make(chan struct{}),
	}
}

// MaxBufferSize returns the buffer capacity.
func (m *Manager) MaxBufferSize() int { return m.max }

// Start runs the periodic flush until Close. No-op without an interval.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				_ = m.Flush(context.Background(), TriggerInterval)
			}
		}
	}()
}

// Add appends rec. Reaching capacity takes the whole buffer as a batch: it is uploaded at once,
// or queued behind the running upload.
func (m *Manager) Add(rec domain.Record) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.buf = append(m.buf, rec)
	if len(m.buf) < m.max {
		m.mu.Unlock()
		return nil
	}
	snapshot := m.takeLocked()
	if !m.tryAcquire() {
		m.queued = append(m.queued, snapshot)
		waiting := len(m.queued)
		m.mu.Unlock()
		m.logger.Debug("delivery: buffer full while uploading, batch queued", "queued_batches", waiting)
		return nil
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = m.upload(context.Background(), TriggerSize, snapshot)
	}()
	return nil
}

// Flush uploads the current buffer. It is a no-op when the buffer is empty or another upload is
// running; in the latter case buffered records ship with the next trigger.
func (m *Manager) Flush(ctx context.Context, trigger Trigger) error {
	if !m.tryAcquire() {
		return nil
	}
	m.mu.Lock()
	snapshot := m.takeOrNextLocked()
	m.mu.Unlock()
	if snapshot == nil {
		return nil
	}
	return m.upload(ctx, trigger, snapshot)
}

// ForceFlush waits for any running upload, then uploads the buffer and returns once that attempt
// settles. Used at the end of a session.
func (m *Manager) ForceFlush(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	snapshot := m.takeOrNextLocked()
	m.mu.Unlock()
	if snapshot == nil {
		return nil
	}
	return m.upload(ctx, TriggerEndSession, snapshot)
}

// FlushOnExit starts a best-effort upload for a page that is going away and returns immediately.
// The upload runs on a background context bounded by the exit timeout.
func (m *Manager) FlushOnExit() {
	if !m.tryAcquire() {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.releaseLocked()
		m.mu.Unlock()
		return
	}
	snapshot := m.takeOrNextLocked()
	if snapshot == nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.Flushed(context.Background(), string(TriggerExit))
	telemetry.DeliverAsync(m.sink, m.batch(snapshot), m.exitTimeout, func(err error) {
		defer m.wg.Done()
		if next := m.settle(TriggerExit, snapshot, err); next != nil {
			_ = m.upload(context.Background(), TriggerSize, next)
		}
	})
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := 0
	for _, q := range m.queued {
		queued += len(q)
	}
	return Stats{
		Buffered:  len(m.buf),
		Queued:    queued,
		Delivered: m.delivered,
		Dropped:   m.dropped,
		Failures:  m.failures,
		Uploading: len(m.slot) > 0,
	}
}

// Buffered returns the number of records waiting for upload.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close stops the periodic flush, rejects further records and waits for running uploads, including
// the batches queued behind them. The buffer is not flushed; call ForceFlush first.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) tryAcquire() bool {
	select {
	case m.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// releaseLocked frees the slot. Called with m.mu held so that Add, which queues under m.mu when
// the slot is busy, never strands a batch.
func (m *Manager) releaseLocked() { <-m.slot }

// takeOrNextLocked is called by the new slot holder. Batches queued while it was acquiring the
// slot are older than the buffer, so the buffer joins the back of the queue and the oldest batch is
// returned. It releases the slot and returns nil when there is nothing to ship.
func (m *Manager) takeOrNextLocked() []domain.Record {
	if len(m.buf) > 0 {
		if len(m.queued) == 0 {
			return m.takeLocked()
		}
		m.queued = append(m.queued, m.takeLocked())
	}
	return m.nextLocked()
}

// nextLocked pops the oldest queued batch, or releases the slot when none is waiting.
func (m *Manager) nextLocked() []domain.Record {
	if len(m.queued) == 0 {
		m.releaseLocked()
		return nil
	}
	next := m.queued[0]
	m.queued = m.queued[1:]
	return next
}

// takeLocked snapshots and clears the buffer. Called with m.mu held.
func (m *Manager) takeLocked() []domain.Record {
	snapshot := m.buf
	m.buf = make([]domain.Record, 0, m.max)
	return snapshot
}

func (m *Manager) batch(snapshot []domain.Record) *domain.Batch {
	return &domain.Batch{SessionID: m.sessionID, Events: snapshot}
}

// upload delivers snapshot, then every batch queued behind it, while holding the slot. It returns
// the outcome of the last attempt.
func (m *Manager) upload(ctx context.Context, trigger Trigger, snapshot []domain.Record) error {
	var err error
	for snapshot != nil {
		m.metrics.Flushed(ctx, string(trigger))
		err = m.sink.Deliver(ctx, m.batch(snapshot))
		snapshot = m.settle(trigger, snapshot, err)
		trigger = TriggerSize
	}
	return err
}

// settle records the outcome of an upload. On success it returns the next queued batch, keeping
// the slot; otherwise it releases the slot. On failure the snapshot and any queued batches go back
// in front of newer records, keeping the newest when the buffer cannot hold them all.
func (m *Manager) settle(trigger Trigger, snapshot []domain.Record, err error) []domain.Record {
	if err == nil {
		m.mu.Lock()
		m.delivered += len(snapshot)
		next := m.nextLocked()
		m.mu.Unlock()
		m.logger.Debug("delivery: batch uploaded", "count", len(snapshot), "trigger", string(trigger))
		return next
	}

	m.mu.Lock()
	combined := make([]domain.Record, 0, len(snapshot)+len(m.buf))
	combined = append(combined, snapshot...)
	for _, q := range m.queued {
		combined = append(combined, q...)
	}
	m.queued = nil
	combined = append(combined, m.buf...)
	dropped := 0
	if over := len(combined) - m.max; over > 0 {
		combined = combined[over:]
		dropped = over
	}
	m.buf = combined
	m.dropped += dropped
	m.failures++
	buffered := len(m.buf)
	m.releaseLocked()
	m.mu.Unlock()

	ctx := context.Background()
	m.metrics.DeliveryFailed(ctx)
	m.metrics.Dropped(ctx, dropped)
	attrs := []any{"count", len(snapshot), "trigger", string(trigger), "buffered", buffered, "dropped", dropped, "error", err}
	var status interface{ Retryable() bool }
	if errors.As(err, &status) {
		attrs = append(attrs, "retryable", status.Retryable())
	}
	m.logger.Warn("delivery: upload failed, records re-buffered", attrs...)
	return nil
}
