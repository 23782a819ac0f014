// Package accounting schedules post-response usage recording as a
// background, non-blocking task — so a slow or failing budget store never
// adds latency to the caller's response path.
package accounting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queueSize    = 10_000
	workerCount  = 8
	maxAttempts  = 3
	retryDelay   = 100 * time.Millisecond
)

// Recorder is the subset of budget.Manager the accounting dispatcher needs.
// Kept as an interface so tests can supply a fake without a real Redis.
type Recorder interface {
	Record(ctx context.Context, projectID string, actualTokens int64) error
}

type job struct {
	projectID string
	tokens    int64
}

// Manager is the AccountingManager: a bounded queue drained by a fixed-size
// worker pool. On queue-full, a job is dropped and counted rather than
// blocking the caller that scheduled it.
type Manager struct {
	rec     Recorder
	log     *slog.Logger
	baseCtx context.Context

	ch   chan job
	done chan struct{}
	wg   sync.WaitGroup

	dropped atomic.Int64
}

// New starts the worker pool immediately. ctx bounds the lifetime of
// in-flight retries; it should be the process base context, not a per-request
// one, since accounting must survive caller disconnect.
func New(ctx context.Context, rec Recorder, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		rec:     rec,
		log:     log,
		baseCtx: ctx,
		ch:      make(chan job, queueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Schedule enqueues a fire-and-forget accounting update. It never blocks the
// caller: a full queue drops the job immediately.
func (m *Manager) Schedule(projectID string, actualTokens int64) {
	select {
	case m.ch <- job{projectID: projectID, tokens: actualTokens}:
	default:
		m.dropped.Add(1)
		m.log.Warn("accounting queue full, dropping update",
			slog.String("project_id", projectID),
			slog.Int64("tokens", actualTokens),
		)
	}
}

// Dropped reports how many accounting jobs were discarded due to a full queue.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// Close signals workers to drain the remaining queue and stop. It blocks
// until every queued job has been attempted.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case j := <-m.ch:
			m.attempt(j)
		case <-m.done:
			for {
				select {
				case j := <-m.ch:
					m.attempt(j)
				default:
					return
				}
			}
		}
	}
}

// attempt tries the record up to maxAttempts times in all, with a fixed delay
// between tries, then drops the update and logs a structured warning. Accounting failure
// never reaches the caller — by the time this runs, the response is sent.
func (m *Manager) attempt(j job) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(retryDelay):
			case <-m.baseCtx.Done():
				return
			}
		}
		if err := m.rec.Record(m.baseCtx, j.projectID, j.tokens); err == nil {
			return
		} else {
			lastErr = err
		}
	}
	m.log.Warn("accounting update failed after retries, dropping",
		slog.String("project_id", j.projectID),
		slog.Int64("tokens", j.tokens),
		slog.String("error", lastErr.Error()),
	)
}
