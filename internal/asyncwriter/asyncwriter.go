// Package asyncwriter is the single-consumer mailbox that persists
// Request Records and Payloads off the request's hot path. It follows a
// channel-plus-graceful-shutdown idiom — a signal-then-drain sequence
// built as a persistent background worker; write retry is the store's
// concern, applied once per write.
package asyncwriter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexarelay/claude-relay/internal/logging"
	"github.com/nexarelay/claude-relay/internal/store"
)

// job is one unit of mailbox work: a record write, optionally paired
// with its payload, kept together so the consumer can enforce
// record-before-payload ordering per request id.
type job struct {
	record     *store.RequestRecord
	payload    *store.RequestPayload
	enqueuedAt int64 // unix millis
}

// Writer drains record/payload writes through a single consumer
// goroutine so sqlite's single-writer discipline is never contended
// from multiple request goroutines. Busy/locked retry lives in the
// store's own backoff policy; the worker applies no second layer.
type Writer struct {
	st *store.Store

	mailbox chan *job
	wg      sync.WaitGroup

	queueDepth       int64
	oldestEnqueuedAt atomic.Int64 // unix millis of the oldest still-queued job; 0 when empty
}

// New starts the consumer goroutine immediately.
func New(st *store.Store) *Writer {
	w := &Writer{
		st:      st,
		mailbox: make(chan *job, 4096),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue submits a record (and optional payload) for async persistence.
// It never blocks on storage — only on mailbox channel capacity, which
// is sized generously enough that backpressure here signals a genuine
// overload rather than routine contention.
func (w *Writer) Enqueue(record *store.RequestRecord, payload *store.RequestPayload) {
	j := &job{record: record, payload: payload, enqueuedAt: time.Now().UnixMilli()}
	atomic.AddInt64(&w.queueDepth, 1)
	if w.oldestEnqueuedAt.Load() == 0 {
		w.oldestEnqueuedAt.Store(j.enqueuedAt)
	}
	w.mailbox <- j
}

// QueueDepth reports how many jobs are waiting or in flight.
func (w *Writer) QueueDepth() int64 {
	return atomic.LoadInt64(&w.queueDepth)
}

// OldestItemAge reports how long the oldest still-queued job has been
// waiting, or zero when the mailbox is empty.
func (w *Writer) OldestItemAge() time.Duration {
	ts := w.oldestEnqueuedAt.Load()
	if ts == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ts))
}

func (w *Writer) run() {
	defer w.wg.Done()
	for j := range w.mailbox {
		// Jobs leave the FIFO mailbox in order, so the one just dequeued
		// is the oldest still waiting or in flight.
		w.oldestEnqueuedAt.Store(j.enqueuedAt)
		w.process(j)
		atomic.AddInt64(&w.queueDepth, -1)
		if atomic.LoadInt64(&w.queueDepth) == 0 {
			w.oldestEnqueuedAt.Store(0)
		}
	}
}

func (w *Writer) process(j *job) {
	ctx := context.Background()

	if err := w.st.WriteRequest(ctx, j.record); err != nil {
		logging.Error("[AsyncWriter] dropping request record %s: %v", j.record.ID, err)
		return
	}

	if j.payload == nil {
		return
	}
	if err := w.st.WritePayload(ctx, j.payload); err != nil {
		logging.Error("[AsyncWriter] dropping request payload %s: %v", j.payload.RequestID, err)
	}
}

// Close stops accepting new work, drains everything already queued, and
// blocks until the consumer goroutine exits. Call before releasing the
// underlying storage handle.
func (w *Writer) Close() {
	close(w.mailbox)
	w.wg.Wait()
}
