package decisionlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

// Writer decouples routing latency from decision persistence. Records are
// queued on a bounded channel and flushed in batches; when the queue is full
// the record is dropped and counted rather than blocking the router.
type Writer struct {
	store Store
	queue chan *Record
	wg    sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	acceptedTotal atomic.Int64
	droppedTotal  atomic.Int64

	// OnDrop fires for each record lost to a full queue or a failed write.
	OnDrop func()
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Writer{
		store: store,
		queue: make(chan *Record, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w.wg.Add(1)
	go w.run(ctx)
}

// Enqueue hands a record to the writer. It never blocks; false means the
// record was dropped.
func (w *Writer) Enqueue(record *Record) bool {
	if record == nil {
		return false
	}
	select {
	case w.queue <- record:
		w.acceptedTotal.Add(1)
		return true
	default:
		w.drop(1)
		return false
	}
}

// Shutdown stops intake and flushes whatever is queued, bounded by ctx.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.done) })

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accepted returns the count of records successfully queued.
func (w *Writer) Accepted() int64 { return w.acceptedTotal.Load() }

// Dropped returns the count of records lost to backpressure or write errors.
func (w *Writer) Dropped() int64 { return w.droppedTotal.Load() }

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			w.drain(ctx)
			return
		case record := <-w.queue:
			batch := w.collect(record)
			w.flush(ctx, batch)
		}
	}
}

// collect gathers whatever else is already queued, up to the batch size.
func (w *Writer) collect(first *Record) []*Record {
	batch := []*Record{first}
	for len(batch) < writerBatchSize {
		select {
		case record := <-w.queue:
			batch = append(batch, record)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case record := <-w.queue:
			w.flush(ctx, w.collect(record))
		default:
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.WriteBatch(writeCtx, batch); err != nil {
		w.drop(len(batch))
	}
}

func (w *Writer) drop(n int) {
	w.droppedTotal.Add(int64(n))
	if w.OnDrop != nil {
		for i := 0; i < n; i++ {
			w.OnDrop()
		}
	}
}
