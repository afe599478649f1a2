package logpipeline

import (
	"sync"
	"time"
)

// buffer accumulates Records for one Key until batch_size or flush_interval
// is reached, whichever comes first. Overruns drop the oldest record and
// bump Dropped.
type buffer struct {
	mu        sync.Mutex
	records   []Record
	batchSize int
	dropped   int64
}

func newBuffer(batchSize int) *buffer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &buffer{batchSize: batchSize}
}

// add appends rec, evicting the oldest buffered record if already at
// capacity, and reports whether the buffer is now full (caller should
// flush).
func (b *buffer) add(rec Record) (full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.batchSize {
		b.records = b.records[1:]
		b.dropped++
	}
	b.records = append(b.records, rec)
	return len(b.records) >= b.batchSize
}

// drain empties the buffer and returns everything that was in it.
func (b *buffer) drain() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = nil
	return out
}

func (b *buffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// flushTicker drives periodic time-based flushes independent of batchSize.
type flushTicker struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func newFlushTicker(interval time.Duration) *flushTicker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &flushTicker{interval: interval, stop: make(chan struct{})}
}

func (f *flushTicker) run(onTick func()) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			onTick()
		case <-f.stop:
			return
		}
	}
}

func (f *flushTicker) Stop() {
	f.once.Do(func() { close(f.stop) })
}
