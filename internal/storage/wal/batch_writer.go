package wal

// ============================================================================
// Batch Writer
// Purpose: batch-accumulate events to reduce fsync count.
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type pendingAppend struct {
	event Event
	errCh chan error
}

// batchWriter accumulates Events written via submit and flushes them to disk
// together, issuing one fsync per batch instead of one per Append call.
type batchWriter struct {
	file *os.File
	enc  *json.Encoder

	mu      sync.Mutex
	buffer  []pendingAppend
	maxSize int
	flush   time.Duration

	submitCh chan pendingAppend
	closeCh  chan struct{}
	doneCh   chan struct{}
}

func newBatchWriter(file *os.File, maxSize int, flushInterval time.Duration) *batchWriter {
	if maxSize <= 0 {
		maxSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}
	bw := &batchWriter{
		file:     file,
		enc:      json.NewEncoder(file),
		maxSize:  maxSize,
		flush:    flushInterval,
		submitCh: make(chan pendingAppend, maxSize*2),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go bw.run()
	return bw
}

// submit enqueues an event and blocks until it has been flushed (or the
// batch writer has been closed).
func (bw *batchWriter) submit(e Event) error {
	errCh := make(chan error, 1)
	select {
	case bw.submitCh <- pendingAppend{event: e, errCh: errCh}:
		return <-errCh
	case <-bw.closeCh:
		return ErrWALClosed
	}
}

func (bw *batchWriter) run() {
	defer close(bw.doneCh)
	ticker := time.NewTicker(bw.flush)
	defer ticker.Stop()

	var batch []pendingAppend

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		var err error
		for _, p := range batch {
			if encErr := bw.enc.Encode(p.event); encErr != nil {
				err = fmt.Errorf("wal: encode event: %w", encErr)
				break
			}
		}
		if err == nil {
			err = bw.file.Sync()
		}
		for _, p := range batch {
			p.errCh <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-bw.submitCh:
			batch = append(batch, p)
			if len(batch) >= bw.maxSize {
				flushBatch()
			}
		case <-ticker.C:
			flushBatch()
		case <-bw.closeCh:
			// Drain anything queued before shutting down.
			for {
				select {
				case p := <-bw.submitCh:
					batch = append(batch, p)
				default:
					flushBatch()
					return
				}
			}
		}
	}
}

func (bw *batchWriter) close() {
	close(bw.closeCh)
	<-bw.doneCh
}
