// ============================================================================
// Poolctl Backlog - Producer / Result Sink
// ============================================================================
//
// Package: internal/backlog
// Purpose: concrete Producer + ResultSink implementation feeding a
// coordinator.Coordinator, descended from the teacher's JobManager.
//
// Differences from the teacher's JobManager:
//   - No in-flight index. In-flight tracking is the coordinator's
//     WorkerHandle's job now; the backlog only ever sees an item pop
//     (GetData) or an item come back (OnResult / OnDataReturn).
//   - Retries are capped by MaxAttempts; beyond that an item is moved to
//     dead rather than requeued, mirroring the teacher's MaxRetry handling
//     in its controller's handleResult.
//
// ============================================================================

package backlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/poolctl/internal/coordinator"
	"github.com/ChuLiYu/poolctl/internal/metrics"
	"github.com/ChuLiYu/poolctl/internal/storage/wal"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// workItem adapts types.WorkItem to the coordinator.Item constraint.
type workItem struct {
	types.WorkItem
}

func (w workItem) ItemID() string                      { return w.ID }
func (w workItem) ItemPayload() map[string]interface{} { return w.Payload }

// Config controls retry and worker-topology behavior.
type Config struct {
	WorkerCount int
	MaxAttempts int
}

// Backlog is a Collaborator[workItem, types.WorkResult] for
// coordinator.Coordinator: it owns the pending queue, the completed and
// dead-letter sets, and journals every mutation to an audit WAL.
type Backlog struct {
	mu sync.Mutex

	cfg Config
	w   *wal.WAL
	m   *metrics.Collector

	pending   []types.WorkItem
	completed map[string]types.WorkResult
	dead      map[string]types.WorkItem
}

func New(cfg Config, w *wal.WAL) *Backlog {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Backlog{
		cfg:       cfg,
		w:         w,
		completed: make(map[string]types.WorkResult),
		dead:      make(map[string]types.WorkItem),
	}
}

// WithMetrics attaches a Prometheus collector; subsequent enqueue, dispatch,
// return, dead-letter, and completion events increment its counters. Safe to
// call with nil, which disables metric recording.
func (b *Backlog) WithMetrics(m *metrics.Collector) *Backlog {
	b.m = m
	return b
}

// Coordinator constructs a coordinator bound to this Backlog as its
// Collaborator. It lives here, not in internal/controller, because the
// item type the coordinator is instantiated over (workItem) is private to
// this package; callers never need to name it.
func (b *Backlog) Coordinator(cfg coordinator.Config, log *slog.Logger) *coordinator.Coordinator[workItem, types.WorkResult] {
	return coordinator.New[workItem, types.WorkResult](cfg, b, log)
}

// Enqueue adds items to the pending queue, journaling each submission.
func (b *Backlog) Enqueue(items []types.WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, it := range items {
		if it.CreatedAt == 0 {
			it.CreatedAt = now
		}
		if b.w != nil {
			if err := b.w.Append(wal.EventEnqueue, it.ID); err != nil {
				return fmt.Errorf("backlog: journal enqueue %s: %w", it.ID, err)
			}
		}
		b.pending = append(b.pending, it)
		if b.m != nil {
			b.m.RecordEnqueue()
		}
	}
	return nil
}

// ProcessInfos implements coordinator.Collaborator.
func (b *Backlog) ProcessInfos() []coordinator.ProcessInfo {
	infos := make([]coordinator.ProcessInfo, 0, b.cfg.WorkerCount)
	for i := 0; i < b.cfg.WorkerCount; i++ {
		infos = append(infos, coordinator.ProcessInfo{
			Name:   types.WorkerName(fmt.Sprintf("worker-%d", i)),
			Config: map[string]interface{}{"index": i},
		})
	}
	return infos
}

// GetData implements coordinator.Collaborator.
func (b *Backlog) GetData(host types.WorkerName) (workItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return workItem{}, false
	}
	it := b.pending[0]
	b.pending = b.pending[1:]
	if b.w != nil {
		_ = b.w.Append(wal.EventDispatch, it.ID)
	}
	if b.m != nil {
		b.m.RecordDispatch()
	}
	return workItem{it}, true
}

// OnDataReturn implements coordinator.Collaborator: an item came back
// unfinished (worker crashed, timed out, or silently failed). Requeue it
// unless it has exhausted its attempts, in which case it is dead-lettered.
func (b *Backlog) OnDataReturn(host types.WorkerName, it workItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := it.WorkItem
	item.Attempt++

	if b.m != nil {
		b.m.RecordReturned()
	}

	if item.Attempt >= b.cfg.MaxAttempts {
		if b.w != nil {
			_ = b.w.Append(wal.EventDead, item.ID)
		}
		b.dead[item.ID] = item
		if b.m != nil {
			b.m.RecordDead()
		}
		return
	}

	if b.w != nil {
		_ = b.w.Append(wal.EventRetry, item.ID)
	}
	b.pending = append(b.pending, item)
}

// OnResult implements coordinator.Collaborator.
func (b *Backlog) OnResult(host types.WorkerName, it workItem, result types.WorkResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.w != nil {
		_ = b.w.Append(wal.EventAck, it.ID)
	}
	b.completed[it.ID] = result
	if b.m != nil {
		b.m.RecordCompleted(float64(result.DurationMs) / 1000.0)
	}
}

// DecodeResult implements coordinator.Collaborator.
func (b *Backlog) DecodeResult(it workItem, worker types.WorkerName, raw json.RawMessage, dur time.Duration) (types.WorkResult, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.WorkResult{}, fmt.Errorf("backlog: decode result for %s: %w", it.ID, err)
	}
	return types.WorkResult{
		ItemID:     it.ID,
		Output:     out,
		WorkerName: worker,
		DurationMs: dur.Milliseconds(),
	}, nil
}

func (b *Backlog) OnClientsInitialized() {}
func (b *Backlog) OnClientsFinalized()   {}

// OnTick reports whether the pool may finalize once all workers are idle:
// true once the pending queue is empty.
func (b *Backlog) OnTick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0
}

func (b *Backlog) OnCheckRun() bool { return true }

// Result implements coordinator.Collaborator, returning completed results
// keyed by item ID.
func (b *Backlog) Result() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.WorkResult, len(b.completed))
	for k, v := range b.completed {
		out[k] = v
	}
	return out
}

// Stats reports point-in-time backlog counts, used for the stats snapshot
// written at the end of each run and read back by the status CLI command.
func (b *Backlog) Stats() types.PoolStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.PoolStats{
		Pending:   len(b.pending),
		Completed: len(b.completed),
		Dead:      len(b.dead),
	}
}

// DeadLetters returns a copy of items that exhausted their retry budget.
func (b *Backlog) DeadLetters() []types.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.WorkItem, 0, len(b.dead))
	for _, it := range b.dead {
		out = append(out, it)
	}
	return out
}
