// ============================================================================
// Poolctl Controller - Pool Orchestration
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: wires the backlog, WAL, snapshot, and metrics components around
// one coordinator.Coordinator run and exposes the surface the CLI needs.
//
// Responsibilities:
//   - Own the WAL (audit journal, not an in-flight replay log) and the stats
//     snapshot manager.
//   - Build a Backlog bound to those and hand it a fresh Coordinator per
//     Run() call.
//   - Record spawn/kill and enqueue/dispatch/completion metrics through the
//     one Collector passed in at construction.
//
// Unlike the teacher's controller, there are no independent dispatch/result/
// timeout/snapshot goroutines here: the coordinator's RUN loop already does
// drain-results, enforce-liveness, and dispatch every iteration by itself
// (see internal/coordinator/coordinator.go), so the controller's job shrinks
// to startup wiring, one blocking Run call, and a final snapshot write.
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/poolctl/internal/backlog"
	"github.com/ChuLiYu/poolctl/internal/coordinator"
	"github.com/ChuLiYu/poolctl/internal/metrics"
	"github.com/ChuLiYu/poolctl/internal/snapshot"
	"github.com/ChuLiYu/poolctl/internal/storage/wal"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// Config holds the controller configuration.
type Config struct {
	PoolName string // Coordinator name, used in log lines and error messages

	// Worker spawn spec: the coordinator re-execs Command with Args, plus
	// the hidden POOLCTL_WORKER_MODE env var, per worker.
	Command string
	Args    []string
	Env     []string

	WorkerCount        int           // Number of worker subprocesses
	MaxAttempts        int           // Retry budget before dead-lettering an item
	NoResponseTimeout  time.Duration // Kill a worker that never replies; 0 disables
	LoopSleep          time.Duration // RUN loop sleep; 0 is a busy loop
	InitializeInSerial bool          // Spawn/await workers one at a time
	ShutdownTimeout    time.Duration // DRAIN deadline; 0 uses the coordinator default

	WALPath          string        // Audit journal path
	WALBufferSize    int           // Max events per batch (e.g., 100)
	WALFlushInterval time.Duration // Max time between flushes (e.g., 10ms)

	SnapshotPath string // Stats-snapshot path, read by the status command
}

// Controller owns the backlog, WAL, and snapshot manager for one pool and
// drives coordinator runs against them.
type Controller struct {
	cfg     Config
	backlog *backlog.Backlog
	wal     *wal.WAL
	snap    *snapshot.Manager
	metrics *metrics.Collector
	log     *slog.Logger
}

// New opens the WAL, resuming its sequence counter if it already exists,
// and constructs the Backlog and snapshot manager around it. metrics may be
// nil, in which case no metric is recorded.
func New(cfg Config, m *metrics.Collector, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}

	bufferSize := cfg.WALBufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}
	flushInterval := cfg.WALFlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w, err := wal.NewWAL(cfg.WALPath, bufferSize, flushInterval)
	if err != nil {
		return nil, fmt.Errorf("controller: open WAL: %w", err)
	}

	bl := backlog.New(backlog.Config{
		WorkerCount: cfg.WorkerCount,
		MaxAttempts: cfg.MaxAttempts,
	}, w).WithMetrics(m)

	return &Controller{
		cfg:     cfg,
		backlog: bl,
		wal:     w,
		snap:    snapshot.NewManager(cfg.SnapshotPath),
		metrics: m,
		log:     log,
	}, nil
}

// EnqueueItems journals and queues items for the next Run call.
func (c *Controller) EnqueueItems(items []types.WorkItem) error {
	return c.backlog.Enqueue(items)
}

// Run spawns the worker pool, drives it through SPAWN/INIT_WAIT/RUN/DRAIN
// to completion (the backlog's OnTick reports done once its pending queue
// is empty), writes a final stats snapshot, and returns those stats.
//
// One Controller may be Run multiple times; each call builds a fresh
// coordinator, so a prior run's workers never leak into the next one.
func (c *Controller) Run(ctx context.Context) (types.PoolStats, error) {
	coordCfg := coordinator.Config{
		Name:               c.cfg.PoolName,
		Command:            c.cfg.Command,
		Args:               c.cfg.Args,
		Env:                c.cfg.Env,
		NoResponseTimeout:  c.cfg.NoResponseTimeout,
		LoopSleep:          c.cfg.LoopSleep,
		InitializeInSerial: c.cfg.InitializeInSerial,
		ShutdownTimeout:    c.cfg.ShutdownTimeout,
		Metrics:            c.metrics,
	}

	co := c.backlog.Coordinator(coordCfg, c.log)

	if _, err := co.Run(ctx); err != nil {
		return types.PoolStats{}, fmt.Errorf("controller %q: %w", c.cfg.PoolName, err)
	}

	stats := c.Stats()
	if c.metrics != nil {
		c.metrics.UpdatePoolStats(stats.Pending, 0)
	}
	if err := c.snap.Write(stats); err != nil {
		c.log.Error("failed to write stats snapshot", "error", err)
	}

	return stats, nil
}

// Stats reports current backlog counts, including the WAL's last sequence
// number so the status command can report journal progress.
func (c *Controller) Stats() types.PoolStats {
	stats := c.backlog.Stats()
	stats.LastSeq = c.wal.LastSeq()
	return stats
}

// DeadLetters returns items that exhausted their retry budget.
func (c *Controller) DeadLetters() []types.WorkItem {
	return c.backlog.DeadLetters()
}

// Close flushes and closes the WAL. Call once the controller will no
// longer be used.
func (c *Controller) Close() error {
	return c.wal.Close()
}
