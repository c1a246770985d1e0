// Package coordinator implements the host side of the subprocess worker
// pool: it spawns worker processes, feeds them work, and collects their
// results, following the same four phases as the Python Subprocessor.run()
// it is descended from: spawn, wait for initialization, run, drain.
//
// Unlike the teacher's goroutine-based worker.Pool, a worker here is a real
// OS process, and the coordinator's main loop is single-threaded: it never
// shares roster state with another goroutine, so no locking is needed
// around WorkerHandle state the way worker.Pool needed sync.Mutex.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/poolctl/internal/metrics"
	"github.com/ChuLiYu/poolctl/internal/protocol"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// Item is the constraint a coordinator's work item type must satisfy so it
// can be framed onto the wire.
type Item interface {
	ItemID() string
	ItemPayload() map[string]interface{}
}

// Collaborator is the embedder-supplied contract the coordinator calls into.
// It plays the role of the Python original's process_info_generator,
// get_data, on_data_return, on_result, on_tick, on_clients_initialized,
// on_clients_finalized, on_check_run and get_result, combined into one
// interface because in this codebase they are always implemented together
// by the backlog.
type Collaborator[I Item, R any] interface {
	ProcessInfos() []ProcessInfo

	GetData(host types.WorkerName) (I, bool)
	OnDataReturn(host types.WorkerName, item I)
	OnResult(host types.WorkerName, item I, result R)
	DecodeResult(item I, worker types.WorkerName, raw json.RawMessage, dur time.Duration) (R, error)

	OnClientsInitialized()
	OnClientsFinalized()

	// OnTick runs once per RUN iteration. It returns true if the pool may
	// finalize once every worker is idle and no more data is available.
	OnTick() bool

	OnCheckRun() bool

	Result() any
}

// Config controls coordinator timing and spawn behavior.
type Config struct {
	Name string

	// Command/Args/Env describe how to spawn a worker subprocess. For each
	// worker the coordinator appends its own variables (worker mode, worker
	// name and per-worker JSON config) after Env.
	Command string
	Args    []string
	Env     []string

	// NoResponseTimeout kills and requeues a worker that has not replied
	// within this duration of being dispatched work. Zero disables the
	// check.
	NoResponseTimeout time.Duration

	// LoopSleep is slept once per RUN iteration. Zero means a busy loop.
	LoopSleep time.Duration

	// InitializeInSerial spawns and waits for each worker's INIT_OK before
	// spawning the next, instead of spawning all workers concurrently.
	InitializeInSerial bool

	// ShutdownTimeout bounds how long DRAIN waits for FINALIZED before
	// force-killing a worker. Defaults to 30s, matching the Python
	// original's hard-coded constant.
	ShutdownTimeout time.Duration

	// Metrics, if set, records worker spawn/kill counts. Nil disables
	// recording.
	Metrics *metrics.Collector
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ShutdownTimeout
}

// Coordinator runs the worker pool lifecycle for one Collaborator.
type Coordinator[I Item, R any] struct {
	cfg Config
	cb  Collaborator[I, R]
	log *slog.Logger

	handles []*handle
}

func New[I Item, R any](cfg Config, cb Collaborator[I, R], log *slog.Logger) *Coordinator[I, R] {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator[I, R]{cfg: cfg, cb: cb, log: log}
}

// Run executes SPAWN, INIT_WAIT, RUN and DRAIN in order and returns
// cb.Result() once every worker has finalized.
func (co *Coordinator[I, R]) Run(ctx context.Context) (any, error) {
	if !co.cb.OnCheckRun() {
		return co.cb.Result(), nil
	}

	if err := co.spawnAll(); err != nil {
		return nil, err
	}
	if len(co.handles) == 0 {
		return nil, fmt.Errorf("coordinator %q: unable to start any worker", co.cfg.Name)
	}

	if err := co.waitInitialized(); err != nil {
		return nil, err
	}
	if len(co.handles) == 0 {
		return nil, fmt.Errorf("coordinator %q: no worker survived initialization", co.cfg.Name)
	}

	co.cb.OnClientsInitialized()

	co.runLoop(ctx)

	co.drainShutdown()

	co.cb.OnClientsFinalized()

	return co.cb.Result(), nil
}

func (co *Coordinator[I, R]) buildSpawnSpec(info ProcessInfo) (spawnSpec, error) {
	cfgJSON, err := json.Marshal(info.Config)
	if err != nil {
		return spawnSpec{}, fmt.Errorf("coordinator: marshal config for %s: %w", info.Name, err)
	}
	env := append([]string{}, co.cfg.Env...)
	env = append(env,
		"POOLCTL_WORKER_MODE=1",
		"POOLCTL_WORKER_NAME="+string(info.Name),
		"POOLCTL_WORKER_CONFIG="+string(cfgJSON),
	)
	return spawnSpec{command: co.cfg.Command, args: co.cfg.Args, env: env}, nil
}

func (co *Coordinator[I, R]) spawnAll() error {
	infos := co.cb.ProcessInfos()

	for _, info := range infos {
		spec, err := co.buildSpawnSpec(info)
		if err != nil {
			return err
		}
		h, err := spawn(info, spec)
		if err != nil {
			return fmt.Errorf("coordinator %q: unable to start subprocess %s: %w", co.cfg.Name, info.Name, err)
		}
		co.handles = append(co.handles, h)
		if co.cfg.Metrics != nil {
			co.cfg.Metrics.RecordSpawned()
		}

		if co.cfg.InitializeInSerial {
			co.pollOneUntilResolved(h)
		}
	}
	return nil
}

// pollOneUntilResolved blocks (with small sleeps) until h reaches Ready or
// is removed from the roster due to an init error, used only in serial
// init mode.
func (co *Coordinator[I, R]) pollOneUntilResolved(h *handle) {
	for {
		co.dispatchInitEnvelopes(h)
		if h.state == Ready || h.state == Terminated {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (co *Coordinator[I, R]) dispatchInitEnvelopes(h *handle) {
	for _, env := range h.drain() {
		switch env.Tag {
		case protocol.TagInitOK:
			h.state = Ready
		case protocol.TagLogInfo:
			co.log.Info("worker log", "worker", h.name, "message", env.Message)
		case protocol.TagLogErr:
			co.log.Error("worker log", "worker", h.name, "message", env.Message)
		case protocol.TagError:
			if env.Diagnostic != "" {
				co.log.Error("worker initialization failed", "worker", h.name, "error", env.Diagnostic)
			}
			co.killHandle(h)
			co.removeHandle(h)
		}
	}
}

// killHandle terminates a worker subprocess and records the kill metric.
// Centralizing this keeps the metric recorded exactly once per handle,
// regardless of which RUN-loop sweep decided to kill it.
func (co *Coordinator[I, R]) killHandle(h *handle) {
	h.kill()
	if co.cfg.Metrics != nil {
		co.cfg.Metrics.RecordKilled()
	}
}

func (co *Coordinator[I, R]) removeHandle(target *handle) {
	filtered := co.handles[:0]
	for _, h := range co.handles {
		if h != target {
			filtered = append(filtered, h)
		}
	}
	co.handles = filtered
}

func (co *Coordinator[I, R]) waitInitialized() error {
	if co.cfg.InitializeInSerial {
		// Each handle was already resolved to Ready or removed during spawn.
		return nil
	}
	for {
		for _, h := range append([]*handle{}, co.handles...) {
			co.dispatchInitEnvelopes(h)
		}
		allReady := true
		for _, h := range co.handles {
			if h.state != Ready {
				allReady = false
				break
			}
		}
		if allReady {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (co *Coordinator[I, R]) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		co.drainResults()
		co.enforceLiveness()
		co.dispatch()

		if co.cfg.LoopSleep != 0 {
			time.Sleep(co.cfg.LoopSleep)
		}

		if co.cb.OnTick() && co.allIdle() {
			return
		}
	}
}

func (co *Coordinator[I, R]) drainResults() {
	for _, h := range append([]*handle{}, co.handles...) {
		if err := h.drainErr(); err != nil {
			co.log.Error("worker read failed", "worker", h.name, "error", err)
			if item, ok := h.inflightItem.(I); ok {
				co.cb.OnDataReturn(h.name, item)
			}
			co.killHandle(h)
			co.removeHandle(h)
			continue
		}
		for _, env := range h.drain() {
			switch env.Tag {
			case protocol.TagSuccess:
				item, _ := h.inflightItem.(I)
				dur := time.Since(h.dispatchTime)
				result, err := co.cb.DecodeResult(item, h.name, env.Result, dur)
				if err != nil {
					co.log.Error("decode result failed", "worker", h.name, "item", env.ItemID, "error", err)
					co.cb.OnDataReturn(h.name, item)
				} else {
					co.cb.OnResult(h.name, item, result)
				}
				h.inflightItem = nil
				h.state = Ready

			case protocol.TagError:
				if env.Diagnostic != "" {
					co.log.Error("worker processing error", "worker", h.name, "item", env.ItemID, "error", env.Diagnostic)
				}
				if env.HasItem {
					if item, ok := h.inflightItem.(I); ok {
						co.cb.OnDataReturn(h.name, item)
					}
				} else {
					co.log.Error("worker error carried no item, nothing returned to producer", "worker", h.name)
				}
				co.killHandle(h)
				co.removeHandle(h)

			case protocol.TagLogInfo:
				co.log.Info("worker log", "worker", h.name, "message", env.Message)
			case protocol.TagLogErr:
				co.log.Error("worker log", "worker", h.name, "message", env.Message)
			case protocol.TagProgress:
				// observational only
			}
		}
	}
}

func (co *Coordinator[I, R]) enforceLiveness() {
	if co.cfg.NoResponseTimeout == 0 {
		return
	}
	for _, h := range append([]*handle{}, co.handles...) {
		if h.state != Busy {
			continue
		}
		if time.Since(h.dispatchTime) > co.cfg.NoResponseTimeout {
			co.log.Error("worker did not respond in time, terminating", "worker", h.name)
			if item, ok := h.inflightItem.(I); ok {
				co.cb.OnDataReturn(h.name, item)
			}
			co.killHandle(h)
			co.removeHandle(h)
		}
	}
}

func (co *Coordinator[I, R]) dispatch() {
	for _, h := range co.handles {
		if h.state != Ready {
			continue
		}
		item, ok := co.cb.GetData(h.name)
		if !ok {
			continue
		}
		payload, err := json.Marshal(item.ItemPayload())
		if err != nil {
			co.log.Error("marshal item payload failed", "worker", h.name, "item", item.ItemID(), "error", err)
			co.cb.OnDataReturn(h.name, item)
			continue
		}
		if err := h.send(protocol.Envelope{Tag: protocol.TagData, ItemID: item.ItemID(), Payload: payload}); err != nil {
			co.log.Error("dispatch failed", "worker", h.name, "error", err)
			co.cb.OnDataReturn(h.name, item)
			co.killHandle(h)
			co.removeHandle(h)
			continue
		}
		h.inflightItem = item
		h.dispatchTime = time.Now()
		h.state = Busy
	}
}

func (co *Coordinator[I, R]) allIdle() bool {
	for _, h := range co.handles {
		if h.state != Ready {
			return false
		}
	}
	return true
}

func (co *Coordinator[I, R]) drainShutdown() {
	now := time.Now()
	for _, h := range co.handles {
		_ = h.send(protocol.Envelope{Tag: protocol.TagClose})
		h.dispatchTime = now
	}

	deadline := co.cfg.shutdownTimeout()
	for {
		allDone := true
		for _, h := range co.handles {
			if h.state == Terminated {
				continue
			}
			finalized := false
			for _, env := range h.drain() {
				if env.Tag == protocol.TagFinalized {
					finalized = true
				}
			}
			switch {
			case finalized:
				// The worker asked to exit and said so; reap it without a
				// signal and without counting it as killed.
				h.wait()
			case time.Since(h.dispatchTime) > deadline:
				co.killHandle(h)
			default:
				allDone = false
			}
		}
		if allDone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
