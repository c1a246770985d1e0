// ============================================================================
// Poolctl CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra-based command line interface for the subprocess worker pool.
//
// Command Structure:
//   poolctl                        # Root command
//   ├── run                        # Spawn the pool and drain a work-item file
//   │   └── --config, -c          # Config file
//   │   └── --items, -f           # Work-item JSON file (optional)
//   ├── submit                     # Append items to the on-disk backlog file
//   │   └── --file, -f            # Work-item JSON file to append
//   └── status                     # Read the last stats snapshot and print it
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml):
//   - pool: worker count, timeouts, init mode
//   - wal: audit journal location and batching
//   - snapshot: stats-snapshot location
//   - metrics: Prometheus exporter
//
// File-Based Handoff:
//   There is no distributed RPC between `submit` and a running `run`. Both
//   commands operate on the same on-disk pending-items file
//   (pool.items_file): submit appends to it; run reads it, enqueues
//   everything found, then truncates it, so each run drains whatever has
//   accumulated since the last one.
//
// Signal Handling:
//   run captures SIGINT/SIGTERM and cancels the coordinator's context, which
//   drives it into DRAIN rather than killing workers mid-item.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/poolctl/internal/controller"
	"github.com/ChuLiYu/poolctl/internal/metrics"
	"github.com/ChuLiYu/poolctl/internal/snapshot"
	"github.com/ChuLiYu/poolctl/internal/storage/wal"
	"github.com/ChuLiYu/poolctl/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure, mapped
// through YAML tags. Durations are expressed as explicit _ms integer
// fields rather than time.Duration; runPool converts them to
// time.Duration when it builds the controller config.
type Config struct {
	Pool struct {
		WorkerCount         int    `yaml:"worker_count"`
		MaxAttempts         int    `yaml:"max_attempts"`
		NoResponseTimeoutMs int    `yaml:"no_response_timeout_ms"`
		LoopSleepMs         int    `yaml:"loop_sleep_ms"`
		InitializeInSerial  bool   `yaml:"initialize_in_serial"`
		ShutdownTimeoutMs   int    `yaml:"shutdown_timeout_ms"`
		ItemsFile           string `yaml:"items_file"`
	} `yaml:"pool"`

	WAL struct {
		Dir             string `yaml:"dir"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"wal"`

	Snapshot struct {
		Dir string `yaml:"dir"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poolctl",
		Short: "poolctl: a subprocess worker-pool coordinator",
		Long: `poolctl spawns a pool of isolated OS-process workers, feeds them
work items over a newline-delimited JSON wire protocol on their stdio, and
collects results. Durability comes from an append-only audit journal and a
stats snapshot written after each run, not from replaying in-flight work
across restarts.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var itemsFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn the worker pool and drain pending work items",
		Long:  "Spawn the pool, enqueue items from the pending-items file (and optionally --items), run to completion, and print final stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(itemsFile)
		},
	}

	cmd.Flags().StringVarP(&itemsFile, "items", "f", "", "additional JSON file of work items to enqueue before running")

	return cmd
}

func runPool(extraItemsFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := slog.Default()

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	ctrlCfg := controller.Config{
		PoolName:           "poolctl",
		Command:            os.Args[0],
		WorkerCount:        cfg.Pool.WorkerCount,
		MaxAttempts:        cfg.Pool.MaxAttempts,
		NoResponseTimeout:  time.Duration(cfg.Pool.NoResponseTimeoutMs) * time.Millisecond,
		LoopSleep:          time.Duration(cfg.Pool.LoopSleepMs) * time.Millisecond,
		InitializeInSerial: cfg.Pool.InitializeInSerial,
		ShutdownTimeout:    time.Duration(cfg.Pool.ShutdownTimeoutMs) * time.Millisecond,
		WALPath:            cfg.WAL.Dir,
		WALBufferSize:      cfg.WAL.BufferSize,
		WALFlushInterval:   time.Duration(cfg.WAL.FlushIntervalMs) * time.Millisecond,
		SnapshotPath:       cfg.Snapshot.Dir,
	}

	ctrl, err := controller.New(ctrlCfg, collector, log)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Close()

	items, err := drainPendingItems(cfg.Pool.ItemsFile)
	if err != nil {
		return fmt.Errorf("failed to read pending items: %w", err)
	}
	if extraItemsFile != "" {
		extra, err := readItemsFile(extraItemsFile)
		if err != nil {
			return fmt.Errorf("failed to read --items file: %w", err)
		}
		items = append(items, extra...)
	}

	if len(items) > 0 {
		if err := ctrl.EnqueueItems(items); err != nil {
			return fmt.Errorf("failed to enqueue items: %w", err)
		}
	}
	log.Info("enqueued items", "count", len(items))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("pool run failed: %w", err)
	}

	printStats(stats)
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var itemsFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Append work items to the pending-items file",
		Long:  "Read work item definitions from a JSON file and append them to the pool's pending-items file, to be picked up by the next 'poolctl run'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemsFile == "" {
				return fmt.Errorf("items file is required (use --file or -f)")
			}
			return submitItems(itemsFile)
		},
	}

	cmd.Flags().StringVarP(&itemsFile, "file", "f", "", "JSON file containing work item definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitItems(filePath string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	items, err := readItemsFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read items file: %w", err)
	}

	pending, err := readItemsFile(cfg.Pool.ItemsFile)
	if err != nil {
		return fmt.Errorf("failed to read pending items file: %w", err)
	}
	pending = append(pending, items...)

	if err := writeItemsFile(cfg.Pool.ItemsFile, pending); err != nil {
		return fmt.Errorf("failed to write pending items file: %w", err)
	}

	fmt.Printf("Submitted %d item(s) to %s (%d now pending)\n", len(items), cfg.Pool.ItemsFile, len(pending))
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last known pool status",
		Long:  "Read the last stats snapshot and print it; works without a running pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mgr := snapshot.NewManager(cfg.Snapshot.Dir)
	stats, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load stats snapshot: %w", err)
	}

	pending, err := readItemsFile(cfg.Pool.ItemsFile)
	if err != nil {
		return fmt.Errorf("failed to read pending items file: %w", err)
	}

	outcome, err := wal.ReplayOutcome(cfg.WAL.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                   poolctl status                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:    %s\n", configFile)
	fmt.Printf("  └─ Worker Count:   %d\n", cfg.Pool.WorkerCount)
	fmt.Println()

	fmt.Println("💾 Storage:")
	fmt.Printf("  ├─ WAL Directory:       %s\n", cfg.WAL.Dir)
	fmt.Printf("  │  └─ Buffer Size:      %d entries\n", cfg.WAL.BufferSize)
	fmt.Printf("  └─ Snapshot Directory:  %s\n", cfg.Snapshot.Dir)
	fmt.Println()

	fmt.Println("📊 Last Known Stats (from snapshot, not live):")
	fmt.Printf("  ├─ ⏳ Pending (unsubmitted run): %d\n", len(pending))
	fmt.Printf("  ├─ 📦 Pending (last run):        %d\n", stats.Pending)
	fmt.Printf("  ├─ ✅ Completed:                 %d\n", stats.Completed)
	fmt.Printf("  └─ ❌ Dead:                      %d\n", stats.Dead)
	fmt.Println()

	total := stats.Completed + stats.Dead
	if total > 0 {
		successRate := float64(stats.Completed) / float64(total) * 100
		fmt.Printf("📈 Success Rate: %.1f%%\n", successRate)
		fmt.Println()
	}

	fmt.Println("📜 WAL Outcome Counts (from journal replay):")
	fmt.Printf("  ├─ Enqueued:   %d\n", outcome.Enqueued)
	fmt.Printf("  ├─ Dispatched: %d\n", outcome.Dispatched)
	fmt.Printf("  ├─ Acked:      %d\n", outcome.Acked)
	fmt.Printf("  ├─ Retried:    %d\n", outcome.Retried)
	fmt.Printf("  └─ Dead:       %d\n", outcome.Dead)
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics (only while 'run' is active)\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func printStats(stats types.PoolStats) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                     run complete                            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Printf("  ✅ Completed: %d\n", stats.Completed)
	fmt.Printf("  ❌ Dead:      %d\n", stats.Dead)
	fmt.Printf("  ⏳ Pending:   %d\n", stats.Pending)
	fmt.Printf("  🧾 Last seq:  %d\n", stats.LastSeq)
}

func readItemsFile(path string) ([]types.WorkItem, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []struct {
		ID      string                 `json:"id"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	items := make([]types.WorkItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, types.WorkItem{ID: r.ID, Payload: r.Payload})
	}
	return items, nil
}

func writeItemsFile(path string, items []types.WorkItem) error {
	type entry struct {
		ID      string                 `json:"id"`
		Payload map[string]interface{} `json:"payload"`
	}
	entries := make([]entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, entry{ID: it.ID, Payload: it.Payload})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// drainPendingItems reads path's items and, if any were found, truncates it
// so the next run starts from an empty backlog file.
func drainPendingItems(path string) ([]types.WorkItem, error) {
	items, err := readItemsFile(path)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := os.WriteFile(path, []byte("[]"), 0644); err != nil {
			return nil, fmt.Errorf("truncate pending items file: %w", err)
		}
	}
	return items, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
