// ============================================================================
// poolctl entrypoint
// ============================================================================
//
// This binary plays two roles, selected by an environment variable:
//
//   - Normal invocation: runs the cobra CLI (run/submit/status).
//   - POOLCTL_WORKER_MODE=1: the coordinator re-execs this same binary as a
//     worker subprocess. In that mode it never touches cobra; it drives a
//     workerstub.Stub against its own stdin/stdout and exits.
//
// ============================================================================

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ChuLiYu/poolctl/internal/cli"
	"github.com/ChuLiYu/poolctl/internal/demo"
	"github.com/ChuLiYu/poolctl/internal/workerstub"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if os.Getenv("POOLCTL_WORKER_MODE") == "1" {
		runWorker()
		return
	}

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runWorker drives the demo processor against the wire protocol. A real
// deployment would swap in its own workerstub.Processor here; the demo one
// exists to exercise the pool mechanics without depending on production
// business logic.
func runWorker() {
	var config map[string]interface{}
	if raw := os.Getenv("POOLCTL_WORKER_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			fmt.Fprintf(os.Stderr, "worker: invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	stub := &workerstub.Stub{
		Processor: demo.New(),
		In:        os.Stdin,
		Out:       os.Stdout,
	}

	if err := stub.Run(config); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}
