package coordinator_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/poolctl/internal/coordinator"
	"github.com/ChuLiYu/poolctl/internal/demo"
	"github.com/ChuLiYu/poolctl/internal/workerstub"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// TestMain lets this test binary double as the worker subprocess: when
// re-exec'd with POOLCTL_WORKER_MODE set, it runs the demo processor
// against its own stdin/stdout instead of the test suite. This is the same
// trick Go's own os/exec tests use to spawn themselves as a fixture
// process.
func TestMain(m *testing.M) {
	if os.Getenv("POOLCTL_WORKER_MODE") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperWorker() {
	var cfg map[string]interface{}
	_ = json.Unmarshal([]byte(os.Getenv("POOLCTL_WORKER_CONFIG")), &cfg)
	stub := &workerstub.Stub{Processor: demo.New(), In: os.Stdin, Out: os.Stdout}
	_ = stub.Run(cfg)
}

type item struct {
	id      string
	payload map[string]interface{}
}

func (i item) ItemID() string                        { return i.id }
func (i item) ItemPayload() map[string]interface{} { return i.payload }

// fakeBacklog is a minimal in-memory Collaborator used to drive the
// coordinator without the real backlog package, keeping this test focused
// on the spawn/dispatch/drain state machine.
type fakeBacklog struct {
	mu        sync.Mutex
	infos     []coordinator.ProcessInfo
	pending   []item
	completed []types.WorkResult
	returned  []item
}

func (f *fakeBacklog) ProcessInfos() []coordinator.ProcessInfo { return f.infos }

func (f *fakeBacklog) GetData(host types.WorkerName) (item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return item{}, false
	}
	it := f.pending[0]
	f.pending = f.pending[1:]
	return it, true
}

func (f *fakeBacklog) OnDataReturn(host types.WorkerName, it item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned = append(f.returned, it)
}

func (f *fakeBacklog) OnResult(host types.WorkerName, it item, result types.WorkResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, result)
}

func (f *fakeBacklog) DecodeResult(it item, worker types.WorkerName, raw json.RawMessage, dur time.Duration) (types.WorkResult, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.WorkResult{}, err
	}
	return types.WorkResult{ItemID: it.id, Output: out, WorkerName: worker, DurationMs: dur.Milliseconds()}, nil
}

func (f *fakeBacklog) OnClientsInitialized() {}
func (f *fakeBacklog) OnClientsFinalized()   {}

func (f *fakeBacklog) OnTick() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0
}

func (f *fakeBacklog) OnCheckRun() bool { return true }

func (f *fakeBacklog) Result() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.WorkResult{}, f.completed...)
}

func helperConfig() coordinator.Config {
	return coordinator.Config{
		Name:              "test-pool",
		Command:           os.Args[0],
		LoopSleep:         time.Millisecond,
		NoResponseTimeout: 2 * time.Second,
	}
}

func TestCoordinatorHappyPath(t *testing.T) {
	backlog := &fakeBacklog{
		infos: []coordinator.ProcessInfo{{Name: "w1"}, {Name: "w2"}},
		pending: []item{
			{id: "1", payload: map[string]interface{}{"operation": "upper", "text": "a"}},
			{id: "2", payload: map[string]interface{}{"operation": "upper", "text": "b"}},
			{id: "3", payload: map[string]interface{}{"operation": "upper", "text": "c"}},
		},
	}

	co := coordinator.New[item, types.WorkResult](helperConfig(), backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := co.Run(ctx)
	require.NoError(t, err)

	results := result.([]types.WorkResult)
	assert.Len(t, results, 3)
	assert.Empty(t, backlog.returned)
}

func TestCoordinatorSilentFailureReturnsItem(t *testing.T) {
	backlog := &fakeBacklog{
		infos: []coordinator.ProcessInfo{{Name: "w1"}},
		pending: []item{
			{id: "1", payload: map[string]interface{}{"operation": "silent_fail"}},
		},
	}

	co := coordinator.New[item, types.WorkResult](helperConfig(), backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := co.Run(ctx)
	require.NoError(t, err)

	results := result.([]types.WorkResult)
	assert.Empty(t, results)
	assert.Len(t, backlog.returned, 1)
	assert.Equal(t, "1", backlog.returned[0].id)
}

func TestCoordinatorDiagnosticFailureReturnsItem(t *testing.T) {
	backlog := &fakeBacklog{
		infos: []coordinator.ProcessInfo{{Name: "w1"}},
		pending: []item{
			{id: "1", payload: map[string]interface{}{"operation": "fail"}},
		},
	}

	co := coordinator.New[item, types.WorkResult](helperConfig(), backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := co.Run(ctx)
	require.NoError(t, err)

	assert.Len(t, backlog.returned, 1)
	assert.Equal(t, "1", backlog.returned[0].id)
}

func TestCoordinatorZeroWorkersFails(t *testing.T) {
	backlog := &fakeBacklog{infos: nil}
	co := coordinator.New[item, types.WorkResult](helperConfig(), backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := co.Run(ctx)
	assert.Error(t, err)
}

func TestCoordinatorNoResponseTimeout(t *testing.T) {
	backlog := &fakeBacklog{
		infos: []coordinator.ProcessInfo{{Name: "w1"}},
		pending: []item{
			{id: "1", payload: map[string]interface{}{"operation": "sleep", "duration_ms": float64(5000)}},
		},
	}

	cfg := helperConfig()
	cfg.NoResponseTimeout = 100 * time.Millisecond

	co := coordinator.New[item, types.WorkResult](cfg, backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, backlog.returned, 1)
}

func TestCoordinatorSerialInit(t *testing.T) {
	backlog := &fakeBacklog{
		infos: []coordinator.ProcessInfo{{Name: "w1"}, {Name: "w2"}},
	}

	cfg := helperConfig()
	cfg.InitializeInSerial = true

	co := coordinator.New[item, types.WorkResult](cfg, backlog, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.([]types.WorkResult))
}
