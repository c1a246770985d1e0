package demo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/poolctl/internal/workerstub"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

func TestProcessUpperIsDefault(t *testing.T) {
	p := New()
	out, err := p.Process(types.WorkItem{ID: "a", Payload: map[string]interface{}{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "HI", out["text"])
}

func TestProcessReverse(t *testing.T) {
	p := New()
	out, err := p.Process(types.WorkItem{Payload: map[string]interface{}{"operation": "reverse", "text": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "cba", out["text"])
}

func TestProcessWordCount(t *testing.T) {
	p := New()
	out, err := p.Process(types.WorkItem{Payload: map[string]interface{}{"operation": "wordcount", "text": "one two three"}})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["count"])
}

func TestProcessWordCountEmptyText(t *testing.T) {
	p := New()
	out, err := p.Process(types.WorkItem{Payload: map[string]interface{}{"operation": "wordcount", "text": "  "}})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out["count"])
}

func TestProcessFailReturnsDiagnosticError(t *testing.T) {
	p := New()
	_, err := p.Process(types.WorkItem{ID: "x", Payload: map[string]interface{}{"operation": "fail"}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "x")
}

func TestProcessSilentFailReturnsSentinel(t *testing.T) {
	p := New()
	_, err := p.Process(types.WorkItem{Payload: map[string]interface{}{"operation": "silent_fail"}})
	assert.True(t, errors.Is(err, workerstub.ErrSilentFailure))
}

func TestProcessSleepHonorsDuration(t *testing.T) {
	p := New()
	start := time.Now()
	_, err := p.Process(types.WorkItem{Payload: map[string]interface{}{"operation": "sleep", "duration_ms": float64(20)}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestInitializeCapturesName(t *testing.T) {
	p := New()
	require.NoError(t, p.Initialize(map[string]interface{}{"name": "worker-0"}))
	assert.Equal(t, "worker-0", p.name)
}
