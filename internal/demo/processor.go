// Package demo provides a small stand-in processing capability that
// exercises the full worker protocol (success, diagnostic failure, silent
// failure, slow response) without depending on any real business logic.
// It plays the same role in this repo that Worker.execute's simulated
// delay and 10% failure rate played in the teacher's goroutine pool: a
// vehicle for testing the pool mechanics, not production behavior.
package demo

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/poolctl/internal/workerstub"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// Processor implements workerstub.Processor. Each item names an
// "operation" in its payload: upper, reverse, wordcount, sleep, fail,
// silent_fail. Anything else is treated as upper.
type Processor struct {
	name string
}

func New() *Processor {
	return &Processor{}
}

func (p *Processor) Initialize(config map[string]interface{}) error {
	if name, ok := config["name"].(string); ok {
		p.name = name
	}
	return nil
}

func (p *Processor) Finalize() {}

func (p *Processor) Process(item types.WorkItem) (map[string]interface{}, error) {
	op, _ := item.Payload["operation"].(string)
	text, _ := item.Payload["text"].(string)

	switch op {
	case "sleep":
		ms := 50
		if v, ok := item.Payload["duration_ms"].(float64); ok {
			ms = int(v)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return map[string]interface{}{"text": text}, nil

	case "fail":
		return nil, fmt.Errorf("processing failed for item %s", item.ID)

	case "silent_fail":
		return nil, workerstub.ErrSilentFailure

	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return map[string]interface{}{"text": string(runes)}, nil

	case "wordcount":
		n := 0
		if strings.TrimSpace(text) != "" {
			n = len(strings.Fields(text))
		}
		return map[string]interface{}{"count": float64(n)}, nil

	default:
		return map[string]interface{}{"text": strings.ToUpper(text)}, nil
	}
}
