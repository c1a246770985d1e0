// Package workerstub implements the worker side of the coordinator
// protocol: the loop a subprocess runs against its stdin/stdout once the
// coordinator has spawned it.
//
// This is the Go counterpart of Subprocessor.Cli._subprocess_run from the
// Python original: initialize, then loop reading DATA/CLOSE messages from
// the host and replying with SUCCESS/ERROR, then finalize.
package workerstub

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/ChuLiYu/poolctl/internal/protocol"
	"github.com/ChuLiYu/poolctl/pkg/types"
)

// ErrSilentFailure is the worker-side sentinel: processing failed but no
// diagnostic text is warranted. A Processor.Process implementation returns
// this (wrapped or bare) to suppress the diagnostic text the coordinator
// would otherwise log.
var ErrSilentFailure = errors.New("workerstub: silent failure")

// Processor is the embedder-supplied capability a worker subprocess runs.
// All three methods execute inside the worker process, never the
// coordinator.
type Processor interface {
	// Initialize prepares the processor using config handed down from the
	// coordinator (the per-process client_dict of the Python original).
	Initialize(config map[string]interface{}) error

	// Process handles a single item and returns its output, or an error.
	// Returning an error wrapping ErrSilentFailure suppresses diagnostic
	// text; any other error is reported with its message as diagnostic.
	Process(item types.WorkItem) (map[string]interface{}, error)

	// Finalize runs once, after the host sends CLOSE, before the process
	// exits.
	Finalize()
}

// Stub drives a Processor against a protocol connection. Run blocks until
// the host sends CLOSE or closes the connection.
type Stub struct {
	Processor Processor
	In        io.Reader
	Out       io.Writer
}

// Run executes the full worker lifecycle: initialize, process loop, finalize.
// It never returns an error for a clean CLOSE; any I/O error from the wire
// is returned as-is since there is no longer a host to report it to.
func (s *Stub) Run(config map[string]interface{}) error {
	w := protocol.NewWriter(s.Out)
	r := protocol.NewReader(s.In)

	if err := s.Processor.Initialize(config); err != nil {
		return w.Write(protocol.Envelope{Tag: protocol.TagError, Diagnostic: err.Error()})
	}
	if err := w.Write(protocol.Envelope{Tag: protocol.TagInitOK}); err != nil {
		return err
	}

	for {
		env, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch env.Tag {
		case protocol.TagClose:
			s.Processor.Finalize()
			return w.Write(protocol.Envelope{Tag: protocol.TagFinalized})

		case protocol.TagData:
			var item types.WorkItem
			item.ID = env.ItemID
			if len(env.Payload) > 0 {
				if err := unmarshalPayload(env.Payload, &item.Payload); err != nil {
					return w.Write(protocol.Envelope{
						Tag: protocol.TagError, ItemID: env.ItemID, HasItem: true,
						Diagnostic: fmt.Sprintf("decode payload: %v", err),
					})
				}
			}

			output, diagnostic, silent := s.runProcess(item)
			if silent {
				if err := w.Write(protocol.Envelope{Tag: protocol.TagError, ItemID: env.ItemID, HasItem: true}); err != nil {
					return err
				}
				continue
			}
			if diagnostic != "" {
				if err := w.Write(protocol.Envelope{
					Tag: protocol.TagError, ItemID: env.ItemID, HasItem: true, Diagnostic: diagnostic,
				}); err != nil {
					return err
				}
				continue
			}

			resultBytes, merr := marshalPayload(output)
			if merr != nil {
				if err := w.Write(protocol.Envelope{
					Tag: protocol.TagError, ItemID: env.ItemID, HasItem: true,
					Diagnostic: fmt.Sprintf("encode result: %v", merr),
				}); err != nil {
					return err
				}
				continue
			}
			if err := w.Write(protocol.Envelope{Tag: protocol.TagSuccess, ItemID: env.ItemID, Result: resultBytes}); err != nil {
				return err
			}

		default:
			// Unknown tag from the host: ignore and keep serving, matching
			// the Python original's implicit "else: do nothing" branch.
		}
	}
}

// runProcess calls Processor.Process, converting both a returned error and a
// panic into a diagnostic, the Go equivalent of the Python original's
// `except Exception: err_msg = traceback.format_exc()`. diagnostic carries a
// stack trace alongside the error message so the coordinator's processing-
// error log line is as useful as a crash report. silent is true only for
// ErrSilentFailure, which suppresses the diagnostic entirely.
func (s *Stub) runProcess(item types.WorkItem) (output map[string]interface{}, diagnostic string, silent bool) {
	defer func() {
		if r := recover(); r != nil {
			diagnostic = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	out, perr := s.Processor.Process(item)
	if perr != nil {
		if errors.Is(perr, ErrSilentFailure) {
			return nil, "", true
		}
		return nil, fmt.Sprintf("%v\n%s", perr, debug.Stack()), false
	}
	return out, "", false
}
