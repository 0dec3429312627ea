// ABOUTME: Builder that records one agent run and the tool calls it makes
// ABOUTME: Times tool calls with an injected clock and persists the run in one transaction

package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/convstore/internal/clock"
	"github.com/2389/convstore/internal/store"
)

// ErrFinished is returned when a run is finished twice.
var ErrFinished = errors.New("run already finished")

// errUnfinishedTool is stored on tool calls that never called Finish.
const errUnfinishedTool = "tool call did not finish"

// Step is one reasoning step of an agent run.
type Step struct {
	Thought     string          `json:"thought,omitempty"`
	Action      string          `json:"action,omitempty"`
	ActionInput json.RawMessage `json:"action_input,omitempty"`
	Observation string          `json:"observation,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Recorder starts runs against an execution store.
type Recorder struct {
	store  store.ExecutionStore
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Recorder. A nil clock uses the system clock.
func New(s store.ExecutionStore, c clock.Clock, logger *slog.Logger) *Recorder {
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		clock:  clock.NewMonotonic(c),
		logger: logger.With("component", "recorder"),
	}
}

// Run accumulates one agent run until Finish persists it.
// All methods are safe for concurrent use.
type Run struct {
	rec            *Recorder
	conversationID string
	messageID      *string
	query          string
	started        time.Time

	mu         sync.Mutex
	steps      []json.RawMessage
	calls      []*ToolCall
	iterations int
	toolsUsed  []string
	metadata   store.Metadata
	encodeErr  error
	finished   bool
}

// Start begins a run for conversationID. messageID may be nil.
func (r *Recorder) Start(conversationID string, messageID *string, query string) *Run {
	return &Run{
		rec:            r,
		conversationID: conversationID,
		messageID:      messageID,
		query:          query,
		started:        r.clock.Now(),
	}
}

// Step appends a reasoning step. A zero Timestamp is filled from the clock.
func (run *Run) Step(s Step) {
	if s.Timestamp.IsZero() {
		s.Timestamp = run.rec.clock.Now()
	}
	data, err := json.Marshal(s)

	run.mu.Lock()
	defer run.mu.Unlock()
	if err != nil {
		run.encodeErr = errors.Join(run.encodeErr, fmt.Errorf("encoding step %d: %w", len(run.steps), err))
		return
	}
	run.steps = append(run.steps, data)
}

// Iteration counts one loop of the agent and returns the new total.
func (run *Run) Iteration() int {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.iterations++
	return run.iterations
}

// SetToolsUsed overrides the tools_used summary derived from tool calls.
func (run *Run) SetToolsUsed(names []string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.toolsUsed = append([]string{}, names...)
}

// SetMetadata attaches free-form metadata to the execution.
func (run *Run) SetMetadata(m store.Metadata) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.metadata = m
}

// ToolCall is one in-flight tool invocation.
type ToolCall struct {
	run     *Run
	name    string
	input   json.RawMessage
	started time.Time

	done     bool
	output   json.RawMessage
	errText  *string
	duration float64
}

// Tool marks the start of a tool invocation. input is encoded as JSON; a
// json.RawMessage is stored as-is. A call without arguments (nil input) is
// stored with an empty object.
func (run *Run) Tool(name string, input any) *ToolCall {
	call := &ToolCall{run: run, name: name, started: run.rec.clock.Now()}

	data, err := json.Marshal(input)
	if err == nil && isNull(data) {
		data = json.RawMessage(`{}`)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if err != nil {
		run.encodeErr = errors.Join(run.encodeErr, fmt.Errorf("encoding input of tool %q: %w", name, err))
		data = json.RawMessage(`{}`)
	}
	call.input = data
	run.calls = append(run.calls, call)
	return call
}

// Finish records the outcome of the tool call. A nil output, typed or not,
// is stored as absent. Calling Finish more than once keeps the first outcome.
func (tc *ToolCall) Finish(output any, err error) {
	elapsed := tc.run.rec.clock.Now().Sub(tc.started).Seconds()

	var data json.RawMessage
	var encodeErr error
	if output != nil {
		data, encodeErr = json.Marshal(output)
		if isNull(data) {
			data = nil
		}
	}

	tc.run.mu.Lock()
	defer tc.run.mu.Unlock()
	if tc.done {
		return
	}
	tc.done = true
	tc.duration = elapsed
	if encodeErr != nil {
		tc.run.encodeErr = errors.Join(tc.run.encodeErr, fmt.Errorf("encoding output of tool %q: %w", tc.name, encodeErr))
	} else {
		tc.output = data
	}
	if err != nil {
		msg := err.Error()
		tc.errText = &msg
	}
}

// Finish persists the run with its tool executions in one transaction.
// runErr is the agent's own failure; it is recorded, not returned. The
// returned error is only about persisting, and a failed Finish may be retried.
func (run *Run) Finish(ctx context.Context, result string, runErr error) (*store.AgentExecution, error) {
	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return nil, ErrFinished
	}
	if run.encodeErr != nil {
		run.mu.Unlock()
		return nil, run.encodeErr
	}
	run.finished = true

	exec, tools := run.build(result, runErr)
	run.mu.Unlock()

	saved, recorded, err := run.rec.store.RecordExecutionWithTools(ctx, exec, tools)
	if err != nil {
		// Nothing was written; the caller may retry Finish.
		run.mu.Lock()
		run.finished = false
		run.mu.Unlock()
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	run.rec.logger.Debug("recorded agent run",
		"execution_id", saved.ID,
		"conversation_id", saved.ConversationID,
		"success", saved.Success,
		"iterations", saved.Iterations,
		"tool_executions", len(recorded),
	)
	return saved, nil
}

// build assembles the store inputs. Caller must hold run.mu.
func (run *Run) build(result string, runErr error) (store.NewAgentExecution, []store.NewToolExecution) {
	now := run.rec.clock.Now()

	exec := store.NewAgentExecution{
		ConversationID: run.conversationID,
		MessageID:      run.messageID,
		Query:          run.query,
		Steps:          run.steps,
		Iterations:     run.iterations,
		ExecutionTime:  now.Sub(run.started).Seconds(),
		Success:        runErr == nil,
		Metadata:       run.metadata,
	}
	if result != "" {
		exec.Result = &result
	}
	if runErr != nil {
		msg := runErr.Error()
		exec.Error = &msg
	}

	tools := make([]store.NewToolExecution, 0, len(run.calls))
	var invoked []string
	seen := map[string]bool{}
	for _, call := range run.calls {
		tool := store.NewToolExecution{
			ToolName: call.name,
			Input:    call.input,
		}
		if call.done {
			tool.Output = call.output
			tool.Success = call.errText == nil
			tool.Error = call.errText
			tool.ExecutionTime = call.duration
		} else {
			msg := errUnfinishedTool
			tool.Error = &msg
			tool.ExecutionTime = now.Sub(call.started).Seconds()
		}
		tools = append(tools, tool)

		if !seen[call.name] {
			seen[call.name] = true
			invoked = append(invoked, call.name)
		}
	}

	exec.ToolsUsed = invoked
	if run.toolsUsed != nil {
		exec.ToolsUsed = run.toolsUsed
	}
	return exec, tools
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
