package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Process runs the configured agent command once per dispatch with the
// payload JSON on stdin. The child outlives the dispatch request.
type Process struct {
	command []string

	mu    sync.Mutex
	procs map[string]*child
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewProcess(command string) (*Process, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("agent command is required")
	}
	return &Process{command: parts, procs: map[string]*child{}}, nil
}

func (p *Process) Dispatch(ctx context.Context, payload Payload) (DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return DispatchResult{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.NewString()
	// Not CommandContext: the agent must keep running after the request ends.
	cmd := exec.Command(p.command[0], p.command[1:]...)
	if payload.WorktreePath != "" {
		cmd.Dir = payload.WorktreePath
	}
	cmd.Stdin = bytes.NewReader(data)
	cmd.Env = append(os.Environ(),
		"BUILDLINE_EXECUTION_ID="+id,
		"BUILDLINE_RUN_ID="+payload.RunID,
		"BUILDLINE_ASSIGNMENT_ID="+payload.AssignmentID,
		"BUILDLINE_FEATURE_BRANCH="+payload.FeatureBranch,
	)
	if err := cmd.Start(); err != nil {
		return DispatchResult{}, fmt.Errorf("start agent: %w", err)
	}
	c := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	p.mu.Lock()
	p.procs[id] = c
	p.mu.Unlock()
	return DispatchResult{ExecutionID: id}, nil
}

func (p *Process) lookup(id string) (*child, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.procs[id]
	return c, ok
}

// Status infers state from process liveness. Executions started by another
// process are reported unknown.
func (p *Process) Status(ctx context.Context, executionID string) (Status, error) {
	c, ok := p.lookup(executionID)
	if !ok {
		return StatusUnknown, ErrUnknownExecution
	}
	select {
	case <-c.done:
		if c.err != nil {
			return StatusFailed, nil
		}
		return StatusExited, nil
	default:
		return StatusRunning, nil
	}
}

func (p *Process) Cancel(ctx context.Context, executionID string) error {
	c, ok := p.lookup(executionID)
	if !ok {
		return ErrUnknownExecution
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill agent %s: %w", executionID, err)
	}
	return nil
}
