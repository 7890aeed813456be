package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mock records payloads and accepts every dispatch unless Fail is set.
type Mock struct {
	mu         sync.Mutex
	payloads   []Payload
	cancelled  []string
	executions map[string]Status

	// Fail, when non-nil, is consulted before each dispatch; a non-nil
	// return rejects the task.
	Fail func(Payload) error
}

func NewMock() *Mock {
	return &Mock{executions: map[string]Status{}}
}

func (m *Mock) Dispatch(ctx context.Context, p Payload) (DispatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(p); err != nil {
			return DispatchResult{}, err
		}
	}
	id := "mock-" + uuid.NewString()
	m.payloads = append(m.payloads, p)
	m.executions[id] = StatusRunning
	return DispatchResult{ExecutionID: id}, nil
}

func (m *Mock) Status(ctx context.Context, executionID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.executions[executionID]
	if !ok {
		return StatusUnknown, ErrUnknownExecution
	}
	return st, nil
}

func (m *Mock) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[executionID]; !ok {
		return ErrUnknownExecution
	}
	m.executions[executionID] = StatusFailed
	m.cancelled = append(m.cancelled, executionID)
	return nil
}

// Payloads returns a copy of every accepted payload.
func (m *Mock) Payloads() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payload(nil), m.payloads...)
}

// Cancelled returns the execution ids cancelled so far.
func (m *Mock) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}
