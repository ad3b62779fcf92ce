package store

import (
	"context"
	"sync"
)

// Memory keeps progress for the life of the process.
type Memory struct {
	mu sync.Mutex
	p  *Progress
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(_ context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = &p
	return nil
}

func (m *Memory) Load(_ context.Context) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p == nil {
		return nil, nil
	}
	cp := *m.p
	return &cp, nil
}

func (m *Memory) UpdateStep(_ context.Context, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p != nil {
		m.p.CurrentStep = step
	}
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = nil
	return nil
}
