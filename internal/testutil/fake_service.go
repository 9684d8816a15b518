package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// FakeService implements suture.Service without importing suture directly
// (Serve(ctx) error plus String() satisfies the interface structurally),
// giving supervisor tests control over start/stop/failure behavior.
type FakeService struct {
	name       string
	startCount atomic.Int32
	stopCount  atomic.Int32
	failCount  atomic.Int32
	maxFails   int32
	err        error
	mu         sync.Mutex
}

// NewFakeService creates a fake service named name.
func NewFakeService(name string) *FakeService {
	return &FakeService{name: name}
}

// Serve runs until ctx is canceled, unless configured via SetError or
// SetFailCount to fail first.
func (m *FakeService) Serve(ctx context.Context) error {
	m.startCount.Add(1)
	defer m.stopCount.Add(1)

	m.mu.Lock()
	err := m.err
	maxFails := m.maxFails
	m.mu.Unlock()

	if maxFails > 0 {
		current := m.failCount.Add(1)
		if current <= maxFails {
			return errors.New("simulated failure")
		}
	}

	if err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// SetError configures Serve to return err immediately on its next call.
func (m *FakeService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetFailCount configures Serve to fail n times before running normally.
func (m *FakeService) SetFailCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFails = int32(n)
}

// StartCount returns how many times Serve was called.
func (m *FakeService) StartCount() int32 { return m.startCount.Load() }

// StopCount returns how many times Serve returned.
func (m *FakeService) StopCount() int32 { return m.stopCount.Load() }

// String implements fmt.Stringer; suture uses it to identify services in
// log messages.
func (m *FakeService) String() string { return m.name }
