package arrow_client

import (
	"context"
	"fmt"
	"sync"
)

// ExchangeHandler answers one rank's exchange in process.
type ExchangeHandler func(ctx context.Context, desc ExchangeDescriptor, payload []byte) ([]byte, error)

// MockFlightClient is an in-process Exchanger for tests. Failures queued
// with FailNext are returned before the handler is consulted.
type MockFlightClient struct {
	mu        sync.Mutex
	connected bool
	handler   ExchangeHandler
	failures  []error
	calls     int
}

// NewMockFlightClient creates a new mock client
func NewMockFlightClient(handler ExchangeHandler) *MockFlightClient {
	return &MockFlightClient{handler: handler, connected: true}
}

// FailNext makes the next exchange attempts fail with errs, in order
func (m *MockFlightClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls returns how many exchange attempts were made
func (m *MockFlightClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) Exchange(ctx context.Context, desc ExchangeDescriptor, payload []byte) ([]byte, error) {
	var out []byte
	err := Retry(ctx, 3, 0, func() error {
		m.mu.Lock()
		m.calls++
		if !m.connected {
			m.mu.Unlock()
			return fmt.Errorf("client not connected")
		}
		if len(m.failures) > 0 {
			err := m.failures[0]
			m.failures = m.failures[1:]
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
		var err error
		out, err = m.handler(ctx, desc, payload)
		return err
	})
	return out, err
}
