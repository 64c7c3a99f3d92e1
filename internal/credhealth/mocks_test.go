package credhealth_test

import (
	"context"
	"sync"
)

type credentialSourceMock struct {
	RefreshCredentialFunc func(ctx context.Context) error
	InvalidateFunc        func() error

	mu              sync.Mutex
	invalidateCalls int
}

func (m *credentialSourceMock) RefreshCredential(ctx context.Context) error {
	return m.RefreshCredentialFunc(ctx)
}

func (m *credentialSourceMock) Invalidate() error {
	m.mu.Lock()
	m.invalidateCalls++
	m.mu.Unlock()

	if m.InvalidateFunc == nil {
		return nil
	}
	return m.InvalidateFunc()
}

func (m *credentialSourceMock) InvalidateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidateCalls
}

type deliverCall struct {
	Room string
	Text string
}

type notifierMock struct {
	DeliverFunc func(ctx context.Context, room, text string) error

	mu    sync.Mutex
	calls []deliverCall
}

func (m *notifierMock) Deliver(ctx context.Context, room, text string) error {
	m.mu.Lock()
	m.calls = append(m.calls, deliverCall{Room: room, Text: text})
	m.mu.Unlock()

	if m.DeliverFunc == nil {
		return nil
	}
	return m.DeliverFunc(ctx, room, text)
}

func (m *notifierMock) DeliverCalls() []deliverCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deliverCall(nil), m.calls...)
}
