package relay_test

import (
	"context"
	"sync"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

type mailSourceMock struct {
	ListCandidatesFunc func(ctx context.Context, filter string) ([]string, error)
	GetMetadataFunc    func(ctx context.Context, id string) (model.MessageMeta, error)

	mu            sync.Mutex
	listCalls     []string
	metadataCalls []string
}

func (m *mailSourceMock) ListCandidates(ctx context.Context, filter string) ([]string, error) {
	m.mu.Lock()
	m.listCalls = append(m.listCalls, filter)
	m.mu.Unlock()
	return m.ListCandidatesFunc(ctx, filter)
}

func (m *mailSourceMock) GetMetadata(ctx context.Context, id string) (model.MessageMeta, error) {
	m.mu.Lock()
	m.metadataCalls = append(m.metadataCalls, id)
	m.mu.Unlock()
	return m.GetMetadataFunc(ctx, id)
}

func (m *mailSourceMock) MetadataCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.metadataCalls...)
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

type seenStoreMock struct {
	LoadFunc     func(ctx context.Context) error
	ContainsFunc func(id string) bool
	CommitFunc   func(ctx context.Context, ids []string) error
}

func (m *seenStoreMock) Load(ctx context.Context) error {
	return m.LoadFunc(ctx)
}

func (m *seenStoreMock) Contains(id string) bool {
	return m.ContainsFunc(id)
}

func (m *seenStoreMock) Commit(ctx context.Context, ids []string) error {
	return m.CommitFunc(ctx, ids)
}
