package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

// mockRegistry is a testify mock for legislation.Client.
type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Metadata(ctx context.Context, key string) (*legislation.MetadataFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.MetadataFields), args.Error(1)
}

func (m *mockRegistry) Extent(ctx context.Context, key string) (*legislation.ExtentFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.ExtentFields), args.Error(1)
}

func (m *mockRegistry) EnactedBy(ctx context.Context, key string) (*legislation.EnactedByFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.EnactedByFields), args.Error(1)
}

func (m *mockRegistry) Amending(ctx context.Context, key string) (*legislation.ChangeFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.ChangeFields), args.Error(1)
}

func (m *mockRegistry) AmendedBy(ctx context.Context, key string) (*legislation.ChangeFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.ChangeFields), args.Error(1)
}

func (m *mockRegistry) RepealRevoke(ctx context.Context, key string) (*legislation.RevocationFields, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*legislation.RevocationFields), args.Error(1)
}

// recordingSink captures progress events. Stages publish concurrently, so
// access is serialized.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
