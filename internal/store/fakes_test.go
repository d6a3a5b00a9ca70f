package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

type call struct {
	query string
	args  map[string]any
}

// fakeConn records queries and lets each test decide the result
type fakeConn struct {
	mu       sync.Mutex
	calls    []call
	closed   int
	queryOne func(dest any, args map[string]any) (bool, error)
	queryAll func(dest any, args map[string]any) error
}

func (f *fakeConn) record(query string, args map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{query: query, args: args})
}

func (f *fakeConn) Execute(_ context.Context, query string, args map[string]any) error {
	f.record(query, args)
	return nil
}

func (f *fakeConn) QueryOne(_ context.Context, dest any, query string, args map[string]any) (bool, error) {
	f.record(query, args)
	if f.queryOne == nil {
		return false, nil
	}
	return f.queryOne(dest, args)
}

func (f *fakeConn) QueryAll(_ context.Context, dest any, query string, args map[string]any) error {
	f.record(query, args)
	if f.queryAll == nil {
		return nil
	}
	return f.queryAll(dest, args)
}

func (f *fakeConn) EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (f *fakeConn) DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) lastArgs() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1].args
}

type fakeListener struct {
	channels  []string
	listenErr error
	ch        chan postgresql.Notification
	closed    int
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan postgresql.Notification, 4)}
}

func (f *fakeListener) Listen(_ context.Context, channels ...string) error {
	if f.listenErr != nil {
		return f.listenErr
	}
	f.channels = append(f.channels, channels...)
	return nil
}

func (f *fakeListener) Notifications() <-chan postgresql.Notification {
	return f.ch
}

func (f *fakeListener) Close() error {
	f.closed++
	return nil
}
