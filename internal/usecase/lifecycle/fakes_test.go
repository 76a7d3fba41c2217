package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"toolhost/internal/domain"
)

type fakePlugins struct {
	mu      sync.Mutex
	records map[string]*domain.PluginRecord
}

func newFakePlugins(recs ...domain.PluginRecord) *fakePlugins {
	p := &fakePlugins{records: make(map[string]*domain.PluginRecord)}
	for i := range recs {
		r := recs[i]
		p.records[r.ID] = &r
	}
	return p
}

func (p *fakePlugins) GetByID(id string) (*domain.PluginRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (p *fakePlugins) GetAll() []domain.PluginRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PluginRecord
	for _, r := range p.records {
		out = append(out, *r)
	}
	return out
}

func (p *fakePlugins) UpdateStatus(id string, status domain.PluginStatus, lastErr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.LastError = lastErr
	return nil
}

func (p *fakePlugins) status(id string) (domain.PluginStatus, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.records[id]
	return r.Status, r.LastError
}

// fakeBackends stands in for the supervisor. Readiness blocks on gate when
// set, and fails with readyErr when set.
type fakeBackends struct {
	mu        sync.Mutex
	channels  map[string]func(domain.ChannelMessage)
	registers atomic.Int32
	disposes  atomic.Int32
	gate      chan struct{}
	readyErr  error
	failStop  string // plugin whose dispose fails
	next      int
}

func newFakeBackends() *fakeBackends {
	return &fakeBackends{channels: make(map[string]func(domain.ChannelMessage))}
}

func (b *fakeBackends) Register(ctx context.Context, pluginID, root string, cfg domain.BackendConfig) (*domain.BackendHandle, error) {
	b.registers.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := fmt.Sprintf("%s:%d", pluginID, b.next)
	b.channels[id] = nil
	return &domain.BackendHandle{PluginID: pluginID, ChannelID: id, PID: 1000 + b.next, Type: cfg.Type}, nil
}

func (b *fakeBackends) WaitForReady(ctx context.Context, channelID string, timeout time.Duration) (*domain.ReadyInfo, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-time.After(timeout):
			return nil, domain.ErrTimeout
		}
	}
	if b.readyErr != nil {
		return nil, b.readyErr
	}
	return &domain.ReadyInfo{Version: "1.0.0"}, nil
}

func (b *fakeBackends) Call(ctx context.Context, channelID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	b.mu.Lock()
	_, ok := b.channels[channelID]
	b.mu.Unlock()
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	return json.Marshal(map[string]string{"channel": channelID, "method": method})
}

func (b *fakeBackends) Notify(channelID, method string, params any) error { return nil }

func (b *fakeBackends) Subscribe(channelID string, handler func(domain.ChannelMessage)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channelID] = handler
	return func() {
		b.mu.Lock()
		if _, ok := b.channels[channelID]; ok {
			b.channels[channelID] = nil
		}
		b.mu.Unlock()
	}, nil
}

func (b *fakeBackends) Dispose(ctx context.Context, channelID string) error {
	if b.failStop != "" && strings.HasPrefix(channelID, b.failStop+":") {
		return domain.NewSubSystemError("supervisor", "backend.dispose", domain.ErrIOFailure, "stuck")
	}
	b.mu.Lock()
	_, ok := b.channels[channelID]
	delete(b.channels, channelID)
	b.mu.Unlock()
	if ok {
		b.disposes.Add(1)
	}
	return nil
}

// crash simulates the backend on channelID exiting with code.
func (b *fakeBackends) crash(channelID string, code int) {
	b.mu.Lock()
	h := b.channels[channelID]
	delete(b.channels, channelID)
	b.mu.Unlock()
	if h != nil {
		h(domain.ChannelMessage{ChannelID: channelID, Kind: "exit", ExitCode: &code})
	}
}

type fakeProcs struct{ killed atomic.Int32 }

func (p *fakeProcs) KillPlugin(ctx context.Context, pluginID string) int {
	p.killed.Add(1)
	return 0
}

func backendPlugin(id string) domain.PluginRecord {
	return domain.PluginRecord{
		ID:   id,
		Path: "/plugins/" + id,
		Mode: domain.PluginModeWebview,
		Manifest: domain.Manifest{
			ID:      id,
			Name:    id,
			Version: "1.0.0",
			Runtime: domain.WebviewRuntime{
				UI:      domain.UIConfig{Entry: "dist/index.html"},
				Backend: &domain.BackendConfig{Type: domain.BackendPython, Entry: "main.py"},
			},
		},
		Status: domain.PluginStatusStopped,
	}
}

func frontendPlugin(id string) domain.PluginRecord {
	rec := backendPlugin(id)
	rec.Manifest.Runtime = domain.WebviewRuntime{UI: domain.UIConfig{Entry: "dist/index.html"}}
	return rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
