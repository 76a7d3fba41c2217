package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"toolhost/internal/domain"
)

// AnyEvent subscribes a listener to every message on the channel.
const AnyEvent = "*"

// ClientOptions tunes a Client.
type ClientOptions struct {
	ReadyTimeout time.Duration
	CallTimeout  time.Duration
}

// Client is a connection to one plugin backend. Listeners are keyed by event
// name: the name carried by a $event message, or the message kind for
// $ready, $log, exit and error.
type Client struct {
	backends domain.Backends
	pluginID string
	root     string
	cfg      domain.BackendConfig
	opts     ClientOptions

	mu        sync.Mutex
	handle    *domain.BackendHandle
	ready     *domain.ReadyInfo
	unsub     func()
	listeners map[string]map[int]func(domain.ChannelMessage)
	nextID    int
}

// NewClient creates an unconnected client.
func NewClient(backends domain.Backends, pluginID, root string, cfg domain.BackendConfig, opts ClientOptions) *Client {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &Client{
		backends:  backends,
		pluginID:  pluginID,
		root:      root,
		cfg:       cfg,
		opts:      opts,
		listeners: make(map[string]map[int]func(domain.ChannelMessage)),
	}
}

// Connect registers the backend and waits until it is ready. On failure the
// backend is disposed.
func (c *Client) Connect(ctx context.Context) (*domain.ReadyInfo, error) {
	c.mu.Lock()
	if c.handle != nil {
		ready := c.ready
		c.mu.Unlock()
		return ready, nil
	}
	c.mu.Unlock()

	h, err := c.backends.Register(ctx, c.pluginID, c.root, c.cfg)
	if err != nil {
		return nil, err
	}
	unsub, err := c.backends.Subscribe(h.ChannelID, c.emit)
	if err != nil {
		c.backends.Dispose(context.WithoutCancel(ctx), h.ChannelID)
		return nil, err
	}
	ready, err := c.backends.WaitForReady(ctx, h.ChannelID, c.opts.ReadyTimeout)
	if err != nil {
		unsub()
		c.backends.Dispose(context.WithoutCancel(ctx), h.ChannelID)
		return nil, err
	}

	c.mu.Lock()
	c.handle = h
	c.ready = ready
	c.unsub = unsub
	c.mu.Unlock()
	return ready, nil
}

// Handle returns the backend handle, or nil before Connect.
func (c *Client) Handle() *domain.BackendHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// ChannelID returns the connected channel, or "".
func (c *Client) ChannelID() string {
	if h := c.Handle(); h != nil {
		return h.ChannelID
	}
	return ""
}

func (c *Client) channelID(op string) (string, error) {
	id := c.ChannelID()
	if id == "" {
		return "", domain.NewSubSystemError("supervisor", op, domain.ErrProcessNotRunning, "client not connected")
	}
	return id, nil
}

// Call invokes method and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, err := c.channelID("client.call")
	if err != nil {
		return nil, err
	}
	return c.backends.Call(ctx, id, method, params, c.opts.CallTimeout)
}

// CallInto invokes method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewDomainError("client.call", domain.ErrRPCInvalidPayload, fmt.Sprintf("%s result: %v", method, err))
	}
	return nil
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	id, err := c.channelID("client.notify")
	if err != nil {
		return err
	}
	return c.backends.Notify(id, method, params)
}

// On adds a listener for event and returns a function that removes it.
func (c *Client) On(event string, fn func(domain.ChannelMessage)) func() {
	c.mu.Lock()
	id := c.add(event, fn)
	c.mu.Unlock()
	return func() { c.remove(event, id) }
}

// Once adds a listener that is removed after its first delivery.
func (c *Client) Once(event string, fn func(domain.ChannelMessage)) func() {
	var once sync.Once
	c.mu.Lock()
	var id int
	id = c.add(event, func(m domain.ChannelMessage) {
		once.Do(func() {
			c.remove(event, id)
			fn(m)
		})
	})
	c.mu.Unlock()
	return func() { c.remove(event, id) }
}

// add must be called with c.mu held.
func (c *Client) add(event string, fn func(domain.ChannelMessage)) int {
	set, ok := c.listeners[event]
	if !ok {
		set = make(map[int]func(domain.ChannelMessage))
		c.listeners[event] = set
	}
	id := c.nextID
	c.nextID++
	set[id] = fn
	return id
}

func (c *Client) remove(event string, id int) {
	c.mu.Lock()
	delete(c.listeners[event], id)
	c.mu.Unlock()
}

// Off removes every listener for event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	delete(c.listeners, event)
	c.mu.Unlock()
}

func eventName(m domain.ChannelMessage) string {
	if m.Kind == TypeEvent {
		return m.Event
	}
	return m.Kind
}

func (c *Client) emit(m domain.ChannelMessage) {
	name := eventName(m)
	c.mu.Lock()
	var fns []func(domain.ChannelMessage)
	for _, key := range []string{name, AnyEvent} {
		for _, fn := range c.listeners[key] {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// Disconnect clears listeners and disposes the backend.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	h := c.handle
	unsub := c.unsub
	c.handle, c.ready, c.unsub = nil, nil, nil
	c.listeners = make(map[string]map[int]func(domain.ChannelMessage))
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	return c.backends.Dispose(ctx, h.ChannelID)
}
