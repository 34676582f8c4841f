package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/sharepeer/src/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fastPolicy keeps the default sizes and scales every delay down.
func fastPolicy() Policy {
	p := DefaultPolicy()
	p.PollInterval = 2 * time.Millisecond
	p.ProgressInterval = 5 * time.Millisecond
	p.ConnectTimeout = 40 * time.Millisecond
	p.RetryDelay = 5 * time.Millisecond
	p.StartDelay = 10 * time.Millisecond
	p.AdvanceDelay = time.Millisecond
	p.CloseDelay = 0
	return p
}

type fakeChannel struct {
	id   string
	peer string

	events chan transport.ChannelEvent
	low    chan struct{}

	open       atomic.Bool
	closed     atomic.Bool
	buffered   atomic.Int64
	closeCalls atomic.Int32
	rejections atomic.Int32
	failSend   atomic.Bool

	mu     sync.Mutex
	sent   []transport.Message
	remote *fakeChannel
}

func newFakeChannel(id, peer string) *fakeChannel {
	return &fakeChannel{
		id:     id,
		peer:   peer,
		events: make(chan transport.ChannelEvent, 1024),
		low:    make(chan struct{}, 1),
	}
}

func (c *fakeChannel) ID() string                            { return c.id }
func (c *fakeChannel) Peer() string                          { return c.peer }
func (c *fakeChannel) PeerName() string                      { return "name-" + c.peer }
func (c *fakeChannel) Open() bool                            { return c.open.Load() && !c.closed.Load() }
func (c *fakeChannel) BufferedAmount() int                   { return int(c.buffered.Load()) }
func (c *fakeChannel) BufferedLow() <-chan struct{}          { return c.low }
func (c *fakeChannel) Events() <-chan transport.ChannelEvent { return c.events }

func (c *fakeChannel) Send(msg transport.Message) error {
	if !c.Open() {
		return transport.ErrClosed
	}
	if c.failSend.Load() {
		return fmt.Errorf("send refused")
	}
	data := append([]byte(nil), msg.Data...)
	c.mu.Lock()
	c.sent = append(c.sent, transport.Message{Binary: msg.Binary, Data: data})
	remote := c.remote
	c.mu.Unlock()
	if remote != nil && remote.Open() {
		remote.events <- transport.ChannelEvent{Type: transport.ChannelData, Message: transport.Message{Binary: msg.Binary, Data: data}}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	return c.closeWith(nil)
}

func (c *fakeChannel) Reject(reason *transport.Error) error {
	c.rejections.Add(1)
	return c.closeWith(reason)
}

func (c *fakeChannel) closeWith(reason error) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closeCalls.Add(1)
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		remote.remoteClose(reason)
	}
	return nil
}

func (c *fakeChannel) markOpen() {
	c.open.Store(true)
	c.events <- transport.ChannelEvent{Type: transport.ChannelOpen}
}

func (c *fakeChannel) remoteClose(err error) {
	if c.closed.Swap(true) {
		return
	}
	if err != nil {
		c.events <- transport.ChannelEvent{Type: transport.ChannelError, Err: err}
	}
	c.events <- transport.ChannelEvent{Type: transport.ChannelClose, Err: err}
}

// drop closes both ends as a lost connection would.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	c.remoteClose(nil)
	if remote != nil {
		remote.remoteClose(nil)
	}
}

func (c *fakeChannel) setBuffered(n int) {
	c.buffered.Store(int64(n))
	select {
	case c.low <- struct{}{}:
	default:
	}
}

// setBufferedQuiet changes the amount without a BufferedLow signal.
func (c *fakeChannel) setBufferedQuiet(n int) {
	c.buffered.Store(int64(n))
}

func (c *fakeChannel) sentMessages() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.sent...)
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func pair(dialer, listener *fakeChannel) {
	dialer.mu.Lock()
	dialer.remote = listener
	dialer.mu.Unlock()
	listener.mu.Lock()
	listener.remote = dialer
	listener.mu.Unlock()
}

type fakeEndpoint struct {
	network *fakeNetwork
	id      string
	events  chan transport.EndpointEvent

	reconnects    atomic.Int32
	failReconnect atomic.Int32
	closed        atomic.Bool
}

func (e *fakeEndpoint) ID() string                             { return e.id }
func (e *fakeEndpoint) Events() <-chan transport.EndpointEvent { return e.events }

func (e *fakeEndpoint) Connect(ctx context.Context, remoteID string) (transport.Channel, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	return e.network.connect(e, remoteID), nil
}

func (e *fakeEndpoint) Reconnect(ctx context.Context) error {
	n := e.reconnects.Add(1)
	if n <= e.failReconnect.Load() {
		return &transport.Error{Kind: transport.KindNetwork, Message: "still offline"}
	}
	e.events <- transport.EndpointEvent{Type: transport.EndpointOpen}
	return nil
}

func (e *fakeEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.network.mu.Lock()
	if e.network.endpoints[e.id] == e {
		delete(e.network.endpoints, e.id)
	}
	e.network.mu.Unlock()
	return nil
}

// fakeNetwork connects endpoints in memory. onConnect, when set, replaces
// the default pairing for a Connect call.
type fakeNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*fakeEndpoint
	seq       int
	dialed    []*fakeChannel
	accepted  []*fakeChannel
	connects  atomic.Int32
	onConnect func(attempt int, ch *fakeChannel) bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{endpoints: make(map[string]*fakeEndpoint)}
}

func (n *fakeNetwork) Endpoint(ctx context.Context, id string) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	if id == "" {
		id = fmt.Sprintf("anon-%d", n.seq)
	}
	if _, taken := n.endpoints[id]; taken {
		return nil, &transport.Error{Kind: transport.KindUnavailableID, Message: id}
	}
	ep := &fakeEndpoint{network: n, id: id, events: make(chan transport.EndpointEvent, 64)}
	n.endpoints[id] = ep
	ep.events <- transport.EndpointEvent{Type: transport.EndpointOpen}
	return ep, nil
}

func (n *fakeNetwork) connect(from *fakeEndpoint, remoteID string) *fakeChannel {
	attempt := int(n.connects.Add(1))
	n.mu.Lock()
	n.seq++
	local := newFakeChannel(fmt.Sprintf("conn-%d", n.seq), remoteID)
	n.dialed = append(n.dialed, local)
	target := n.endpoints[remoteID]
	hook := n.onConnect
	n.mu.Unlock()

	if hook != nil && hook(attempt, local) {
		return local
	}
	if target == nil {
		local.remoteClose(&transport.Error{Kind: transport.KindPeerUnavailable, Message: "could not connect to peer " + remoteID})
		return local
	}

	remote := newFakeChannel(local.id, from.id)
	pair(local, remote)
	n.mu.Lock()
	n.accepted = append(n.accepted, remote)
	n.mu.Unlock()

	remote.markOpen()
	target.events <- transport.EndpointEvent{Type: transport.EndpointConnection, Channel: remote}
	local.markOpen()
	return local
}

func (n *fakeNetwork) acceptedChannel(i int) *fakeChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.accepted) {
		return nil
	}
	return n.accepted[i]
}

func (n *fakeNetwork) dialedChannel(i int) *fakeChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.dialed) {
		return nil
	}
	return n.dialed[i]
}

type fakeWakeLock struct {
	acquired atomic.Int32
	released atomic.Int32
	fail     bool
}

func (w *fakeWakeLock) Acquire() error {
	if w.fail {
		return fmt.Errorf("no inhibitor")
	}
	w.acquired.Add(1)
	return nil
}

func (w *fakeWakeLock) Release() error {
	w.released.Add(1)
	return nil
}
