package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultLowThreshold     = 512 * 1024
	outboxSize              = 256
	channelEventBuffer      = 64
)

// RelayNetwork opens endpoints on a sharepeer relay server.
type RelayNetwork struct {
	// URL of the relay, e.g. wss://share.example.com. The /ws path is added.
	URL              string
	HandshakeTimeout time.Duration
	// LowThreshold is the BufferedAmount below which channels signal
	// BufferedLow.
	LowThreshold int
	Logger       *slog.Logger
}

// NewRelayNetwork returns a RelayNetwork with default timeouts.
func NewRelayNetwork(serverURL string, logger *slog.Logger) *RelayNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayNetwork{
		URL:              serverURL,
		HandshakeTimeout: defaultHandshakeTimeout,
		LowThreshold:     defaultLowThreshold,
		Logger:           logger,
	}
}

// Endpoint registers id on the relay. An empty id registers an anonymous
// endpoint.
func (n *RelayNetwork) Endpoint(ctx context.Context, id string) (Endpoint, error) {
	if id == "" {
		id = "peer-" + uuid.New().String()
	}
	e := &relayEndpoint{
		network:  n,
		id:       id,
		logger:   n.Logger.With("endpoint", id),
		events:   make(chan EndpointEvent, 16),
		closed:   make(chan struct{}),
		channels: make(map[string]*relayChannel),
	}
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (n *RelayNetwork) wsURL() (string, error) {
	u, err := url.Parse(n.URL)
	if err != nil {
		return "", &Error{Kind: KindOther, Message: "invalid relay URL", Err: err}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}

type outgoing struct {
	data []byte
	ch   *relayChannel
	n    int
}

type relayEndpoint struct {
	network *RelayNetwork
	id      string
	logger  *slog.Logger
	events  chan EndpointEvent

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	outbox   chan outgoing
	stop     chan struct{}
	mnemonic string
	channels map[string]*relayChannel
}

func (e *relayEndpoint) ID() string { return e.id }

func (e *relayEndpoint) Events() <-chan EndpointEvent { return e.events }

// connect dials the relay, registers the endpoint id and starts the read and
// write loops for the new socket.
func (e *relayEndpoint) connect(ctx context.Context) error {
	target, err := e.network.wsURL()
	if err != nil {
		return err
	}
	timeout := e.network.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "dial relay", Err: err}
	}

	register := MarshalFrame(&Frame{Type: FrameRegister, ID: e.id, Version: ProtocolVersion})
	if err := conn.WriteMessage(websocket.BinaryMessage, register); err != nil {
		conn.Close()
		return &Error{Kind: KindNetwork, Message: "register", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return &Error{Kind: KindNetwork, Message: "await registration", Err: err}
	}
	conn.SetReadDeadline(time.Time{})

	f, err := UnmarshalFrame(raw)
	if err != nil {
		conn.Close()
		return &Error{Kind: KindServer, Err: err}
	}
	switch f.Type {
	case FrameRegistered:
	case FrameError:
		conn.Close()
		return &Error{Kind: ErrorKind(f.Kind), Message: f.Message}
	default:
		conn.Close()
		return &Error{Kind: KindServer, Message: fmt.Sprintf("unexpected %q frame during registration", f.Type)}
	}

	out := make(chan outgoing, outboxSize)
	stop := make(chan struct{})

	e.mu.Lock()
	e.conn = conn
	e.outbox = out
	e.stop = stop
	e.mnemonic = f.Mnemonic
	e.mu.Unlock()

	go e.writeLoop(conn, out, stop)
	go e.readLoop(conn, stop)

	e.logger.Debug("Registered on relay", "mnemonic", f.Mnemonic)
	e.emit(EndpointEvent{Type: EndpointOpen})
	return nil
}

func (e *relayEndpoint) emit(ev EndpointEvent) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

func (e *relayEndpoint) writeLoop(conn *websocket.Conn, out <-chan outgoing, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case o := <-out:
			if err := conn.WriteMessage(websocket.BinaryMessage, o.data); err != nil {
				e.logger.Debug("Relay write failed", "error", err)
				conn.Close()
				return
			}
			if o.ch != nil {
				o.ch.drained(o.n)
			}
		}
	}
}

func (e *relayEndpoint) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			e.socketLost(conn, stop, err)
			return
		}
		f, err := UnmarshalFrame(raw)
		if err != nil {
			e.logger.Warn("Dropping malformed relay frame", "error", err)
			continue
		}
		e.dispatch(f)
	}
}

func (e *relayEndpoint) dispatch(f *Frame) {
	switch f.Type {
	case FrameConnect:
		ch := newRelayChannel(e, f.Conn, f.From, f.Mnemonic, e.network.LowThreshold)
		e.mu.Lock()
		e.channels[ch.id] = ch
		e.mu.Unlock()
		if err := e.enqueue(outgoing{data: MarshalFrame(&Frame{Type: FrameAccept, Conn: ch.id})}); err != nil {
			return
		}
		ch.markOpen("")
		e.emit(EndpointEvent{Type: EndpointConnection, Channel: ch})

	case FrameAccept:
		if ch := e.channel(f.Conn); ch != nil {
			ch.markOpen(f.Mnemonic)
		}

	case FrameData:
		if ch := e.channel(f.Conn); ch != nil {
			ch.deliver(ChannelEvent{Type: ChannelData, Message: Message{Binary: f.Binary, Data: f.Payload}})
		}

	case FrameClose:
		if ch := e.channel(f.Conn); ch != nil {
			e.forget(ch.id)
			ch.remoteClosed(nil)
		}

	case FrameError:
		err := &Error{Kind: ErrorKind(f.Kind), Message: f.Message}
		if f.Conn != "" {
			if ch := e.channel(f.Conn); ch != nil {
				e.forget(ch.id)
				ch.remoteClosed(err)
			}
			return
		}
		e.emit(EndpointEvent{Type: EndpointError, Err: err})

	default:
		e.logger.Debug("Ignoring relay frame", "type", f.Type)
	}
}

func (e *relayEndpoint) socketLost(conn *websocket.Conn, stop chan struct{}, cause error) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	close(stop)
	channels := e.channels
	e.channels = make(map[string]*relayChannel)
	e.mu.Unlock()

	conn.Close()
	for _, ch := range channels {
		ch.remoteClosed(&Error{Kind: KindDisconnected, Err: cause})
	}

	select {
	case <-e.closed:
		return
	default:
	}
	e.logger.Debug("Lost relay connection", "error", cause)
	e.emit(EndpointEvent{Type: EndpointDisconnected})
}

func (e *relayEndpoint) enqueue(o outgoing) error {
	e.mu.Lock()
	out, stop := e.outbox, e.stop
	connected := e.conn != nil
	e.mu.Unlock()
	if !connected {
		return &Error{Kind: KindDisconnected, Message: "not connected to relay"}
	}
	select {
	case out <- o:
		return nil
	case <-stop:
		return &Error{Kind: KindDisconnected, Message: "relay connection lost"}
	}
}

func (e *relayEndpoint) channel(id string) *relayChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[id]
}

func (e *relayEndpoint) forget(id string) {
	e.mu.Lock()
	delete(e.channels, id)
	e.mu.Unlock()
}

func (e *relayEndpoint) Connect(ctx context.Context, remoteID string) (Channel, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch := newRelayChannel(e, uuid.New().String(), remoteID, "", e.network.LowThreshold)
	e.mu.Lock()
	e.channels[ch.id] = ch
	e.mu.Unlock()

	frame := MarshalFrame(&Frame{Type: FrameConnect, ID: remoteID, Conn: ch.id})
	if err := e.enqueue(outgoing{data: frame}); err != nil {
		e.forget(ch.id)
		return nil, err
	}
	return ch, nil
}

func (e *relayEndpoint) Reconnect(ctx context.Context) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.mu.Lock()
	connected := e.conn != nil
	e.mu.Unlock()
	if connected {
		return nil
	}
	return e.connect(ctx)
}

func (e *relayEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		conn, stop := e.conn, e.stop
		e.conn = nil
		channels := e.channels
		e.channels = make(map[string]*relayChannel)
		e.mu.Unlock()

		for _, ch := range channels {
			ch.shutdown()
		}
		if conn != nil {
			close(stop)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
	return nil
}

type relayChannel struct {
	endpoint *relayEndpoint
	id       string
	peer     string
	low      int

	events   chan ChannelEvent
	lowCh    chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	buffered atomic.Int64
	open     atomic.Bool
	closed   atomic.Bool

	mu       sync.Mutex
	peerName string
}

func newRelayChannel(e *relayEndpoint, id, peer, peerName string, low int) *relayChannel {
	if low <= 0 {
		low = defaultLowThreshold
	}
	return &relayChannel{
		endpoint: e,
		id:       id,
		peer:     peer,
		peerName: peerName,
		low:      low,
		events:   make(chan ChannelEvent, channelEventBuffer),
		lowCh:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *relayChannel) ID() string   { return c.id }
func (c *relayChannel) Peer() string { return c.peer }

func (c *relayChannel) PeerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerName == "" {
		return c.peer
	}
	return c.peerName
}

func (c *relayChannel) Open() bool                   { return c.open.Load() && !c.closed.Load() }
func (c *relayChannel) BufferedAmount() int          { return int(c.buffered.Load()) }
func (c *relayChannel) BufferedLow() <-chan struct{} { return c.lowCh }
func (c *relayChannel) Events() <-chan ChannelEvent  { return c.events }

func (c *relayChannel) Send(msg Message) error {
	if !c.Open() {
		return ErrClosed
	}
	n := len(msg.Data)
	c.buffered.Add(int64(n))
	frame := MarshalFrame(&Frame{Type: FrameData, Conn: c.id, Payload: msg.Data, Binary: msg.Binary})
	if err := c.endpoint.enqueue(outgoing{data: frame, ch: c, n: n}); err != nil {
		c.buffered.Add(-int64(n))
		return err
	}
	return nil
}

func (c *relayChannel) drained(n int) {
	if n == 0 {
		return
	}
	if c.buffered.Add(-int64(n)) < int64(c.low) {
		select {
		case c.lowCh <- struct{}{}:
		default:
		}
	}
}

func (c *relayChannel) deliver(ev ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *relayChannel) markOpen(peerName string) {
	if peerName != "" {
		c.mu.Lock()
		c.peerName = peerName
		c.mu.Unlock()
	}
	if c.closed.Load() || c.open.Swap(true) {
		return
	}
	c.deliver(ChannelEvent{Type: ChannelOpen})
}

// remoteClosed reports a close initiated by the relay or the peer.
func (c *relayChannel) remoteClosed(err error) {
	if c.closed.Swap(true) {
		return
	}
	if err != nil {
		c.deliver(ChannelEvent{Type: ChannelError, Err: err})
	}
	c.deliver(ChannelEvent{Type: ChannelClose, Err: err})
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *relayChannel) shutdown() {
	c.closed.Store(true)
	c.doneOnce.Do(func() { close(c.done) })
}

// Close closes the channel locally and tells the peer. No ChannelClose event
// is delivered for a local close.
func (c *relayChannel) Close() error {
	return c.closeWith(&Frame{Type: FrameClose, Conn: c.id})
}

func (c *relayChannel) Reject(reason *Error) error {
	return c.closeWith(&Frame{Type: FrameError, Conn: c.id, Kind: string(reason.Kind), Message: reason.Message})
}

func (c *relayChannel) closeWith(f *Frame) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.doneOnce.Do(func() { close(c.done) })
	c.endpoint.forget(c.id)
	c.endpoint.enqueue(outgoing{data: MarshalFrame(f)})
	return nil
}
