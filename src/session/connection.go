package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/sharepeer/src/transport"
)

// ConnState is the pairing state of a ConnectionManager.
type ConnState int

const (
	ConnUninitialized ConnState = iota
	// ConnAwaitingPeer: the sender's endpoint is being registered.
	ConnAwaitingPeer
	// ConnListening: the sender's endpoint is open and accepts one peer.
	ConnListening
	ConnPaired
	ConnDialing
	// ConnFailed: dialing gave up. Dial may be called again.
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnUninitialized:
		return "uninitialized"
	case ConnAwaitingPeer:
		return "awaiting-peer"
	case ConnListening:
		return "listening"
	case ConnPaired:
		return "paired"
	case ConnDialing:
		return "dialing"
	case ConnFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ConnectionManager owns the endpoint and the single paired channel of a
// session.
type ConnectionManager struct {
	network transport.Network
	policy  Policy
	logger  *slog.Logger

	paired chan transport.Channel
	errs   chan error

	reconnecting atomic.Bool
	wg           sync.WaitGroup

	mu        sync.Mutex
	state     ConnState
	listening bool
	endpoint  transport.Endpoint
	active    transport.Channel
	pending   transport.Channel
	cancel    context.CancelFunc
}

func NewConnectionManager(network transport.Network, policy Policy, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		network: network,
		policy:  policy,
		logger:  logger,
		paired:  make(chan transport.Channel, 1),
		errs:    make(chan error, 16),
	}
}

func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Paired delivers each inbound channel admitted by Listen once it is open.
func (m *ConnectionManager) Paired() <-chan transport.Channel { return m.paired }

// Errors delivers endpoint errors that did not stop the manager.
func (m *ConnectionManager) Errors() <-chan error { return m.errs }

// Active returns the paired channel, or nil.
func (m *ConnectionManager) Active() transport.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Listen registers an endpoint under peerID and admits the first peer that
// connects to it. ctx bounds the registration only.
func (m *ConnectionManager) Listen(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if m.endpoint != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = ConnAwaitingPeer
	m.mu.Unlock()

	ep, err := m.network.Endpoint(ctx, peerID)
	if err != nil {
		m.setState(ConnFailed)
		return &ConnectionError{Kind: transport.KindOf(err), Attempts: 1, Err: err}
	}
	m.logger.Debug("Endpoint registered", "id", ep.ID())
	m.attach(ep, true)
	return nil
}

// Dial opens an anonymous endpoint, if there is none yet, and connects to
// peerID. Each attempt waits up to ConnectTimeout for the channel to open;
// retryable failures are retried after RetryDelay up to DialAttempts times.
func (m *ConnectionManager) Dial(ctx context.Context, peerID string) (transport.Channel, error) {
	m.mu.Lock()
	switch {
	case m.listening, m.state == ConnDialing, m.state == ConnPaired:
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.state = ConnDialing
	ep := m.endpoint
	m.mu.Unlock()

	if ep == nil {
		var err error
		ep, err = m.network.Endpoint(ctx, "")
		if err != nil {
			m.setState(ConnFailed)
			return nil, &ConnectionError{Kind: transport.KindOf(err), Attempts: 1, Err: err}
		}
		m.attach(ep, false)
	}

	var lastErr error
	attempts := 0
	for attempts < m.policy.DialAttempts {
		attempts++
		ch, err := m.dialOnce(ctx, ep, peerID)
		if err == nil {
			m.mu.Lock()
			m.active = ch
			m.state = ConnPaired
			m.mu.Unlock()
			m.logger.Info("Connected to peer", "peer", ch.PeerName(), "attempt", attempts)
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		kind := transport.KindOf(err)
		if !Retryable(kind) {
			m.logger.Warn("Connection failed", "kind", kind, "error", err)
			break
		}
		if attempts < m.policy.DialAttempts {
			m.logger.Warn("Connection attempt failed, retrying", "attempt", attempts, "error", err)
			if !sleep(ctx, m.policy.RetryDelay) {
				lastErr = ctx.Err()
				break
			}
		}
	}

	m.setState(ConnFailed)
	return nil, &ConnectionError{Kind: transport.KindOf(lastErr), Attempts: attempts, Err: lastErr}
}

func (m *ConnectionManager) dialOnce(ctx context.Context, ep transport.Endpoint, peerID string) (transport.Channel, error) {
	ch, err := ep.Connect(ctx, peerID)
	if err != nil {
		return nil, classify(err)
	}
	if err := m.awaitOpen(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// awaitOpen consumes ch's events until it opens. A channel that errors,
// closes or times out first is closed and reported as failed.
func (m *ConnectionManager) awaitOpen(ctx context.Context, ch transport.Channel) error {
	timer := time.NewTimer(m.policy.ConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			ch.Close()
			return ctx.Err()
		case <-timer.C:
			ch.Close()
			return &transport.Error{Kind: transport.KindNetwork, Err: ErrConnectTimeout}
		case ev := <-ch.Events():
			switch ev.Type {
			case transport.ChannelOpen:
				return nil
			case transport.ChannelError:
				ch.Close()
				return classify(ev.Err)
			case transport.ChannelClose:
				return &transport.Error{Kind: transport.KindDisconnected, Message: "closed before opening", Err: ev.Err}
			}
		}
	}
}

// classify keeps errors that already carry a transport kind and treats the
// rest as network failures.
func classify(err error) error {
	var te *transport.Error
	if err == nil || errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &transport.Error{Kind: transport.KindNetwork, Err: err}
}

func (m *ConnectionManager) attach(ep transport.Endpoint, listening bool) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.endpoint = ep
	m.listening = listening
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ctx, ep, listening)
}

func (m *ConnectionManager) watch(ctx context.Context, ep transport.Endpoint, listening bool) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ep.Events():
			switch ev.Type {
			case transport.EndpointOpen:
				if listening {
					m.mu.Lock()
					if m.state == ConnAwaitingPeer {
						m.state = ConnListening
					}
					m.mu.Unlock()
					m.logger.Info("Ready for connection", "id", ep.ID())
				}
			case transport.EndpointConnection:
				if !listening {
					m.logger.Warn("Rejected inbound connection on dialing endpoint", "peer", ev.Channel.Peer())
					ev.Channel.Close()
					continue
				}
				m.admit(ctx, ev.Channel)
			case transport.EndpointDisconnected:
				m.logger.Warn("Connection to relay lost, reconnecting")
				m.scheduleReconnect(ctx, ep, 0)
			case transport.EndpointError:
				m.endpointError(ctx, ep, ev.Err)
			}
		}
	}
}

// admit takes ch as the session's peer unless one is already paired or
// being opened.
func (m *ConnectionManager) admit(ctx context.Context, ch transport.Channel) {
	m.mu.Lock()
	if (m.active != nil && m.active.Open()) || m.pending != nil {
		m.mu.Unlock()
		m.logger.Warn("Rejected extra connection attempt", "peer", ch.Peer())
		ch.Reject(&transport.Error{Kind: transport.KindPeerBusy, Message: "sender is already paired with another receiver"})
		return
	}
	m.pending = ch
	m.mu.Unlock()

	m.logger.Info("Incoming connection", "peer", ch.Peer())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.awaitOpen(ctx, ch)

		m.mu.Lock()
		if m.pending == ch {
			m.pending = nil
		}
		if err != nil {
			m.mu.Unlock()
			m.logger.Info("Incoming connection failed before opening", "peer", ch.Peer(), "error", err)
			return
		}
		m.active = ch
		m.state = ConnPaired
		m.mu.Unlock()

		m.logger.Info("Peer connected", "peer", ch.PeerName())
		select {
		case m.paired <- ch:
		case <-ctx.Done():
			ch.Close()
		}
	}()
}

func (m *ConnectionManager) endpointError(ctx context.Context, ep transport.Endpoint, err error) {
	kind := transport.KindOf(err)
	switch kind {
	case transport.KindServer, transport.KindNetwork:
		m.logger.Warn("Relay error, retrying connection", "error", err)
		m.scheduleReconnect(ctx, ep, m.policy.RetryDelay)
	default:
		m.logger.Error("Endpoint error", "kind", kind, "error", err)
		m.report(&ConnectionError{Kind: kind, Err: err})
	}
}

// scheduleReconnect re-registers ep until it succeeds or ctx ends. Reconnects
// never count against DialAttempts.
func (m *ConnectionManager) scheduleReconnect(ctx context.Context, ep transport.Endpoint, delay time.Duration) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.reconnecting.Store(false)
		if !sleep(ctx, delay) {
			return
		}
		for attempt := 1; ; attempt++ {
			err := ep.Reconnect(ctx)
			if err == nil {
				m.logger.Info("Reconnected to relay", "attempts", attempt)
				return
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			if !sleep(ctx, m.policy.RetryDelay) {
				return
			}
		}
	}()
}

func (m *ConnectionManager) report(err error) {
	select {
	case m.errs <- err:
	default:
		m.logger.Debug("Dropping connection error", "error", err)
	}
}

// Release forgets ch if it is the paired channel and closes it. A listening
// manager goes back to accepting a new peer.
func (m *ConnectionManager) Release(ch transport.Channel) {
	m.mu.Lock()
	if ch == nil || m.active != ch {
		m.mu.Unlock()
		return
	}
	m.active = nil
	if m.listening && m.endpoint != nil {
		m.state = ConnListening
	} else {
		m.state = ConnUninitialized
	}
	m.mu.Unlock()
	ch.Close()
}

// Close tears down the channel and the endpoint. The manager can be used
// again afterwards.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	ep, active, pending, cancel := m.endpoint, m.active, m.pending, m.cancel
	m.endpoint, m.active, m.pending, m.cancel = nil, nil, nil, nil
	m.listening = false
	m.state = ConnUninitialized
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Close()
	}
	if pending != nil {
		pending.Close()
	}
	var err error
	if ep != nil {
		err = ep.Close()
	}
	m.wg.Wait()

	select {
	case ch := <-m.paired:
		ch.Close()
	default:
	}
	return err
}

func (m *ConnectionManager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
