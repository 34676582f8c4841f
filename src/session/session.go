// Package session implements the file transfer session: pairing over a
// transport channel, streaming a batch of files with backpressure, and
// reassembling them on the receiving side.
//
// A Session is driven by a single dispatcher goroutine started with Run.
// Every public method hands its work to that goroutine, so session state is
// never shared.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/schollz/sharepeer/src/code"
	"github.com/schollz/sharepeer/src/transport"
)

const eventBuffer = 256

// EventType enumerates what a session reports to its user.
type EventType int

const (
	EventState EventType = iota
	EventProgress
	EventFileReceived
	EventBatchComplete
	EventError
	EventPeer
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventFileReceived:
		return "file-received"
	case EventBatchComplete:
		return "batch-complete"
	case EventError:
		return "error"
	case EventPeer:
		return "peer"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered on Session.Events. Only the field matching Type is set.
type Event struct {
	Type     EventType
	State    State
	Progress Progress
	File     *ReceivedFile
	Peer     string
	Err      error
}

// Options configure a Session.
type Options struct {
	Network transport.Network
	// Policy defaults to DefaultPolicy when zero.
	Policy   Policy
	Logger   *slog.Logger
	WakeLock WakeLock
	// Rand is the source for pairing codes. Defaults to crypto/rand.
	Rand io.Reader
}

type streamResult struct {
	seq int
	err error
}

// Session is one side of a transfer.
type Session struct {
	role   Role
	policy Policy
	logger *slog.Logger
	wake   WakeLock
	rand   io.Reader
	conn   *ConnectionManager

	cmds       chan func()
	events     chan Event
	streamDone chan streamResult
	stopped    chan struct{}
	running    atomic.Bool
	current    atomic.Int32

	// Owned by the dispatcher.
	ctx          context.Context
	state        State
	channel      transport.Channel
	queue        Queue
	reassembly   *Reassembly
	received     []ReceivedFile
	timer        *time.Timer
	timerFn      func()
	streamCancel context.CancelFunc
	streamSeq    int
	dialCancel   context.CancelFunc
	gen          int
	locked       bool
}

// New returns a session for role. Call Run before any other method.
func New(role Role, opts Options) (*Session, error) {
	if opts.Network == nil {
		return nil, errors.New("session: no network")
	}
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("role", role.String())
	wake := opts.WakeLock
	if wake == nil {
		wake = noWakeLock{}
	}
	src := opts.Rand
	if src == nil {
		src = rand.Reader
	}

	s := &Session{
		role:       role,
		policy:     policy,
		logger:     logger,
		wake:       wake,
		rand:       src,
		conn:       NewConnectionManager(opts.Network, policy, logger),
		cmds:       make(chan func()),
		events:     make(chan Event, eventBuffer),
		streamDone: make(chan streamResult, 1),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
	}
	s.reassembly = NewReassembly(policy.ProgressInterval, logger)
	s.reassembly.OnProgress = s.progress
	return s, nil
}

func (s *Session) Role() Role { return s.role }

// Events must be drained by the user. Progress events are dropped when the
// buffer is full; other events wait.
func (s *Session) Events() <-chan Event { return s.events }

// State is safe to call from any goroutine.
func (s *Session) State() State { return State(s.current.Load()) }

// Run dispatches session work until ctx ends, then closes the session.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.stopped)
	s.ctx = ctx

	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C
		}
		var channelEvents <-chan transport.ChannelEvent
		if s.channel != nil {
			channelEvents = s.channel.Events()
		}

		select {
		case <-ctx.Done():
			s.close()
			return ctx.Err()
		case fn := <-s.cmds:
			fn()
		case ch := <-s.conn.Paired():
			s.onPaired(ch)
		case err := <-s.conn.Errors():
			s.emit(Event{Type: EventError, Err: err})
		case ev := <-channelEvents:
			s.onChannelEvent(ev)
		case res := <-s.streamDone:
			s.onStreamDone(res)
		case <-timerC:
			fn := s.timerFn
			s.timer, s.timerFn = nil, nil
			fn()
		}
	}
}

// call runs fn on the dispatcher and returns its result.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.cmds <- func() { errc <- fn() }:
		return <-errc
	case <-s.stopped:
		return ErrNotRunning
	}
}

// Add queues files for sending and returns how many were renamed to avoid
// duplicate names.
func (s *Session) Add(files ...OutgoingFile) (int, error) {
	if s.role != RoleSender {
		return 0, ErrWrongRole
	}
	var renamed int
	err := s.call(func() error {
		if s.queue.Started() {
			return ErrBatchStarted
		}
		renamed = s.queue.Add(files...)
		if renamed > 0 {
			s.logger.Info("Renamed duplicate files", "count", renamed)
		}
		return nil
	})
	return renamed, err
}

// Remove drops a queued file before the batch starts.
func (s *Session) Remove(i int) error {
	if s.role != RoleSender {
		return ErrWrongRole
	}
	return s.call(func() error { return s.queue.Remove(i) })
}

// Queued returns the files waiting to be sent.
func (s *Session) Queued() []OutgoingFile {
	var files []OutgoingFile
	s.call(func() error {
		files = s.queue.Files()
		return nil
	})
	return files
}

// Host generates a pairing code and waits for a receiver on it. The batch
// starts StartDelay after the receiver's channel opens.
func (s *Session) Host(ctx context.Context) (code.Code, error) {
	if s.role != RoleSender {
		return code.Code{}, ErrWrongRole
	}
	var c code.Code
	var gen int
	err := s.call(func() error {
		if s.state != StateIdle {
			return ErrBusy
		}
		if s.queue.Len() == 0 {
			return ErrNoFiles
		}
		var err error
		if c, err = code.GenerateFrom(s.rand); err != nil {
			return err
		}
		gen = s.gen
		s.setState(StatePairing)
		return nil
	})
	if err != nil {
		return code.Code{}, err
	}

	listenErr := s.conn.Listen(ctx, c.PeerID())
	err = s.call(func() error {
		if gen != s.gen {
			if listenErr == nil {
				s.conn.Close()
			}
			return context.Canceled
		}
		if listenErr != nil {
			s.logger.Error("Could not open endpoint", "error", listenErr)
			s.setState(StateIdle)
			s.emit(Event{Type: EventError, Err: listenErr})
			return listenErr
		}
		s.logger.Info("Waiting for receiver", "code", c.String())
		return nil
	})
	if err != nil {
		return code.Code{}, err
	}
	return c, nil
}

// Join parses input as a pairing code and connects to its sender, retrying
// per the session policy. It returns once paired or failed.
func (s *Session) Join(ctx context.Context, input string) error {
	if s.role != RoleReceiver {
		return ErrWrongRole
	}
	c, err := code.Parse(input)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var gen int
	err = s.call(func() error {
		if s.state != StateIdle {
			return ErrBusy
		}
		gen = s.gen
		s.dialCancel = cancel
		s.reassembly.Reset()
		s.setState(StatePairing)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Connecting", "code", c.String())
	ch, dialErr := s.conn.Dial(dialCtx, c.PeerID())
	return s.call(func() error {
		if gen != s.gen {
			if ch != nil {
				s.conn.Release(ch)
			}
			return context.Canceled
		}
		s.dialCancel = nil
		if dialErr != nil {
			s.logger.Error("Connection failed", "error", dialErr)
			s.setState(StateIdle)
			s.emit(Event{Type: EventError, Err: dialErr})
			return dialErr
		}
		s.attach(ch)
		return nil
	})
}

// Close stops streaming and timers, closes the channel and endpoint, and
// returns to Idle. Queued and received files are cleared unless received
// files are still held.
func (s *Session) Close() error {
	return s.call(func() error {
		s.close()
		return nil
	})
}

// Reset closes the session and discards received files. Unless force is
// set it refuses with ErrUnretrievedFiles while any are unretrieved.
func (s *Session) Reset(force bool) error {
	return s.call(func() error {
		if s.holding() && !force {
			return ErrUnretrievedFiles
		}
		s.received = nil
		s.close()
		return nil
	})
}

// Received returns the files received so far, in arrival order.
func (s *Session) Received() []ReceivedFile {
	var files []ReceivedFile
	s.call(func() error {
		files = append(files, s.received...)
		return nil
	})
	return files
}

// Retrieve returns received file i and marks it retrieved.
func (s *Session) Retrieve(i int) (ReceivedFile, error) {
	var f ReceivedFile
	err := s.call(func() error {
		if i < 0 || i >= len(s.received) {
			return fmt.Errorf("%w: received index %d", ErrNoSuchFile, i)
		}
		s.received[i].Retrieved = true
		f = s.received[i]
		return nil
	})
	return f, err
}

// Discard drops every received file.
func (s *Session) Discard() error {
	return s.call(func() error {
		s.received = nil
		return nil
	})
}

func (s *Session) holding() bool {
	for _, f := range s.received {
		if !f.Retrieved {
			return true
		}
	}
	return false
}

func (s *Session) emit(ev Event) {
	if ev.Type == EventProgress {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) progress(p Progress) {
	s.emit(Event{Type: EventProgress, Progress: p})
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	if !CanTransition(s.state, to) {
		s.logger.Error("Illegal state transition", "from", s.state, "to", to)
		return
	}
	s.logger.Debug("State changed", "from", s.state, "to", to)
	s.state = to
	s.current.Store(int32(to))
	s.updateWakeLock()
	s.emit(Event{Type: EventState, State: to})
}

// updateWakeLock holds the wake lock exactly while transferring.
func (s *Session) updateWakeLock() {
	switch {
	case s.state == StateTransferring && !s.locked:
		if err := s.wake.Acquire(); err != nil {
			s.logger.Warn("Wake lock unavailable", "error", err)
			var re *ResourceError
			if !errors.As(err, &re) {
				err = &ResourceError{Resource: "wake lock", Err: err}
			}
			s.emit(Event{Type: EventError, Err: err})
			return
		}
		s.locked = true
	case s.state != StateTransferring && s.locked:
		if err := s.wake.Release(); err != nil {
			s.logger.Debug("Wake lock release failed", "error", err)
		}
		s.locked = false
	}
}

func (s *Session) schedule(d time.Duration, fn func()) {
	s.cancelTimer()
	s.timer = time.NewTimer(d)
	s.timerFn = fn
}

func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer, s.timerFn = nil, nil
	}
}

func (s *Session) cancelStream() {
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
}

func (s *Session) onPaired(ch transport.Channel) {
	if s.state != StatePairing || s.channel != nil {
		s.logger.Warn("Dropping connection outside of pairing", "state", s.state)
		s.conn.Release(ch)
		return
	}
	s.attach(ch)
}

func (s *Session) attach(ch transport.Channel) {
	s.channel = ch
	s.emit(Event{Type: EventPeer, Peer: ch.PeerName()})
	s.setState(StateConnected)
	if s.role == RoleSender {
		s.schedule(s.policy.StartDelay, s.startBatch)
	}
}

func (s *Session) onChannelEvent(ev transport.ChannelEvent) {
	switch ev.Type {
	case transport.ChannelData:
		if s.role == RoleReceiver {
			s.receive(ev.Message)
			return
		}
		s.logger.Debug("Ignoring message from receiver")
	case transport.ChannelError:
		s.logger.Warn("Channel error", "error", ev.Err)
		err := ev.Err
		if kind := transport.KindOf(err); !Retryable(kind) && kind != transport.KindOther {
			err = &ConnectionError{Kind: kind, Attempts: 1, Err: err}
		}
		s.emit(Event{Type: EventError, Err: err})
		if !s.channel.Open() {
			s.channelLost()
		}
	case transport.ChannelClose:
		s.channelLost()
	}
}

// channelLost abandons the transfer in flight. The sender keeps listening
// with its unsent files queued; the receiver returns to Idle.
func (s *Session) channelLost() {
	if s.channel == nil {
		return
	}
	ch := s.channel
	s.channel = nil
	s.cancelStream()
	s.logger.Info("Peer disconnected", "peer", ch.PeerName())
	s.conn.Release(ch)

	switch s.role {
	case RoleSender:
		if s.state == StateBatchComplete {
			return
		}
		s.cancelTimer()
		s.queue.Abort()
		s.setState(StatePairing)
	case RoleReceiver:
		s.cancelTimer()
		s.reassembly.Abort()
		s.setState(StateIdle)
	}
}

func (s *Session) startBatch() {
	if s.channel == nil || s.state != StateConnected {
		return
	}
	if err := s.queue.Start(); err != nil {
		s.logger.Warn("Nothing to send", "error", err)
		return
	}
	s.setState(StateTransferring)
	s.sendNext()
}

// sendNext sends the next file header and starts streaming it, or ends the
// batch when the queue is exhausted.
func (s *Session) sendNext() {
	if s.channel == nil || s.state != StateTransferring {
		return
	}
	f, index, total, ok := s.queue.Next()
	if !ok {
		s.queue.Finish()
		if err := sendControl(s.channel, ControlMessage{Type: MsgBatchComplete}); err != nil {
			s.sendFailed(err)
			return
		}
		s.logger.Info("All files sent", "files", total)
		s.setState(StateBatchComplete)
		s.emit(Event{Type: EventBatchComplete})
		if s.policy.CloseDelay > 0 {
			s.schedule(s.policy.CloseDelay, s.close)
		}
		return
	}

	h := FileHeader{Name: f.Name, Size: f.Size, MIME: f.MIME, Index: index, TotalFiles: total}
	if err := sendControl(s.channel, fileStart(h)); err != nil {
		s.sendFailed(err)
		return
	}
	s.logger.Debug("Sending file", "file", f.Name, "index", index, "total", total)

	ctx, cancel := context.WithCancel(s.ctx)
	s.streamCancel = cancel
	s.streamSeq++
	seq := s.streamSeq
	st := &Streamer{Channel: s.channel, Policy: s.policy, Logger: s.logger, OnProgress: s.progress}
	go func() {
		err := st.Stream(ctx, f, index, total)
		select {
		case s.streamDone <- streamResult{seq: seq, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) onStreamDone(res streamResult) {
	if res.seq != s.streamSeq || s.streamCancel == nil {
		return
	}
	s.cancelStream()
	if res.err != nil {
		s.sendFailed(res.err)
		return
	}
	s.queue.Complete()
	s.schedule(s.policy.AdvanceDelay, s.sendNext)
}

// sendFailed abandons the pairing after a failed send. A local failure, such
// as an unreadable file, also closes the channel so the receiver drops its
// partial file.
func (s *Session) sendFailed(err error) {
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		s.logger.Warn("Transfer aborted, connection lost")
	} else {
		s.logger.Error("Transfer failed", "error", err)
		s.emit(Event{Type: EventError, Err: err})
	}
	s.channelLost()
}

func (s *Session) receive(msg transport.Message) {
	out, err := s.reassembly.Handle(msg)
	var ie *IntegrityError
	if errors.As(err, &ie) {
		s.emit(Event{Type: EventError, Err: err})
	}
	if out.Started != nil && s.state == StateConnected {
		s.setState(StateTransferring)
	}
	if out.File != nil {
		s.received = append(s.received, *out.File)
		f := *out.File
		s.emit(Event{Type: EventFileReceived, File: &f})
	}
	if out.BatchDone {
		s.logger.Info("All files received", "files", len(s.received))
		s.setState(StateBatchComplete)
		s.emit(Event{Type: EventBatchComplete})
	}
}

func (s *Session) close() {
	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.cancelStream()
	s.cancelTimer()
	s.channel = nil
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Closing endpoint", "error", err)
	}
	s.reassembly.Reset()
	if !s.holding() {
		s.queue.Reset()
		s.received = nil
	} else {
		s.queue.Abort()
	}
	s.setState(StateClosed)
	s.setState(StateIdle)
}
