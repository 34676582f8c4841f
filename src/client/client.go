// Package client runs the send and receive sides of a transfer from the
// command line.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/sharepeer/src/qrcode"
	"github.com/schollz/sharepeer/src/session"
	"github.com/schollz/sharepeer/src/transport"
)

// ErrConnectionLost is returned when the sender goes away before the batch
// is complete.
var ErrConnectionLost = errors.New("connection lost before all files arrived")

type Options struct {
	// Server is the relay URL, used when Network is nil.
	Server   string
	Network  transport.Network
	Policy   session.Policy
	Logger   *slog.Logger
	WakeLock session.WakeLock
	// Plain prints progress bars line by line instead of the full-screen view.
	Plain bool
	// Program is the command name shown in receive instructions.
	Program string
	In      io.Reader
	Out     io.Writer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Network == nil {
		o.Network = transport.NewRelayNetwork(o.Server, o.Logger)
	}
	if o.Program == "" {
		o.Program = "sharepeer"
	}
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// startSession runs a session until the returned stop function is called.
func startSession(ctx context.Context, role session.Role, opts Options) (*session.Session, func(), error) {
	s, err := session.New(role, session.Options{
		Network:  opts.Network,
		Policy:   opts.Policy,
		Logger:   opts.Logger,
		WakeLock: opts.WakeLock,
	})
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return s, func() {
		cancel()
		<-done
	}, nil
}

func newDisplay(role session.Role, opts Options, interrupt func()) display {
	if opts.Plain {
		return newPlainDisplay(role, opts.Out)
	}
	return newTUIDisplay(role, opts.Out, opts.Logger, interrupt)
}

// Send shares the files at paths and returns once the batch is delivered
// and the session has closed.
func Send(ctx context.Context, paths []string, opts Options) error {
	opts = opts.withDefaults()
	batch, err := LoadFiles(paths, opts.Out, opts.Logger)
	if err != nil {
		return err
	}
	defer batch.Close()

	s, stop, err := startSession(ctx, session.RoleSender, opts)
	if err != nil {
		return err
	}
	defer stop()

	renamed, err := s.Add(batch.Files...)
	if err != nil {
		return err
	}
	if renamed > 0 {
		PrintWarning(opts.Out, fmt.Sprintf("%d duplicate name(s) renamed", renamed))
	}
	opts.Logger.Info("Sending files", "files", len(batch.Files), "size", formatBytes(batch.TotalSize()))

	c, err := s.Host(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d := newDisplay(session.RoleSender, opts, cancel)
	defer d.Close()

	command := qrcode.ReceiveCommand(opts.Program, c.String())
	qr, err := qrcode.HalfBlock(command, 2)
	if err != nil {
		opts.Logger.Debug("Could not render QR code", "error", err)
	}
	d.Code(c.String(), command, qr)

	return follow(ctx, s, d, func(ev session.Event) (bool, error) {
		switch {
		case ev.Type == session.EventState && ev.State == session.StateClosed:
			return true, nil
		case ev.Type == session.EventError && fatal(ev.Err):
			return true, ev.Err
		}
		return false, nil
	})
}

// Receive joins the sender holding input, or a code read from the user when
// input is empty, and saves the batch through out.
func Receive(ctx context.Context, input string, out *Output, opts Options) error {
	opts = opts.withDefaults()
	if out.in == nil {
		out.in = bufio.NewReader(opts.In)
	}
	if out.out == nil {
		out.out = opts.Out
	}
	if strings.TrimSpace(input) == "" {
		input = promptForCode(out.in, opts.Out)
	}

	s, stop, err := startSession(ctx, session.RoleReceiver, opts)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d := newDisplay(session.RoleReceiver, opts, cancel)
	defer d.Close()

	d.Status("Connecting to " + strings.ToUpper(strings.TrimSpace(input)) + "...")
	if err := s.Join(ctx, input); err != nil {
		return err
	}

	err = follow(ctx, s, d, func(ev session.Event) (bool, error) {
		switch {
		case ev.Type == session.EventBatchComplete:
			return true, nil
		case ev.Type == session.EventState && ev.State == session.StateIdle:
			return true, ErrConnectionLost
		case ev.Type == session.EventError && fatal(ev.Err):
			return true, ev.Err
		}
		return false, nil
	})
	d.Close()
	if err != nil {
		return err
	}
	return saveAll(s, out, opts)
}

func saveAll(s *session.Session, out *Output, opts Options) error {
	files := s.Received()
	for i := range files {
		f, err := s.Retrieve(i)
		if err != nil {
			return err
		}
		path, err := out.Save(f)
		if errors.Is(err, errSkipped) {
			PrintWarning(opts.Out, fmt.Sprintf("Skipped %s", f.Name))
			continue
		}
		if err != nil {
			return err
		}
		PrintSuccess(opts.Out, fmt.Sprintf("Saved %s (%s)", path, formatBytes(int64(len(f.Data)))))
	}
	opts.Logger.Info("Transfer complete", "files", len(files))
	return s.Close()
}

func promptForCode(in *bufio.Reader, out io.Writer) string {
	fmt.Fprint(out, "Enter pairing code: ")
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// follow relays session events to d until done reports the end.
func follow(ctx context.Context, s *session.Session, d display, done func(session.Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.Events():
			switch ev.Type {
			case session.EventState:
				d.Status(statusText(s.Role(), ev.State))
			case session.EventPeer:
				d.Peer(ev.Peer)
			case session.EventProgress:
				d.Progress(ev.Progress)
			case session.EventFileReceived:
				d.FileDone(ev.File.Name, int64(len(ev.File.Data)))
			case session.EventError:
				d.Warn(ev.Err)
			}
			if finished, err := done(ev); finished {
				return err
			}
		}
	}
}

// fatal reports errors that no amount of waiting will fix.
func fatal(err error) bool {
	var ce *session.ConnectionError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case transport.KindIncompatible, transport.KindUnavailableID, transport.KindPeerBusy:
		return true
	}
	return false
}

func statusText(role session.Role, state session.State) string {
	sender := role == session.RoleSender
	switch state {
	case session.StatePairing:
		if sender {
			return "Waiting for receiver..."
		}
		return "Connecting..."
	case session.StateConnected:
		if sender {
			return "Receiver connected"
		}
		return "Connected, waiting for files..."
	case session.StateTransferring:
		if sender {
			return "Sending..."
		}
		return "Receiving..."
	case session.StateBatchComplete:
		if sender {
			return "All files sent"
		}
		return "All files received"
	case session.StateClosed:
		return "Closed"
	}
	return ""
}
