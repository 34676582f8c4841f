// Package transport defines the peer transport the transfer session runs on:
// endpoints registered under an id, and bidirectional channels between two
// endpoints that carry structured and binary messages.
//
// RelayNetwork implements it on top of the sharepeer relay.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is a single message on a channel. Binary messages carry file
// chunks; the others carry structured control messages.
type Message struct {
	Binary bool
	Data   []byte
}

// ChannelEventType enumerates channel lifecycle and data events.
type ChannelEventType int

const (
	ChannelOpen ChannelEventType = iota
	ChannelData
	ChannelClose
	ChannelError
)

func (t ChannelEventType) String() string {
	switch t {
	case ChannelOpen:
		return "open"
	case ChannelData:
		return "data"
	case ChannelClose:
		return "close"
	case ChannelError:
		return "error"
	}
	return fmt.Sprintf("ChannelEventType(%d)", int(t))
}

// ChannelEvent is delivered on Channel.Events.
type ChannelEvent struct {
	Type    ChannelEventType
	Message Message
	Err     error
}

// Channel is a paired connection between two endpoints.
type Channel interface {
	// ID identifies the connection on the relay.
	ID() string
	// Peer is the remote endpoint id.
	Peer() string
	// PeerName is a human-friendly name for the remote endpoint.
	PeerName() string
	Send(msg Message) error
	Open() bool
	// BufferedAmount is the number of bytes accepted by Send but not yet
	// handed to the network.
	BufferedAmount() int
	// BufferedLow is signalled when BufferedAmount drops below the low
	// threshold. Signals are coalesced.
	BufferedLow() <-chan struct{}
	// Events has a single consumer. Nothing follows ChannelClose.
	Events() <-chan ChannelEvent
	Close() error
	// Reject closes the channel and hands reason to the peer, which sees it
	// as a ChannelError before ChannelClose.
	Reject(reason *Error) error
}

// EndpointEventType enumerates endpoint lifecycle events.
type EndpointEventType int

const (
	EndpointOpen EndpointEventType = iota
	EndpointConnection
	EndpointDisconnected
	EndpointError
)

func (t EndpointEventType) String() string {
	switch t {
	case EndpointOpen:
		return "open"
	case EndpointConnection:
		return "connection"
	case EndpointDisconnected:
		return "disconnected"
	case EndpointError:
		return "error"
	}
	return fmt.Sprintf("EndpointEventType(%d)", int(t))
}

// EndpointEvent is delivered on Endpoint.Events. Channel is set for
// EndpointConnection, Err for EndpointError.
type EndpointEvent struct {
	Type    EndpointEventType
	Channel Channel
	Err     error
}

// Endpoint is a local identity on the transport that can accept and open
// channels.
type Endpoint interface {
	ID() string
	// Connect asks the endpoint registered as remoteID for a channel. The
	// channel is returned immediately and reports ChannelOpen or
	// ChannelError later.
	Connect(ctx context.Context, remoteID string) (Channel, error)
	Events() <-chan EndpointEvent
	// Reconnect restores the link to the transport after
	// EndpointDisconnected, keeping the same id.
	Reconnect(ctx context.Context) error
	Close() error
}

// Network creates endpoints. An empty id asks for an anonymous endpoint.
type Network interface {
	Endpoint(ctx context.Context, id string) (Endpoint, error)
}

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// KindIncompatible means this client cannot talk to the transport at
	// all; switching client is the only fix.
	KindIncompatible ErrorKind = "incompatible"
	// KindPeerUnavailable means no endpoint is registered under the id.
	KindPeerUnavailable ErrorKind = "peer-unavailable"
	// KindUnavailableID means the requested id is already registered.
	KindUnavailableID ErrorKind = "unavailable-id"
	KindServer        ErrorKind = "server-error"
	KindNetwork       ErrorKind = "network"
	KindDisconnected  ErrorKind = "disconnected"
	// KindPeerBusy means the remote endpoint already has a peer.
	KindPeerBusy ErrorKind = "peer-busy"
	KindOther         ErrorKind = "other"
)

// Error is a classified transport error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

// ErrClosed is returned when sending on a closed channel or endpoint.
var ErrClosed = errors.New("transport: closed")
