package transport_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/schollz/sharepeer/src/relay"
	"github.com/schollz/sharepeer/src/transport"
)

func startRelay(t *testing.T) *transport.RelayNetwork {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	relay.Configure(0, logger)
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(server.Close)
	return transport.NewRelayNetwork(server.URL, logger)
}

func nextEndpointEvent(t *testing.T, ep transport.Endpoint) transport.EndpointEvent {
	t.Helper()
	select {
	case ev := <-ep.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for endpoint event")
	}
	return transport.EndpointEvent{}
}

func nextChannelEvent(t *testing.T, ch transport.Channel) transport.ChannelEvent {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for channel event")
	}
	return transport.ChannelEvent{}
}

func TestRelayChannelLifecycle(t *testing.T) {
	network := startRelay(t)
	ctx := context.Background()

	host, err := network.Endpoint(ctx, "spf-LIF123LIF")
	if err != nil {
		t.Fatalf("host endpoint: %v", err)
	}
	defer host.Close()
	if ev := nextEndpointEvent(t, host); ev.Type != transport.EndpointOpen {
		t.Fatalf("Expected open, got %s", ev.Type)
	}

	guest, err := network.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("guest endpoint: %v", err)
	}
	defer guest.Close()
	nextEndpointEvent(t, guest)

	dialed, err := guest.Connect(ctx, "spf-LIF123LIF")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := nextEndpointEvent(t, host)
	if ev.Type != transport.EndpointConnection || ev.Channel == nil {
		t.Fatalf("Expected connection event, got %s", ev.Type)
	}
	accepted := ev.Channel
	if got := nextChannelEvent(t, accepted); got.Type != transport.ChannelOpen {
		t.Fatalf("Expected host side open, got %s", got.Type)
	}
	if got := nextChannelEvent(t, dialed); got.Type != transport.ChannelOpen {
		t.Fatalf("Expected guest side open, got %s", got.Type)
	}
	if accepted.Peer() != guest.ID() {
		t.Fatalf("Peer() = %q; expected %q", accepted.Peer(), guest.ID())
	}
	if dialed.PeerName() == "" || dialed.PeerName() == dialed.Peer() {
		t.Fatalf("Expected a mnemonic peer name, got %q", dialed.PeerName())
	}

	if err := dialed.Send(transport.Message{Data: []byte(`{"type":"batch-complete"}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := dialed.Send(transport.Message{Binary: true, Data: []byte{9, 8, 7}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first := nextChannelEvent(t, accepted)
	second := nextChannelEvent(t, accepted)
	if first.Type != transport.ChannelData || first.Message.Binary || string(first.Message.Data) != `{"type":"batch-complete"}` {
		t.Fatalf("Unexpected first message %+v", first)
	}
	if second.Type != transport.ChannelData || !second.Message.Binary || len(second.Message.Data) != 3 {
		t.Fatalf("Unexpected second message %+v", second)
	}

	accepted.Close()
	if accepted.Open() {
		t.Fatal("Closed channel should not report open")
	}
	if got := nextChannelEvent(t, dialed); got.Type != transport.ChannelClose {
		t.Fatalf("Expected close on the guest side, got %s", got.Type)
	}
	if err := dialed.Send(transport.Message{Data: []byte("late")}); err == nil {
		t.Fatal("Send after close should fail")
	}
}

func TestRelayRejectReachesDialer(t *testing.T) {
	network := startRelay(t)
	ctx := context.Background()

	host, err := network.Endpoint(ctx, "spf-BSY123BSY")
	if err != nil {
		t.Fatalf("host endpoint: %v", err)
	}
	defer host.Close()
	nextEndpointEvent(t, host)

	guest, err := network.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("guest endpoint: %v", err)
	}
	defer guest.Close()
	nextEndpointEvent(t, guest)

	dialed, err := guest.Connect(ctx, "spf-BSY123BSY")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev := nextEndpointEvent(t, host)
	if ev.Type != transport.EndpointConnection {
		t.Fatalf("Expected connection event, got %s", ev.Type)
	}
	ev.Channel.Reject(&transport.Error{Kind: transport.KindPeerBusy, Message: "already paired"})

	if got := nextChannelEvent(t, dialed); got.Type != transport.ChannelOpen {
		t.Fatalf("Expected guest side open, got %s", got.Type)
	}
	got := nextChannelEvent(t, dialed)
	if got.Type != transport.ChannelError || transport.KindOf(got.Err) != transport.KindPeerBusy {
		t.Fatalf("Expected peer-busy error, got %s (%v)", got.Type, got.Err)
	}
	if got := nextChannelEvent(t, dialed); got.Type != transport.ChannelClose {
		t.Fatalf("Expected close after the error, got %s", got.Type)
	}
	if dialed.Open() {
		t.Fatal("Rejected channel should not report open")
	}
}

func TestRelayConnectUnknownPeer(t *testing.T) {
	network := startRelay(t)
	ctx := context.Background()

	guest, err := network.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("guest endpoint: %v", err)
	}
	defer guest.Close()

	ch, err := guest.Connect(ctx, "spf-NOB000DYX")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev := nextChannelEvent(t, ch)
	if ev.Type != transport.ChannelError || transport.KindOf(ev.Err) != transport.KindPeerUnavailable {
		t.Fatalf("Expected peer-unavailable error, got %s %v", ev.Type, ev.Err)
	}
	if ev := nextChannelEvent(t, ch); ev.Type != transport.ChannelClose {
		t.Fatalf("Expected close after error, got %s", ev.Type)
	}
}

func TestRelayDuplicateID(t *testing.T) {
	network := startRelay(t)
	ctx := context.Background()

	first, err := network.Endpoint(ctx, "spf-DUP222DUP")
	if err != nil {
		t.Fatalf("first endpoint: %v", err)
	}
	defer first.Close()

	_, err = network.Endpoint(ctx, "spf-DUP222DUP")
	if transport.KindOf(err) != transport.KindUnavailableID {
		t.Fatalf("Expected unavailable-id, got %v", err)
	}
}

func TestRelayUnreachable(t *testing.T) {
	network := transport.NewRelayNetwork("ws://127.0.0.1:1", nil)
	network.HandshakeTimeout = 500 * time.Millisecond
	_, err := network.Endpoint(context.Background(), "spf-OFF000OFF")
	if transport.KindOf(err) != transport.KindNetwork {
		t.Fatalf("Expected network error, got %v", err)
	}
}

func TestRelayBufferedAmountDrains(t *testing.T) {
	network := startRelay(t)
	ctx := context.Background()

	host, _ := network.Endpoint(ctx, "spf-BUF777BUF")
	defer host.Close()
	nextEndpointEvent(t, host)
	guest, _ := network.Endpoint(ctx, "")
	defer guest.Close()
	nextEndpointEvent(t, guest)

	dialed, _ := guest.Connect(ctx, "spf-BUF777BUF")
	accepted := nextEndpointEvent(t, host).Channel
	nextChannelEvent(t, accepted)
	nextChannelEvent(t, dialed)

	chunk := make([]byte, 64*1024)
	for i := 0; i < 4; i++ {
		if err := accepted.Send(transport.Message{Binary: true, Data: chunk}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		nextChannelEvent(t, dialed)
	}
	deadline := time.Now().Add(2 * time.Second)
	for accepted.BufferedAmount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("BufferedAmount stuck at %d", accepted.BufferedAmount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-accepted.BufferedLow():
	default:
		t.Fatal("Expected a buffered-low signal after draining")
	}
}
