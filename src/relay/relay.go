package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/schollz/sharepeer/src/transport"
)

// Client is one websocket connection registered under an endpoint id.
type Client struct {
	ID       string
	Mnemonic string
	Conn     *websocket.Conn
	writeMu  sync.Mutex
}

// Link is a channel between a dialing and a listening client.
type Link struct {
	ID       string
	Dialer   *Client
	Listener *Client
}

func (l *Link) other(c *Client) *Client {
	if l.Dialer == c {
		return l.Listener
	}
	return l.Dialer
}

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	endpoints   = make(map[string]*Client)
	links       = make(map[string]*Link)
	registryMux sync.Mutex

	// maxEndpoints caps concurrent registrations. Zero disables the cap.
	maxEndpoints = 0

	logger = slog.Default()
)

const endpointLimitMessage = "Maximum endpoints reached, try again later"

// register adds c under c.ID.
func register(c *Client) *transport.Error {
	registryMux.Lock()
	defer registryMux.Unlock()

	if _, taken := endpoints[c.ID]; taken {
		return &transport.Error{Kind: transport.KindUnavailableID, Message: fmt.Sprintf("id %q is taken", c.ID)}
	}
	if maxEndpoints > 0 && len(endpoints) >= maxEndpoints {
		return &transport.Error{Kind: transport.KindServer, Message: endpointLimitMessage}
	}
	endpoints[c.ID] = c
	return nil
}

// unregister removes c and returns the links it was part of.
func unregister(c *Client) []*Link {
	registryMux.Lock()
	defer registryMux.Unlock()

	if endpoints[c.ID] == c {
		delete(endpoints, c.ID)
	}
	var dropped []*Link
	for id, l := range links {
		if l.Dialer == c || l.Listener == c {
			dropped = append(dropped, l)
			delete(links, id)
		}
	}
	return dropped
}

func lookupEndpoint(id string) *Client {
	registryMux.Lock()
	defer registryMux.Unlock()
	return endpoints[id]
}

func lookupLink(id string, c *Client) *Link {
	registryMux.Lock()
	defer registryMux.Unlock()
	l := links[id]
	if l == nil || (l.Dialer != c && l.Listener != c) {
		return nil
	}
	return l
}

func wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error", "error", err)
		return
	}
	defer conn.Close()

	client := &Client{Conn: conn}
	if !handshake(client) {
		return
	}
	logger.Info("Endpoint registered", "id", client.ID, "mnemonic", client.Mnemonic)

	for {
		f, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, transport.ErrBadFrame) {
				logger.Warn("Bad frame", "id", client.ID, "error", err)
				continue
			}
			break
		}
		handleFrame(client, f)
	}

	for _, l := range unregister(client) {
		l.other(client).send(&transport.Frame{Type: transport.FrameClose, Conn: l.ID})
	}
	logger.Info("Closed connection", "id", client.ID)
}

// handshake waits for the register frame and answers it. It returns false
// when the client was refused.
func handshake(client *Client) bool {
	f, err := readFrame(client.Conn)
	if err != nil {
		logger.Debug("Client left before registering", "error", err)
		return false
	}
	if f.Type != transport.FrameRegister {
		client.sendError("", &transport.Error{Kind: transport.KindOther, Message: "register first"})
		return false
	}
	if f.Version != transport.ProtocolVersion {
		client.sendError("", &transport.Error{
			Kind:    transport.KindIncompatible,
			Message: fmt.Sprintf("protocol version %d is not supported, need %d", f.Version, transport.ProtocolVersion),
		})
		return false
	}
	if f.ID == "" {
		client.sendError("", &transport.Error{Kind: transport.KindOther, Message: "missing endpoint id"})
		return false
	}

	client.ID = f.ID
	client.Mnemonic = GenerateMnemonic(f.ID)
	if terr := register(client); terr != nil {
		logger.Warn("Registration refused", "id", f.ID, "kind", terr.Kind)
		client.sendError("", terr)
		return false
	}
	client.send(&transport.Frame{Type: transport.FrameRegistered, ID: client.ID, Mnemonic: client.Mnemonic})
	return true
}

func handleFrame(client *Client, f *transport.Frame) {
	switch f.Type {
	case transport.FrameConnect:
		target := lookupEndpoint(f.ID)
		if target == nil || target == client || f.Conn == "" {
			client.sendError(f.Conn, &transport.Error{
				Kind:    transport.KindPeerUnavailable,
				Message: fmt.Sprintf("could not connect to peer %s", f.ID),
			})
			return
		}
		registryMux.Lock()
		if _, exists := links[f.Conn]; exists {
			registryMux.Unlock()
			client.sendError(f.Conn, &transport.Error{Kind: transport.KindOther, Message: "duplicate connection id"})
			return
		}
		links[f.Conn] = &Link{ID: f.Conn, Dialer: client, Listener: target}
		registryMux.Unlock()

		logger.Debug("Connect", "from", client.ID, "to", target.ID, "conn", f.Conn)
		target.send(&transport.Frame{Type: transport.FrameConnect, Conn: f.Conn, From: client.ID, Mnemonic: client.Mnemonic})

	case transport.FrameAccept:
		l := lookupLink(f.Conn, client)
		if l == nil || l.Listener != client {
			return
		}
		l.Dialer.send(&transport.Frame{Type: transport.FrameAccept, Conn: l.ID, From: client.ID, Mnemonic: client.Mnemonic})

	case transport.FrameData:
		l := lookupLink(f.Conn, client)
		if l == nil {
			return
		}
		l.other(client).send(&transport.Frame{Type: transport.FrameData, Conn: l.ID, Payload: f.Payload, Binary: f.Binary})

	case transport.FrameClose:
		l := lookupLink(f.Conn, client)
		if l == nil {
			return
		}
		registryMux.Lock()
		delete(links, l.ID)
		registryMux.Unlock()
		l.other(client).send(&transport.Frame{Type: transport.FrameClose, Conn: l.ID})

	case transport.FrameError:
		// A peer refusing the link. The error replaces the close.
		l := lookupLink(f.Conn, client)
		if l == nil {
			return
		}
		registryMux.Lock()
		delete(links, l.ID)
		registryMux.Unlock()
		l.other(client).sendError(l.ID, &transport.Error{Kind: transport.ErrorKind(f.Kind), Message: f.Message})

	default:
		logger.Debug("Ignoring frame", "id", client.ID, "type", f.Type)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the relay's HTTP handler.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/health", healthHandler)
	return cors.AllowAll().Handler(mux)
}

// Configure sets the logger and endpoint cap used by the handlers.
func Configure(limit int, log *slog.Logger) {
	if log != nil {
		logger = log
	}
	maxEndpoints = limit
}

// Start runs the relay on port until the listener fails.
func Start(port, limit int, log *slog.Logger) error {
	Configure(limit, log)
	addr := fmt.Sprintf(":%d", port)
	logger.Info("sharepeer relay starting", "address", fmt.Sprintf("ws://localhost%s", addr), "max_endpoints", limit)
	if err := http.ListenAndServe(addr, Handler()); err != nil {
		logger.Error("Server failed", "error", err)
		return err
	}
	return nil
}
