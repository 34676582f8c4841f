package relay

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schollz/sharepeer/src/transport"
)

const writeTimeout = 10 * time.Second

// readFrame reads one binary frame. Text messages are rejected as bad frames.
func readFrame(conn *websocket.Conn) (*transport.Frame, error) {
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: text message", transport.ErrBadFrame)
	}
	return transport.UnmarshalFrame(raw)
}

// send writes f to the client. Writes are serialized per client.
func (c *Client) send(f *transport.Frame) error {
	data := transport.MarshalFrame(f)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.Conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		logger.Debug("Write failed", "id", c.ID, "error", err)
	}
	return err
}

func (c *Client) sendError(conn string, terr *transport.Error) error {
	return c.send(&transport.Frame{
		Type:    transport.FrameError,
		Conn:    conn,
		Kind:    string(terr.Kind),
		Message: terr.Message,
	})
}
