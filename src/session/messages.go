package session

import (
	"encoding/json"
	"fmt"

	"github.com/schollz/sharepeer/src/transport"
)

// Control message types. Binary messages carry chunk payloads.
const (
	MsgFileStart     = "file-start"
	MsgFileEnd       = "file-end"
	MsgBatchComplete = "batch-complete"
)

// ControlMessage is a structured message on the channel. Header fields are
// set only for file-start.
type ControlMessage struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	MIME       string `json:"mime,omitempty"`
	Index      int    `json:"index,omitempty"`
	TotalFiles int    `json:"totalFiles,omitempty"`
}

// FileHeader is the metadata announced before a file's chunks.
type FileHeader struct {
	Name       string
	Size       int64
	MIME       string
	Index      int
	TotalFiles int
}

func fileStart(h FileHeader) ControlMessage {
	return ControlMessage{
		Type:       MsgFileStart,
		Name:       h.Name,
		Size:       h.Size,
		MIME:       h.MIME,
		Index:      h.Index,
		TotalFiles: h.TotalFiles,
	}
}

func (m ControlMessage) header() FileHeader {
	return FileHeader{Name: m.Name, Size: m.Size, MIME: m.MIME, Index: m.Index, TotalFiles: m.TotalFiles}
}

// EncodeControl wraps m as a structured channel message.
func EncodeControl(m ControlMessage) (transport.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Data: data}, nil
}

// DecodeControl parses a structured channel message.
func DecodeControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: malformed control message: %v", ErrProtocolViolation, err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: control message without type", ErrProtocolViolation)
	}
	return m, nil
}

func sendControl(ch transport.Channel, m ControlMessage) error {
	msg, err := EncodeControl(m)
	if err != nil {
		return err
	}
	return ch.Send(msg)
}
