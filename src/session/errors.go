package session

import (
	"errors"
	"fmt"

	"github.com/schollz/sharepeer/src/transport"
)

var (
	// ErrProtocolViolation marks a message that arrived out of order. The
	// message is discarded and the session continues.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrChannelClosed is returned by the streamer when the channel stops
	// being open mid-file.
	ErrChannelClosed = errors.New("channel closed during transfer")
	// ErrUnretrievedFiles is returned by Reset when received files would be
	// discarded without confirmation.
	ErrUnretrievedFiles = errors.New("received files have not been retrieved")

	ErrNotRunning     = errors.New("session is not running")
	ErrWrongRole      = errors.New("operation not available for this role")
	ErrBusy           = errors.New("session already paired or pairing")
	ErrNoFiles        = errors.New("no files queued")
	ErrBatchStarted   = errors.New("batch already started")
	ErrNoSuchFile     = errors.New("no such file")
	ErrConnectTimeout = errors.New("channel did not open in time")
)

// ConnectionError is a pairing failure surfaced after the retry policy gave
// up.
type ConnectionError struct {
	Kind     transport.ErrorKind
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection failed after %d attempts (%s): %v", e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("connection failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable reports whether a dial failing with this kind may be attempted
// again.
func Retryable(kind transport.ErrorKind) bool {
	switch kind {
	case transport.KindServer, transport.KindNetwork, transport.KindDisconnected:
		return true
	}
	return false
}

// IntegrityError reports an assembled file whose size differs from its
// header. The file is still delivered.
type IntegrityError struct {
	Name     string
	Declared int64
	Received int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: received %d bytes, header declared %d", e.Name, e.Received, e.Declared)
}

// ResourceError reports a side resource that could not be acquired. It never
// stops a transfer.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
