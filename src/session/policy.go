package session

import (
	"errors"
	"fmt"
	"time"
)

// Policy holds the timing and sizing constants of a transfer session.
type Policy struct {
	// ChunkSize is the size of each binary chunk. The last chunk of a file
	// may be shorter.
	ChunkSize int
	// HighWater suspends chunk emission while the channel buffers more than
	// this many bytes. Emission resumes below LowWater.
	HighWater int
	LowWater  int
	// PollInterval re-checks the buffered amount while suspended, for
	// channels that do not reliably signal BufferedLow.
	PollInterval     time.Duration
	ProgressInterval time.Duration

	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	DialAttempts   int

	// StartDelay runs between pairing and the first file header.
	StartDelay time.Duration
	// AdvanceDelay runs between one file's end marker and the next header.
	AdvanceDelay time.Duration
	// CloseDelay runs between batch completion and closing the session.
	// Zero keeps the session open.
	CloseDelay time.Duration
}

// DefaultPolicy returns the standard session constants.
func DefaultPolicy() Policy {
	return Policy{
		ChunkSize:        64 * 1024,
		HighWater:        1024 * 1024,
		LowWater:         512 * 1024,
		PollInterval:     50 * time.Millisecond,
		ProgressInterval: 100 * time.Millisecond,
		ConnectTimeout:   4 * time.Second,
		RetryDelay:       time.Second,
		DialAttempts:     3,
		StartDelay:       500 * time.Millisecond,
		AdvanceDelay:     50 * time.Millisecond,
		CloseDelay:       3 * time.Second,
	}
}

// ErrInvalidPolicy is wrapped by every Validate failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Validate reports the first inconsistent value in p.
func (p Policy) Validate() error {
	switch {
	case p.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidPolicy, p.ChunkSize)
	case p.HighWater <= 0:
		return fmt.Errorf("%w: high water must be positive, got %d", ErrInvalidPolicy, p.HighWater)
	case p.LowWater < 0 || p.LowWater >= p.HighWater:
		return fmt.Errorf("%w: low water %d must be below high water %d", ErrInvalidPolicy, p.LowWater, p.HighWater)
	case p.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidPolicy)
	case p.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidPolicy)
	case p.DialAttempts < 1:
		return fmt.Errorf("%w: need at least one dial attempt, got %d", ErrInvalidPolicy, p.DialAttempts)
	case p.ProgressInterval < 0 || p.RetryDelay < 0 || p.StartDelay < 0 || p.AdvanceDelay < 0 || p.CloseDelay < 0:
		return fmt.Errorf("%w: delays cannot be negative", ErrInvalidPolicy)
	}
	return nil
}
