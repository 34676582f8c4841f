package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/sharepeer/src/transport"
)

// ReassemblyState tracks the file currently being received.
type ReassemblyState int

const (
	// ReassemblyIdle waits for a file header.
	ReassemblyIdle ReassemblyState = iota
	ReassemblyAccumulating
	ReassemblyFinalizing
	// ReassemblyBatchDone follows batch-complete. Nothing else is accepted.
	ReassemblyBatchDone
)

func (s ReassemblyState) String() string {
	switch s {
	case ReassemblyIdle:
		return "idle"
	case ReassemblyAccumulating:
		return "accumulating"
	case ReassemblyFinalizing:
		return "finalizing"
	case ReassemblyBatchDone:
		return "batch-done"
	}
	return fmt.Sprintf("ReassemblyState(%d)", int(s))
}

// ReceivedFile is an assembled file held for the user.
type ReceivedFile struct {
	Name       string
	Size       int64
	MIME       string
	Index      int
	TotalFiles int
	Data       []byte
	Retrieved  bool
}

// Outcome is what a single message changed.
type Outcome struct {
	Started   *FileHeader
	File      *ReceivedFile
	BatchDone bool
}

// Reassembly rebuilds files from the messages of a receiving channel, one
// file at a time.
type Reassembly struct {
	Logger     *slog.Logger
	OnProgress func(Progress)

	state    ReassemblyState
	header   FileHeader
	parts    [][]byte
	received int64
	thr      *throttle
}

// NewReassembly returns an idle Reassembly reporting progress at most once
// per interval.
func NewReassembly(interval time.Duration, logger *slog.Logger) *Reassembly {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembly{Logger: logger, thr: newThrottle(interval)}
}

func (r *Reassembly) State() ReassemblyState { return r.state }

// Received is the byte count of the file in flight.
func (r *Reassembly) Received() int64 { return r.received }

// Handle applies one channel message. Errors are never fatal: a protocol
// violation means the message was discarded, an *IntegrityError comes with
// the file it describes.
func (r *Reassembly) Handle(msg transport.Message) (Outcome, error) {
	if msg.Binary {
		return Outcome{}, r.chunk(msg.Data)
	}
	m, err := DecodeControl(msg.Data)
	if err != nil {
		r.Logger.Warn("Discarding message", "error", err)
		return Outcome{}, err
	}
	if r.state == ReassemblyBatchDone {
		return Outcome{}, r.violation("%s after batch-complete", m.Type)
	}

	switch m.Type {
	case MsgFileStart:
		var err error
		if r.state == ReassemblyAccumulating {
			err = r.violation("file-start for %q before file-end of %q", m.Name, r.header.Name)
			r.Abort()
		}
		h := m.header()
		r.begin(h)
		return Outcome{Started: &h}, err

	case MsgFileEnd:
		if r.state != ReassemblyAccumulating {
			return Outcome{}, r.violation("file-end without file-start")
		}
		f, err := r.finalize()
		return Outcome{File: f}, err

	case MsgBatchComplete:
		if r.state == ReassemblyAccumulating {
			r.Logger.Warn("Batch completed with a partial file", "file", r.header.Name)
			r.Abort()
		}
		r.state = ReassemblyBatchDone
		return Outcome{BatchDone: true}, nil
	}
	return Outcome{}, r.violation("unknown message type %q", m.Type)
}

func (r *Reassembly) begin(h FileHeader) {
	r.header = h
	r.parts = nil
	r.received = 0
	r.state = ReassemblyAccumulating
	r.thr.reset()
	r.thr.allow(false)
	r.report()
}

func (r *Reassembly) chunk(data []byte) error {
	if r.state != ReassemblyAccumulating {
		return r.violation("chunk of %d bytes without file-start", len(data))
	}
	r.parts = append(r.parts, data)
	r.received += int64(len(data))
	if r.thr.allow(r.received >= r.header.Size) {
		r.report()
	}
	return nil
}

func (r *Reassembly) finalize() (*ReceivedFile, error) {
	r.state = ReassemblyFinalizing
	data := make([]byte, 0, r.received)
	for _, p := range r.parts {
		data = append(data, p...)
	}
	f := &ReceivedFile{
		Name:       r.header.Name,
		Size:       r.header.Size,
		MIME:       r.header.MIME,
		Index:      r.header.Index,
		TotalFiles: r.header.TotalFiles,
		Data:       data,
	}
	if f.Size == 0 && len(data) == 0 {
		// No chunks arrive to carry an empty file to 100%.
		r.reportPercent(100)
	}
	r.parts = nil
	r.received = 0
	r.state = ReassemblyIdle

	if int64(len(data)) != f.Size {
		err := &IntegrityError{Name: f.Name, Declared: f.Size, Received: int64(len(data))}
		r.Logger.Error("Size mismatch, delivering file as received", "error", err)
		return f, err
	}
	r.Logger.Debug("File received", "file", f.Name, "bytes", len(data))
	return f, nil
}

// Abort drops the partial file, if any.
func (r *Reassembly) Abort() {
	if r.state == ReassemblyAccumulating && r.received > 0 {
		r.Logger.Info("Discarding partial file", "file", r.header.Name, "received", r.received)
	}
	r.parts = nil
	r.received = 0
	if r.state != ReassemblyBatchDone {
		r.state = ReassemblyIdle
	}
}

// Reset readies the buffer for a new batch.
func (r *Reassembly) Reset() {
	r.Abort()
	r.state = ReassemblyIdle
}

func (r *Reassembly) report() {
	r.reportPercent(percentOrZero(r.received, r.header.Size))
}

func (r *Reassembly) reportPercent(pct int) {
	if r.OnProgress == nil {
		return
	}
	r.OnProgress(Progress{
		Direction: Receiving,
		Percent:   pct,
		Index:     r.header.Index,
		Total:     r.header.TotalFiles,
		Name:      r.header.Name,
		Bytes:     r.received,
		Size:      r.header.Size,
	})
}

// percentOrZero is percent, except that nothing received yet is 0%.
func percentOrZero(done, size int64) int {
	if done == 0 {
		return 0
	}
	return percent(done, size)
}

func (r *Reassembly) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
	r.Logger.Warn("Discarding message", "error", err)
	return err
}
