package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/sharepeer/src/transport"
)

// Streamer sends one file at a time over a channel as fixed-size binary
// chunks followed by a file-end marker.
type Streamer struct {
	Channel    transport.Channel
	Policy     Policy
	Logger     *slog.Logger
	OnProgress func(Progress)
}

// Stream sends f. It returns ErrChannelClosed if the channel stops being
// open before the end marker is sent; nothing is resumed afterwards.
func (s *Streamer) Stream(ctx context.Context, f OutgoingFile, index, total int) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := int64(s.Policy.ChunkSize)
	thr := newThrottle(s.Policy.ProgressInterval)

	report := func(sent int64) {
		if s.OnProgress == nil {
			return
		}
		s.OnProgress(Progress{
			Direction: Sending,
			Percent:   percent(sent, f.Size),
			Index:     index,
			Total:     total,
			Name:      f.Name,
			Bytes:     sent,
			Size:      f.Size,
		})
	}

	if f.Size == 0 {
		report(0)
	}

	var offset int64
	for offset < f.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.Channel.Open() {
			logger.Warn("Connection lost during transfer", "file", f.Name, "sent", offset)
			return ErrChannelClosed
		}
		if err := s.waitForDrain(ctx); err != nil {
			return err
		}

		n := min(chunkSize, f.Size-offset)
		chunk := make([]byte, n)
		read, err := f.Content.ReadAt(chunk, offset)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read %s at %d: %w", f.Name, offset, err)
		}

		if err := s.Channel.Send(transport.Message{Binary: true, Data: chunk}); err != nil {
			if errors.Is(err, transport.ErrClosed) || !s.Channel.Open() {
				return ErrChannelClosed
			}
			return fmt.Errorf("send chunk of %s: %w", f.Name, err)
		}
		offset += n

		if thr.allow(offset >= f.Size) {
			report(offset)
		}
	}

	if !s.Channel.Open() {
		return ErrChannelClosed
	}
	if err := sendControl(s.Channel, ControlMessage{Type: MsgFileEnd}); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}
	logger.Debug("File sent", "file", f.Name, "bytes", f.Size)
	return nil
}

// waitForDrain returns once the channel's buffered amount is at most
// HighWater. When above, it suspends until the amount drops below LowWater,
// checking whenever the channel signals BufferedLow or PollInterval passes.
func (s *Streamer) waitForDrain(ctx context.Context) error {
	if s.Channel.BufferedAmount() <= s.Policy.HighWater {
		return nil
	}
	if s.Logger != nil {
		s.Logger.Debug("Waiting for channel buffer to drain", "buffered", s.Channel.BufferedAmount())
	}

	ticker := time.NewTicker(s.Policy.PollInterval)
	defer ticker.Stop()
	low := s.Channel.BufferedLow()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-low:
		case <-ticker.C:
		}
		if !s.Channel.Open() {
			return ErrChannelClosed
		}
		if s.Channel.BufferedAmount() < s.Policy.LowWater {
			return nil
		}
	}
}
