package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/schollz/sharepeer/src/session"
)

// Batch is a set of opened files ready to be queued on a sender session.
// Directories are zipped into a temporary archive first.
type Batch struct {
	Files []session.OutgoingFile

	open    []*os.File
	tempDir string
}

// LoadFiles opens every path for sending. Notices about zipped folders are
// written to w.
func LoadFiles(paths []string, w io.Writer, logger *slog.Logger) (*Batch, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files given")
	}
	b := &Batch{}
	for _, p := range paths {
		if err := b.add(p, w, logger); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Batch) add(path string, w io.Writer, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	actual := path
	if info.IsDir() {
		folder := filepath.Base(filepath.Clean(path))
		count, size, err := directoryStats(path)
		if err != nil {
			return fmt.Errorf("failed to scan directory: %w", err)
		}
		fmt.Fprintf(w, "Zipping folder '%s' (%d files, %s)...\n", folder, count, formatBytes(size))

		if b.tempDir == "" {
			if b.tempDir, err = os.MkdirTemp("", "sharepeer-"); err != nil {
				return err
			}
		}
		// Folders sharing a base name each get their own archive directory.
		dir, err := os.MkdirTemp(b.tempDir, "folder-")
		if err != nil {
			return err
		}
		actual = filepath.Join(dir, folder+".zip")
		if err := CreateZipFromDirectory(path, actual); err != nil {
			return err
		}
	}

	f, err := os.Open(actual)
	if err != nil {
		return err
	}
	b.open = append(b.open, f)
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	mime := "application/octet-stream"
	if m, err := mimetype.DetectFile(actual); err == nil {
		mime = m.String()
	} else {
		logger.Debug("MIME detection failed", "file", actual, "error", err)
	}

	b.Files = append(b.Files, session.OutgoingFile{
		Name:    filepath.Base(actual),
		Size:    stat.Size(),
		MIME:    mime,
		Content: f,
	})
	logger.Debug("Queued file", "file", actual, "size", stat.Size(), "mime", mime)
	return nil
}

// TotalSize is the number of bytes across the batch.
func (b *Batch) TotalSize() int64 {
	var n int64
	for _, f := range b.Files {
		n += f.Size
	}
	return n
}

// Close releases the opened files and removes temporary archives.
func (b *Batch) Close() error {
	var errs []error
	for _, f := range b.open {
		errs = append(errs, f.Close())
	}
	b.open = nil
	if b.tempDir != "" {
		errs = append(errs, os.RemoveAll(b.tempDir))
		b.tempDir = ""
	}
	return errors.Join(errs...)
}
