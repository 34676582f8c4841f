package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/sharepeer/src/session"
)

var errSkipped = errors.New("skipped")

// Output writes received files into a directory.
type Output struct {
	Dir   string
	Force bool
	// Extract unpacks zip archives into Dir instead of saving them. Each
	// existing file the archive would replace is confirmed separately.
	Extract bool

	in  *bufio.Reader
	out io.Writer
}

// NewOutput returns an Output that asks about overwrites on in and out.
func NewOutput(dir string, force, extract bool, in io.Reader, out io.Writer) *Output {
	return &Output{Dir: dir, Force: force, Extract: extract, in: bufio.NewReader(in), out: out}
}

// formatBytes formats bytes into human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// promptOverwrite asks to overwrite an existing path.
// Returns true only if the user answers with capital 'Y'.
func (o *Output) promptOverwrite(kind, path string) bool {
	fmt.Fprintf(o.out, "%s '%s' already exists. Overwrite? (Y/n): ", kind, path)
	response, err := o.in.ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	return strings.TrimSpace(response) == "Y"
}

// checkFileOverwrite returns true to proceed with writing path.
func (o *Output) checkFileOverwrite(kind, path string) bool {
	if o.Force {
		return true
	}
	if _, err := os.Stat(path); err != nil {
		return true
	}
	return o.promptOverwrite(kind, path)
}

// sanitizeFileName cleans a filename to prevent path traversal attacks
// by extracting only the base filename and removing any directory components
func sanitizeFileName(fileName string) string {
	return filepath.Base(fileName)
}

// localName picks the name f is saved under.
func localName(f session.ReceivedFile) string {
	name := sanitizeFileName(f.Name)
	switch name {
	case ".", "..", string(filepath.Separator):
		return fmt.Sprintf("received-%d", f.Index+1)
	}
	return name
}

// Save writes f and returns where it went. It returns errSkipped when the
// user declines to overwrite.
func (o *Output) Save(f session.ReceivedFile) (string, error) {
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := localName(f)

	if o.Extract && f.MIME == "application/zip" {
		return o.extract(f.Data)
	}

	path := filepath.Join(o.Dir, name)
	if !o.checkFileOverwrite("File", path) {
		return "", errSkipped
	}
	if err := os.WriteFile(path, f.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

func (o *Output) extract(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "sharepeer-*.zip")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	res, err := ExtractZipToDirectory(tmp.Name(), o.Dir, func(path string) bool {
		return o.checkFileOverwrite("File", path)
	})
	if err != nil {
		return "", err
	}
	if res.Files == 0 && res.Skipped > 0 {
		return "", errSkipped
	}
	return res.Root, nil
}
