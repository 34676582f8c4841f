package session

import (
	"fmt"
	"io"
	"strings"
)

// OutgoingFile is a file waiting to be sent.
type OutgoingFile struct {
	Name    string
	Size    int64
	MIME    string
	Content io.ReaderAt
}

// Queue orders the files of a sending session. Files leave the queue once
// fully sent or when removed before the batch starts.
type Queue struct {
	files   []OutgoingFile
	started bool
	index   int
	total   int
}

// Add appends files in order, renaming any whose name is already queued to
// "base (n).ext". It returns how many files were renamed.
func (q *Queue) Add(files ...OutgoingFile) int {
	renamed := 0
	for _, f := range files {
		name := uniqueName(f.Name, q.taken)
		if name != f.Name {
			renamed++
			f.Name = name
		}
		q.files = append(q.files, f)
	}
	return renamed
}

func (q *Queue) taken(name string) bool {
	for _, f := range q.files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// uniqueName returns name, or the first "base (n).ext" for which taken is
// false. The extension is everything from the last dot.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	base, ext := name, ""
	if dot := strings.LastIndex(name, "."); dot != -1 {
		base, ext = name[:dot], name[dot:]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// Remove drops the file at i. Files cannot be removed once the batch has
// started.
func (q *Queue) Remove(i int) error {
	if q.started {
		return ErrBatchStarted
	}
	if i < 0 || i >= len(q.files) {
		return fmt.Errorf("%w: queue index %d", ErrNoSuchFile, i)
	}
	q.files = append(q.files[:i], q.files[i+1:]...)
	return nil
}

// Files returns a copy of the queued files.
func (q *Queue) Files() []OutgoingFile {
	return append([]OutgoingFile(nil), q.files...)
}

func (q *Queue) Len() int { return len(q.files) }

// Started reports whether a batch is in progress.
func (q *Queue) Started() bool { return q.started }

// Start begins a batch over the files queued now.
func (q *Queue) Start() error {
	if q.started {
		return ErrBatchStarted
	}
	if len(q.files) == 0 {
		return ErrNoFiles
	}
	q.started = true
	q.index = 0
	q.total = len(q.files)
	return nil
}

// Next returns the file to send with its batch index and the batch size.
// ok is false once every file has been sent.
func (q *Queue) Next() (f OutgoingFile, index, total int, ok bool) {
	if !q.started || len(q.files) == 0 || q.index >= q.total {
		return OutgoingFile{}, q.index, q.total, false
	}
	return q.files[0], q.index, q.total, true
}

// Complete removes the file returned by Next after its end marker was sent.
func (q *Queue) Complete() {
	if !q.started || len(q.files) == 0 {
		return
	}
	q.files = q.files[1:]
	q.index++
}

// Finish ends the batch.
func (q *Queue) Finish() {
	q.started = false
	q.index = 0
	q.total = 0
}

// Abort ends the batch after the channel was lost. Files not fully sent
// stay queued for the next pairing.
func (q *Queue) Abort() {
	q.Finish()
}

// Reset replaces the whole set.
func (q *Queue) Reset(files ...OutgoingFile) int {
	q.files = nil
	q.Finish()
	return q.Add(files...)
}
