package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(name string, content string) OutgoingFile {
	return OutgoingFile{
		Name:    name,
		Size:    int64(len(content)),
		MIME:    "text/plain",
		Content: bytes.NewReader([]byte(content)),
	}
}

func names(files []OutgoingFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func TestQueueRenamesDuplicates(t *testing.T) {
	var q Queue
	renamed := q.Add(file("a.txt", "1"), file("a.txt", "2"))
	renamed += q.Add(file("a.txt", "3"))

	assert.Equal(t, []string{"a.txt", "a (1).txt", "a (2).txt"}, names(q.Files()))
	assert.Equal(t, 2, renamed)
}

func TestUniqueName(t *testing.T) {
	tests := []struct {
		name  string
		taken []string
		want  string
	}{
		{"free", []string{"b.txt"}, "free"},
		{"report", []string{"report"}, "report (1)"},
		{"archive.tar.gz", []string{"archive.tar.gz"}, "archive.tar (1).gz"},
		{".env", []string{".env"}, " (1).env"},
		{"a.txt", []string{"a.txt", "a (1).txt"}, "a (2).txt"},
		{"a (1).txt", []string{"a (1).txt"}, "a (1) (1).txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taken := func(n string) bool {
				for _, s := range tt.taken {
					if s == n {
						return true
					}
				}
				return false
			}
			assert.Equal(t, tt.want, uniqueName(tt.name, taken))
		})
	}
}

func TestQueueRemove(t *testing.T) {
	var q Queue
	q.Add(file("a", "1"), file("b", "2"), file("c", "3"))

	require.NoError(t, q.Remove(1))
	assert.Equal(t, []string{"a", "c"}, names(q.Files()))
	assert.ErrorIs(t, q.Remove(5), ErrNoSuchFile)

	require.NoError(t, q.Start())
	assert.ErrorIs(t, q.Remove(0), ErrBatchStarted)
}

func TestQueueSequencing(t *testing.T) {
	var q Queue
	assert.ErrorIs(t, q.Start(), ErrNoFiles)

	q.Add(file("one", "1"), file("two", "22"))
	_, _, _, ok := q.Next()
	assert.False(t, ok, "Next before Start")

	require.NoError(t, q.Start())
	assert.ErrorIs(t, q.Start(), ErrBatchStarted)

	f, index, total, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "one", f.Name)
	assert.Equal(t, 0, index)
	assert.Equal(t, 2, total)

	// Next is idempotent until Complete.
	f, _, _, _ = q.Next()
	assert.Equal(t, "one", f.Name)

	q.Complete()
	f, index, total, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "two", f.Name)
	assert.Equal(t, 1, index)
	assert.Equal(t, 2, total)

	q.Complete()
	_, _, _, ok = q.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueueAbortKeepsUnsentFiles(t *testing.T) {
	var q Queue
	q.Add(file("one", "1"), file("two", "2"), file("three", "3"))
	require.NoError(t, q.Start())
	q.Complete()

	q.Abort()
	assert.False(t, q.Started())
	assert.Equal(t, []string{"two", "three"}, names(q.Files()))

	require.NoError(t, q.Start())
	_, index, total, _ := q.Next()
	assert.Equal(t, 0, index)
	assert.Equal(t, 2, total)
}

func TestQueueReset(t *testing.T) {
	var q Queue
	q.Add(file("a", "1"))
	require.NoError(t, q.Start())

	renamed := q.Reset(file("x", "1"), file("x", "2"))
	assert.Equal(t, 1, renamed)
	assert.False(t, q.Started())
	assert.Equal(t, []string{"x", "x (1)"}, names(q.Files()))
}
