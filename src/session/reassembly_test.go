package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/sharepeer/src/transport"
)

func control(t *testing.T, m ControlMessage) transport.Message {
	t.Helper()
	msg, err := EncodeControl(m)
	require.NoError(t, err)
	return msg
}

func chunk(data string) transport.Message {
	return transport.Message{Binary: true, Data: []byte(data)}
}

func header(name string, size int64, index, total int) ControlMessage {
	return fileStart(FileHeader{Name: name, Size: size, MIME: "text/plain", Index: index, TotalFiles: total})
}

func TestReassemblyIgnoresChunksBeforeHeader(t *testing.T) {
	r := NewReassembly(0, testLogger())

	out, err := r.Handle(chunk("stray"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Nil(t, out.File)
	assert.Equal(t, ReassemblyIdle, r.State())

	out, err = r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Nil(t, out.File)
}

func TestReassemblyAssemblesFile(t *testing.T) {
	r := NewReassembly(0, testLogger())
	var progress []Progress
	r.OnProgress = func(p Progress) { progress = append(progress, p) }

	out, err := r.Handle(control(t, header("notes.txt", 11, 0, 2)))
	require.NoError(t, err)
	require.NotNil(t, out.Started)
	assert.Equal(t, "notes.txt", out.Started.Name)
	assert.Equal(t, ReassemblyAccumulating, r.State())

	for _, part := range []string{"hello", " ", "world"} {
		_, err := r.Handle(chunk(part))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(11), r.Received())

	out, err = r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))
	require.NoError(t, err)
	require.NotNil(t, out.File)
	assert.Equal(t, "hello world", string(out.File.Data))
	assert.Equal(t, "text/plain", out.File.MIME)
	assert.Equal(t, 2, out.File.TotalFiles)
	assert.Equal(t, ReassemblyIdle, r.State())

	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[0].Percent)
	assert.Equal(t, Receiving, progress[0].Direction)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
}

func TestReassemblyEmptyFileReachesFullProgress(t *testing.T) {
	r := NewReassembly(0, testLogger())
	var progress []Progress
	r.OnProgress = func(p Progress) { progress = append(progress, p) }

	_, err := r.Handle(control(t, header("empty.txt", 0, 0, 1)))
	require.NoError(t, err)
	out, err := r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))
	require.NoError(t, err)
	require.NotNil(t, out.File)
	assert.Empty(t, out.File.Data)

	require.Len(t, progress, 2)
	assert.Equal(t, 0, progress[0].Percent)
	assert.Equal(t, 100, progress[1].Percent)
	assert.Equal(t, "empty.txt", progress[1].Name)
}

func TestReassemblySizeMismatchStillDelivers(t *testing.T) {
	r := NewReassembly(0, testLogger())
	r.Handle(control(t, header("short.bin", 10, 0, 1)))
	r.Handle(chunk("abc"))

	out, err := r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(10), ie.Declared)
	assert.Equal(t, int64(3), ie.Received)
	require.NotNil(t, out.File)
	assert.Equal(t, "abc", string(out.File.Data))
}

func TestReassemblyHeaderBeforeEndDropsPartial(t *testing.T) {
	r := NewReassembly(0, testLogger())
	r.Handle(control(t, header("first", 6, 0, 2)))
	r.Handle(chunk("abc"))

	out, err := r.Handle(control(t, header("second", 3, 1, 2)))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	require.NotNil(t, out.Started)
	assert.Equal(t, "second", out.Started.Name)

	r.Handle(chunk("xyz"))
	out, err = r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))
	require.NoError(t, err)
	assert.Equal(t, "second", out.File.Name)
	assert.Equal(t, "xyz", string(out.File.Data))
}

func TestReassemblyBatchComplete(t *testing.T) {
	r := NewReassembly(0, testLogger())
	r.Handle(control(t, header("a", 1, 0, 1)))
	r.Handle(chunk("a"))
	r.Handle(control(t, ControlMessage{Type: MsgFileEnd}))

	out, err := r.Handle(control(t, ControlMessage{Type: MsgBatchComplete}))
	require.NoError(t, err)
	assert.True(t, out.BatchDone)
	assert.Equal(t, ReassemblyBatchDone, r.State())

	_, err = r.Handle(control(t, header("late", 1, 0, 1)))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, ReassemblyBatchDone, r.State())

	r.Reset()
	assert.Equal(t, ReassemblyIdle, r.State())
}

func TestReassemblyMalformedControl(t *testing.T) {
	r := NewReassembly(0, testLogger())
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{oops"},
		{"no type", `{"name":"x"}`},
		{"unknown type", `{"type":"file-resume"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Handle(transport.Message{Data: []byte(tt.data)})
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, ReassemblyIdle, r.State())
		})
	}
}

func TestReassemblyAbort(t *testing.T) {
	r := NewReassembly(0, testLogger())
	r.Handle(control(t, header("partial", 100, 0, 1)))
	r.Handle(chunk("some"))

	r.Abort()
	assert.Equal(t, ReassemblyIdle, r.State())
	assert.Zero(t, r.Received())

	_, err := r.Handle(chunk("more"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
