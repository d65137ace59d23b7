package join

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimitedReadSeekerStopsAtBoundary(t *testing.T) {
	src := bytes.NewReader([]byte("0123456789ABCDEF"))
	l := &limitedReadSeeker{rs: src, limit: 10}

	buf := make([]byte, 20)
	n, err := l.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "0123456789", string(buf[:n]))

	n, err = l.Read(buf)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 0, n)
}

func TestLimitedReadSeekerSeek(t *testing.T) {
	src := bytes.NewReader([]byte("0123456789ABCDEF"))
	l := &limitedReadSeeker{rs: src, limit: 10}

	pos, err := l.Seek(4, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)

	buf := make([]byte, 3)
	n, err := l.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "456", string(buf[:n]))

	_, err = l.Seek(11, io.SeekStart)
	require.Error(t, err)

	_, err = l.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	n, err = l.Read(buf)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 0, n)
}

func TestReaderAtAdapter(t *testing.T) {
	src := bytes.NewReader([]byte("hello world"))
	ra := readerAtAdapter{rs: src}

	buf := make([]byte, 5)
	n, err := ra.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestReaderAtPassesThroughOsFileLikeTypes(t *testing.T) {
	// *bytes.Reader already implements io.ReaderAt; asReaderAt should not wrap it.
	src := bytes.NewReader([]byte("abc"))
	require.Same(t, io.ReaderAt(src), asReaderAt(src))
}

func TestDebouncedProgressAlwaysFiresFirstAndLast(t *testing.T) {
	var calls []float64
	report := newDebouncedProgress(func(f float64) { calls = append(calls, f) }, time.Hour)

	report(0)
	report(0.5)
	report(0.6)
	report(1)

	require.Equal(t, []float64{0, 1}, calls)
}

func TestDebouncedProgressNilIsNoop(t *testing.T) {
	report := newDebouncedProgress(nil, time.Millisecond)
	require.NotPanics(t, func() { report(0.5) })
}
