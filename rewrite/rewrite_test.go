package rewrite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipmerge/mp4join/bmff"
)

func TestCompressStts(t *testing.T) {
	in := []bmff.SttsEntry{
		{Count: 10, Duration: 1001},
		{Count: 5, Duration: 1001},
		{Count: 1, Duration: 2002},
		{Count: 3, Duration: 1001},
	}
	got := compressStts(in)
	want := []bmff.SttsEntry{
		{Count: 15, Duration: 1001},
		{Count: 1, Duration: 2002},
		{Count: 3, Duration: 1001},
	}
	require.Equal(t, want, got)
}

func TestCompressSttsEmpty(t *testing.T) {
	require.Nil(t, compressStts(nil))
}

func TestCompressSttsSingleEntry(t *testing.T) {
	in := []bmff.SttsEntry{{Count: 100, Duration: 3000}}
	require.Equal(t, in, compressStts(in))
}

func TestUniformSize(t *testing.T) {
	size, ok := uniformSize([]uint32{512, 512, 512})
	require.True(t, ok)
	require.Equal(t, uint32(512), size)

	_, ok = uniformSize([]uint32{512, 513})
	require.False(t, ok)

	_, ok = uniformSize(nil)
	require.False(t, ok)
}

func TestPatchElstFirstDurationVersion0(t *testing.T) {
	// A header size of 8 is passed in (a real elst passes r.HeaderSize(),
	// 12 with version and flags), then entry_count (4), then the first
	// entry's segment_duration (4, v0).
	raw := make([]byte, 8+4+4)
	patchElstFirstDuration(raw, 8, 0, 0xAABBCCDD)
	off := 8 + 4
	got := be.Uint32(raw[off:])
	require.Equal(t, uint32(0xAABBCCDD), got)
}

func TestPatchElstFirstDurationVersion1(t *testing.T) {
	raw := make([]byte, 8+4+8)
	patchElstFirstDuration(raw, 8, 1, 0x1122334455)
	off := 8 + 4
	got := be.Uint64(raw[off:])
	require.Equal(t, uint64(0x1122334455), got)
}
