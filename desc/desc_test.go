package desc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipmerge/mp4join/bmff"
)

func TestCeilDiv(t *testing.T) {
	require.Equal(t, uint64(100), ceilDiv(100, 1000, 1000))
	require.Equal(t, uint64(0), ceilDiv(0, 1000, 48000))
	// 1 sample at 1000 Hz is 48 samples at 48000 Hz, exact.
	require.Equal(t, uint64(48), ceilDiv(1, 1000, 48000))
	// 3 units at 1000 Hz -> 2.88 at 960 Hz, rounds up to 3.
	require.Equal(t, uint64(3), ceilDiv(3, 1000, 960))
	// from == 0 is treated as "no rescale needed".
	require.Equal(t, uint64(42), ceilDiv(42, 0, 1000))
}

func TestUniformSampleSize(t *testing.T) {
	td := &TrackDesc{Stsz: []uint32{100, 100, 100}}
	size, ok := td.UniformSampleSize()
	require.True(t, ok)
	require.Equal(t, uint32(100), size)

	td = &TrackDesc{Stsz: []uint32{100, 200, 100}}
	_, ok = td.UniformSampleSize()
	require.False(t, ok)

	td = &TrackDesc{}
	_, ok = td.UniformSampleSize()
	require.False(t, ok)
}

func TestTrackCountFallsBackToTracksLength(t *testing.T) {
	d := &Desc{Tracks: make([]TrackDesc, 3)}
	require.Equal(t, 3, d.trackCount(0))

	d.fileTrackCounts = []int{2}
	require.Equal(t, 2, d.trackCount(0))
	require.Equal(t, 3, d.trackCount(1))
}

func TestMovieTimescaleOfFallsBackToMoovDefault(t *testing.T) {
	d := &Desc{MoovMvhdTimescale: 1000, movieTimescale: []uint32{600}}
	require.Equal(t, uint32(600), d.movieTimescaleOf(0))
	require.Equal(t, uint32(1000), d.movieTimescaleOf(5))
}

func TestHasTmcdFindsTimecodeEntry(t *testing.T) {
	// stsd payload: entry_count(4) + one minimal tmcd sample entry box
	// (size=16, type='tmcd', 8 bytes of filler).
	data := make([]byte, 4+16)
	data[3] = 1 // entry_count = 1
	binary.BigEndian.PutUint32(data[4:8], 16)
	copy(data[8:12], "tmcd")
	require.True(t, hasTmcd(data))

	data2 := make([]byte, 4+16)
	data2[3] = 1
	binary.BigEndian.PutUint32(data2[4:8], 16)
	copy(data2[8:12], "avc1")
	require.False(t, hasTmcd(data2))
}

// TestTmcdTrackSkippedAfterFirstFile exercises the full readStbl/readTrak
// interaction: a tmcd track's first file must still be read, but the same
// track must be marked Skip before the next file's readTrak call, so later
// files contribute no additional samples.
func TestTmcdTrackSkippedAfterFirstFile(t *testing.T) {
	stsdData := make([]byte, 4+16)
	stsdData[3] = 1
	binary.BigEndian.PutUint32(stsdData[4:8], 16)
	copy(stsdData[8:12], "tmcd")

	// stsd is a full box: size(4) + type(4) + version/flags(4), then the
	// entry_count and entries.
	stsdBox := make([]byte, 12+len(stsdData))
	binary.BigEndian.PutUint32(stsdBox[0:4], uint32(len(stsdBox)))
	copy(stsdBox[4:8], "stsd")
	copy(stsdBox[12:], stsdData)

	d := &Desc{}
	tr := d.track(0)

	r0 := bmff.NewReader(stsdBox)
	require.NoError(t, d.readStbl(&r0, tr, 0, 0, new(uint32), new(uint32)))
	require.True(t, tr.Skip, "tmcd is detected as soon as its stsd entry is seen")

	// A second file's readTrak call must now bail out before touching any
	// of the track's sample tables.
	require.NoError(t, d.readTrak(&bmff.Reader{}, 1, 0, 0, 1000))
}
