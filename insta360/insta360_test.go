package insta360_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipmerge/mp4join/insta360"
)

// record is a (format, id, payload) triple used to build synthetic trailers.
type record struct {
	format, id byte
	payload    []byte
}

// buildTrailer assembles a trailer in the camera's own physical layout:
// each record as [payload][format][id][size LE], walked in the given
// order, followed by the fixed 72-byte footer.
func buildTrailer(t *testing.T, records []record, dataVersion uint32) []byte {
	t.Helper()
	var body bytes.Buffer
	for _, rec := range records {
		body.Write(rec.payload)
		body.WriteByte(rec.format)
		body.WriteByte(rec.id)
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(rec.payload)))
		body.Write(sizeBuf[:])
	}
	return append(body.Bytes(), buildFooter(t, uint32(body.Len()), dataVersion)...)
}

// buildIndexedTrailer assembles a trailer whose final record is an Offsets
// directory (id 0) indexing every other record, exercising the fast path
// that reads the index instead of walking backward record by record.
func buildIndexedTrailer(t *testing.T, records []record, dataVersion uint32) []byte {
	t.Helper()
	var body bytes.Buffer
	var index bytes.Buffer
	for _, rec := range records {
		offset := uint32(body.Len())
		body.Write(rec.payload)
		body.WriteByte(rec.format)
		body.WriteByte(rec.id)
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(rec.payload)))
		body.Write(sizeBuf[:])

		index.WriteByte(rec.id)
		index.WriteByte(rec.format)
		var entryBuf [8]byte
		binary.LittleEndian.PutUint32(entryBuf[0:4], uint32(len(rec.payload)))
		binary.LittleEndian.PutUint32(entryBuf[4:8], offset)
		index.Write(entryBuf[:])
	}

	body.Write(index.Bytes())
	body.WriteByte(1) // format, arbitrary
	body.WriteByte(insta360.IDOffsets)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(index.Len()))
	body.Write(sizeBuf[:])

	return append(body.Bytes(), buildFooter(t, uint32(body.Len()), dataVersion)...)
}

func buildFooter(t *testing.T, totalSize, dataVersion uint32) []byte {
	t.Helper()
	var footer [insta360.HeaderSize]byte
	binary.LittleEndian.PutUint32(footer[32:36], totalSize)
	binary.LittleEndian.PutUint32(footer[36:40], dataVersion)
	copy(footer[40:72], insta360.Magic)
	return footer[:]
}

func TestTrailerStart_NoTrailer(t *testing.T) {
	r := bytes.NewReader([]byte("not a trailer at all, too short and no magic"))
	_, ok, err := insta360.TrailerStart(r, int64(r.Len()))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrailerStart_Found(t *testing.T) {
	trailer := buildTrailer(t, []record{
		{format: 1, id: insta360.IDMetadata, payload: []byte("hello")},
	}, 1)
	r := bytes.NewReader(trailer)
	start, ok, err := insta360.TrailerStart(r, int64(len(trailer)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), start)
}

func TestParseTrailer_BackwardWalk(t *testing.T) {
	trailer := buildTrailer(t, []record{
		{format: 1, id: insta360.IDMetadata, payload: []byte("meta-bytes")},
		{format: 2, id: 9, payload: []byte("gps-chunk-1")},
	}, 7)
	r := bytes.NewReader(trailer)

	records, footer, ok, err := insta360.ParseTrailer(r, int64(len(trailer)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), footer.DataVersion)
	require.Len(t, records, 2)
	require.Equal(t, byte(insta360.IDMetadata), records[0].ID)
	require.Equal(t, []byte("meta-bytes"), records[0].Payload)
	require.Equal(t, byte(9), records[1].ID)
	require.Equal(t, []byte("gps-chunk-1"), records[1].Payload)
}

func TestParseTrailer_OffsetsIndex(t *testing.T) {
	trailer := buildIndexedTrailer(t, []record{
		{format: 1, id: insta360.IDMetadata, payload: []byte("meta-bytes")},
		{format: 2, id: 9, payload: []byte("gps-chunk-1")},
	}, 3)
	r := bytes.NewReader(trailer)

	records, footer, ok, err := insta360.ParseTrailer(r, int64(len(trailer)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(3), footer.DataVersion)
	// The two indexed records, in ascending offset order, followed by the
	// Offsets directory record itself.
	require.Len(t, records, 3)
	require.Equal(t, byte(insta360.IDMetadata), records[0].ID)
	require.Equal(t, []byte("meta-bytes"), records[0].Payload)
	require.Equal(t, byte(9), records[1].ID)
	require.Equal(t, []byte("gps-chunk-1"), records[1].Payload)
	require.Equal(t, byte(insta360.IDOffsets), records[2].ID)
}

func TestMerge_CopyIDKeepsFirstFileVerbatim(t *testing.T) {
	first := buildTrailer(t, []record{
		{format: 1, id: insta360.IDMetadata, payload: []byte("canonical-metadata")},
	}, 1)
	second := buildTrailer(t, []record{
		{format: 1, id: insta360.IDMetadata, payload: []byte("canonical-metadata")},
	}, 1)

	var out bytes.Buffer
	merged, err := insta360.Merge(&out,
		[]io.ReaderAt{bytes.NewReader(first), bytes.NewReader(second)},
		[]int64{int64(len(first)), int64(len(second))},
	)
	require.NoError(t, err)
	require.True(t, merged)

	records, _, ok, err := insta360.ParseTrailer(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Equal(t, []byte("canonical-metadata"), records[0].Payload)
}

func TestMerge_ConcatenatesNonCopyIDs(t *testing.T) {
	first := buildTrailer(t, []record{
		{format: 2, id: 9, payload: []byte("chunk-a")},
	}, 1)
	second := buildTrailer(t, []record{
		{format: 2, id: 9, payload: []byte("chunk-b")},
	}, 1)

	var out bytes.Buffer
	merged, err := insta360.Merge(&out,
		[]io.ReaderAt{bytes.NewReader(first), bytes.NewReader(second)},
		[]int64{int64(len(first)), int64(len(second))},
	)
	require.NoError(t, err)
	require.True(t, merged)

	records, _, ok, err := insta360.ParseTrailer(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, records, 1)
	require.Equal(t, []byte("chunk-achunk-b"), records[0].Payload)
}

func TestMerge_NoTrailerOnFirstInputSkipsMerge(t *testing.T) {
	first := []byte("plain mp4 tail, no trailer here")
	second := buildTrailer(t, []record{{format: 1, id: insta360.IDMetadata, payload: []byte("x")}}, 1)

	var out bytes.Buffer
	merged, err := insta360.Merge(&out,
		[]io.ReaderAt{bytes.NewReader(first), bytes.NewReader(second)},
		[]int64{int64(len(first)), int64(len(second))},
	)
	require.NoError(t, err)
	require.False(t, merged)
	require.Equal(t, 0, out.Len())
}

func TestMerge_MismatchedCopyIDIsRejected(t *testing.T) {
	first := buildTrailer(t, []record{{format: 1, id: insta360.IDMetadata, payload: []byte("aaa")}}, 1)
	second := buildTrailer(t, []record{{format: 1, id: insta360.IDMetadata, payload: []byte("bbb")}}, 1)

	var out bytes.Buffer
	_, err := insta360.Merge(&out,
		[]io.ReaderAt{bytes.NewReader(first), bytes.NewReader(second)},
		[]int64{int64(len(first)), int64(len(second))},
	)
	require.ErrorIs(t, err, insta360.ErrInvalidTrailer)
}
