// Package desc implements pass 1 of the join pipeline: it walks the moov
// box of every input file and folds their sample tables into a single
// merged descriptor that the rewrite package replays against the first
// input's box tree.
package desc

import (
	"errors"
	"fmt"
	"io"

	"github.com/clipmerge/mp4join/bmff"
)

// ErrTrackCountMismatch is returned when inputs disagree on track count.
// Strict rejection was chosen over silent truncation: join is a library
// consumed by other programs, not a human watching playback, so producing
// a quietly corrupt file is the worse default.
var ErrTrackCountMismatch = errors.New("desc: track count mismatch across inputs")

// TrackDesc accumulates one track's merged state across all input files.
type TrackDesc struct {
	TkhdFlags    uint32
	TkhdDuration uint64
	Width        uint32 // 16.16 fixed point, from the first file's tkhd
	Height       uint32

	ElstPresent         bool
	ElstSegmentDuration uint64

	MdhdTimescale uint32 // first file's media timescale; later files are assumed to match
	MdhdDuration  uint64
	MdhdLanguage  uint16

	Stts []bmff.SttsEntry
	Stsz []uint32 // one entry per sample across every file, in order
	Stco []uint64 // chunk offsets, relative to the start of the merged mdat payload
	Stss []uint32
	Sdtp []byte
	Stsc []bmff.StscEntry

	// Co64FinalPosition is the byte offset, in the output stream, of the
	// first chunk-offset entry this track's co64 box holds. The rewriter's
	// patchCo64 seeks back here once the merged mdat's final position is
	// known and adds it to every relative Stco value.
	Co64FinalPosition int64

	// Skip marks a timecode (tmcd) track: only the first file's copy of
	// it is kept, later files do not contribute samples to it.
	Skip bool

	sampleOffset uint32 // running stss index bias across files
	chunkOffset  uint32 // running stsc firstChunk bias across files
}

// UniformSampleSize returns the common sample size and true if every
// sample in the track has the same size, matching the stsz box's own
// uniform-size representation (sample_size != 0, no per-sample table).
func (t *TrackDesc) UniformSampleSize() (uint32, bool) {
	if len(t.Stsz) == 0 {
		return 0, false
	}
	size := t.Stsz[0]
	for _, s := range t.Stsz[1:] {
		if s != size {
			return 0, false
		}
	}
	return size, true
}

// Desc is the merged descriptor produced by walking every input's moov box.
type Desc struct {
	// MdatPosition[i] is the absolute byte offset, in input file i, where
	// that file's mdat payload begins (just past its box header).
	MdatPosition []int64
	// MdatSize[i] is the byte length of input file i's mdat payload.
	MdatSize []int64

	MoovMvhdTimescale uint32
	MoovMvhdDuration  uint64

	Tracks []TrackDesc

	// MdatOffset accumulates the total payload bytes contributed by the
	// files processed so far, in the merged mdat's address space.
	MdatOffset int64

	// MdatFinalPosition is the absolute offset of the merged mdat payload
	// in the output stream. It is unknown during pass 1 and is filled in
	// by the rewriter once the (now larger) moov box has been written.
	MdatFinalPosition int64

	movieTimescale  []uint32 // per-file mvhd timescale, read during this pass
	fileTrackCounts []int    // per-file trak count, used to validate track-count agreement
}

// ceilDiv rescales a duration from one timescale to another, rounding up.
func ceilDiv(duration uint64, from, to uint32) uint64 {
	if from == 0 || from == to {
		return duration
	}
	num := duration * uint64(to)
	return (num + uint64(from) - 1) / uint64(from)
}

// Read walks every input and returns the merged descriptor. Inputs must be
// seekable; Read leaves each one positioned arbitrarily on return.
func Read(inputs []io.ReadSeeker) (*Desc, error) {
	d := &Desc{}

	for i, f := range inputs {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("input %d: seek: %w", i, err)
		}

		sc := bmff.NewScanner(f)
		var moovBuf []byte
		mdatPos, mdatSize := int64(-1), int64(0)

		for sc.Next() {
			e := sc.Entry()
			switch e.Type {
			case bmff.TypeMoov:
				moovBuf = make([]byte, e.DataSize())
				if err := sc.ReadBody(moovBuf); err != nil {
					return nil, fmt.Errorf("input %d: reading moov: %w", i, err)
				}
			case bmff.TypeMdat:
				mdatPos = e.Offset + int64(e.HeaderSize)
				mdatSize = e.DataSize()
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("input %d: scanning: %w", i, err)
		}
		if moovBuf == nil {
			return nil, fmt.Errorf("input %d: missing moov box", i)
		}
		if mdatPos < 0 {
			return nil, fmt.Errorf("input %d: missing mdat box", i)
		}

		d.MdatPosition = append(d.MdatPosition, mdatPos)
		d.MdatSize = append(d.MdatSize, mdatSize)

		if err := d.readMoov(moovBuf, i, mdatPos); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		d.MdatOffset += mdatSize
	}

	if len(d.Tracks) > 0 {
		n0 := d.trackCount(0)
		for i := 1; i < len(inputs); i++ {
			if n := d.trackCount(i); n != n0 {
				return nil, fmt.Errorf("%w: input %d has %d, input 0 has %d", ErrTrackCountMismatch, i, n, n0)
			}
		}
	}

	return d, nil
}

// trackCount is recomputed from fileTrackCounts captured during readMoov.
func (d *Desc) trackCount(fileIndex int) int {
	if fileIndex < len(d.fileTrackCounts) {
		return d.fileTrackCounts[fileIndex]
	}
	return len(d.Tracks)
}

func (d *Desc) readMoov(buf []byte, fileIndex int, mdatPos int64) error {
	r := bmff.NewReader(buf)
	trackIndex := 0

	for r.Next() {
		switch r.Type() {
		case bmff.TypeMvhd:
			ts, dur, _ := r.ReadMvhd()
			d.movieTimescale = append(d.movieTimescale, ts)
			if fileIndex == 0 {
				d.MoovMvhdTimescale = ts
			}
			d.MoovMvhdDuration += ceilDiv(dur, ts, d.MoovMvhdTimescale)

		case bmff.TypeTrak:
			r.Enter()
			if err := d.readTrak(&r, fileIndex, trackIndex, mdatPos, d.movieTimescaleOf(fileIndex)); err != nil {
				return err
			}
			r.Exit()
			trackIndex++
		}
	}

	d.fileTrackCounts = append(d.fileTrackCounts, trackIndex)
	return nil
}

func (d *Desc) movieTimescaleOf(fileIndex int) uint32 {
	if fileIndex < len(d.movieTimescale) {
		return d.movieTimescale[fileIndex]
	}
	return d.MoovMvhdTimescale
}

func (d *Desc) track(index int) *TrackDesc {
	for len(d.Tracks) <= index {
		d.Tracks = append(d.Tracks, TrackDesc{})
	}
	return &d.Tracks[index]
}

func (d *Desc) readTrak(r *bmff.Reader, fileIndex, trackIndex int, mdatPos int64, movieTimescale uint32) error {
	t := d.track(trackIndex)
	if t.Skip {
		return nil
	}

	// mdatBias converts a chunk offset recorded against this file's own
	// mdat position into an offset relative to the merged mdat payload.
	mdatBias := d.MdatOffset - mdatPos

	var addedSamples, addedChunks uint32

	for r.Next() {
		switch r.Type() {
		case bmff.TypeTkhd:
			_, dur, w, h := r.ReadTkhd()
			if fileIndex == 0 {
				t.TkhdFlags = r.Flags()
				t.Width, t.Height = w, h
			}
			t.TkhdDuration += ceilDiv(dur, movieTimescale, d.MoovMvhdTimescale)

		case bmff.TypeEdts:
			r.Enter()
			for r.Next() {
				if r.Type() == bmff.TypeElst {
					it := bmff.NewElstIter(r.Data(), r.Version())
					if e, ok := it.Next(); ok {
						t.ElstPresent = true
						if e.MediaTime != -1 {
							t.ElstSegmentDuration += ceilDiv(e.SegmentDuration, movieTimescale, d.MoovMvhdTimescale)
						}
					}
				}
			}
			r.Exit()

		case bmff.TypeMdia:
			r.Enter()
			if err := d.readMdia(r, t, fileIndex, mdatBias, &addedSamples, &addedChunks); err != nil {
				return err
			}
			r.Exit()
		}
	}

	t.sampleOffset += addedSamples
	t.chunkOffset += addedChunks
	return nil
}

func (d *Desc) readMdia(r *bmff.Reader, t *TrackDesc, fileIndex int, mdatBias int64, addedSamples, addedChunks *uint32) error {
	for r.Next() {
		switch r.Type() {
		case bmff.TypeMdhd:
			ts, dur, lang := r.ReadMdhd()
			if fileIndex == 0 {
				t.MdhdTimescale = ts
				t.MdhdLanguage = lang
			}
			t.MdhdDuration += dur

		case bmff.TypeMinf:
			r.Enter()
			if err := d.readMinf(r, t, fileIndex, mdatBias, addedSamples, addedChunks); err != nil {
				return err
			}
			r.Exit()
		}
	}
	return nil
}

func (d *Desc) readMinf(r *bmff.Reader, t *TrackDesc, fileIndex int, mdatBias int64, addedSamples, addedChunks *uint32) error {
	for r.Next() {
		if r.Type() == bmff.TypeStbl {
			r.Enter()
			if err := d.readStbl(r, t, fileIndex, mdatBias, addedSamples, addedChunks); err != nil {
				return err
			}
			r.Exit()
		}
	}
	return nil
}

func (d *Desc) readStbl(r *bmff.Reader, t *TrackDesc, fileIndex int, mdatBias int64, addedSamples, addedChunks *uint32) error {
	for r.Next() {
		switch r.Type() {
		case bmff.TypeStsd:
			if hasTmcd(r.Data()) {
				t.Skip = true
			}

		case bmff.TypeStts:
			it := bmff.NewSttsIter(r.Data())
			for {
				e, ok := it.Next()
				if !ok {
					break
				}
				t.Stts = append(t.Stts, e)
			}

		case bmff.TypeStsz:
			it := bmff.NewStszIter(r.Data())
			for {
				size, ok := it.Next()
				if !ok {
					break
				}
				*addedSamples++
				t.Stsz = append(t.Stsz, size)
			}

		case bmff.TypeStss:
			it := bmff.NewUint32Iter(r.Data())
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				t.Stss = append(t.Stss, v+t.sampleOffset)
			}

		case bmff.TypeSdtp:
			t.Sdtp = append(t.Sdtp, r.Data()...)

		case bmff.TypeStsc:
			it := bmff.NewStscIter(r.Data())
			for {
				e, ok := it.Next()
				if !ok {
					break
				}
				e.FirstChunk += t.chunkOffset
				t.Stsc = append(t.Stsc, e)
			}

		case bmff.TypeStco:
			it := bmff.NewUint32Iter(r.Data())
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				*addedChunks++
				t.Stco = append(t.Stco, uint64(int64(v)+mdatBias))
			}

		case bmff.TypeCo64:
			it := bmff.NewCo64Iter(r.Data())
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				*addedChunks++
				t.Stco = append(t.Stco, uint64(int64(v)+mdatBias))
			}
		}
	}
	return nil
}

// hasTmcd reports whether an stsd box's data contains a tmcd sample entry.
func hasTmcd(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	r := bmff.NewReader(data)
	r.Skip(4)
	for r.Next() {
		if r.Type() == bmff.TypeTmcd {
			return true
		}
	}
	return false
}
