// Package rewrite implements pass 2 of the join pipeline: it replays the
// first input's box tree into the output stream, substituting every
// track's sample tables with the merged descriptor from package desc and
// concatenating every input's mdat payload into one.
package rewrite

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/clipmerge/mp4join/bmff"
	"github.com/clipmerge/mp4join/desc"
)

var be = binary.BigEndian

// ProgressFunc reports the number of bytes written to the output so far.
type ProgressFunc func(written int64)

// copyBufferSize is the chunk size used when streaming mdat payloads.
const copyBufferSize = 1 << 20

// outWriter wraps an io.WriteSeeker, tracking the current absolute
// position so box sizes can be back-patched once their contents are known.
type outWriter struct {
	w        io.WriteSeeker
	pos      int64
	progress ProgressFunc
}

func (o *outWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	o.pos += int64(n)
	if o.progress != nil {
		o.progress(o.pos)
	}
	return n, err
}

// startBox writes a placeholder 32-bit size and the box type, and returns
// the box's start position for a later endBox call.
func (o *outWriter) startBox(t bmff.BoxType) (int64, error) {
	start := o.pos
	var hdr [8]byte
	copy(hdr[4:], t[:])
	_, err := o.Write(hdr[:])
	return start, err
}

func (o *outWriter) endBox(start int64) error {
	size := o.pos - start
	if _, err := o.w.Seek(start, io.SeekStart); err != nil {
		return err
	}
	var buf [4]byte
	be.PutUint32(buf[:], uint32(size))
	if _, err := o.w.Write(buf[:]); err != nil {
		return err
	}
	_, err := o.w.Seek(o.pos, io.SeekStart)
	return err
}

// startLargeBox writes a size==1 placeholder, the box type, and an 8-byte
// largesize placeholder, for boxes (mdat) too big to trust to a 32-bit size.
func (o *outWriter) startLargeBox(t bmff.BoxType) (int64, error) {
	start := o.pos
	var hdr [16]byte
	be.PutUint32(hdr[0:4], 1)
	copy(hdr[4:8], t[:])
	_, err := o.Write(hdr[:])
	return start, err
}

func (o *outWriter) endLargeBox(start int64) error {
	size := o.pos - start
	if _, err := o.w.Seek(start+8, io.SeekStart); err != nil {
		return err
	}
	var buf [8]byte
	be.PutUint64(buf[:], uint64(size))
	if _, err := o.w.Write(buf[:]); err != nil {
		return err
	}
	_, err := o.w.Seek(o.pos, io.SeekStart)
	return err
}

// Rewrite walks first's box tree and writes the merged result to out.
// inputs must be the same seekable streams that produced d, in the same
// order, positioned anywhere (Rewrite seeks them as needed to read mdat
// payloads). first must read the same stream as inputs[0], either that
// stream itself or a view of it limited to its ISOBMFF content.
func Rewrite(first io.ReadSeeker, inputs []io.ReadSeeker, d *desc.Desc, out io.WriteSeeker, progress ProgressFunc) error {
	if _, err := first.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking first input: %w", err)
	}
	ow := &outWriter{w: out, progress: progress}

	sc := bmff.NewScanner(first)
	trackIdx := 0
	for sc.Next() {
		e := sc.Entry()
		switch e.Type {
		case bmff.TypeMoov:
			buf := make([]byte, e.DataSize())
			if err := sc.ReadBody(buf); err != nil {
				return fmt.Errorf("reading moov: %w", err)
			}
			if err := rewriteMoov(buf, d, &trackIdx, ow); err != nil {
				return fmt.Errorf("rewriting moov: %w", err)
			}

		case bmff.TypeMdat:
			if err := rewriteMdat(inputs, d, ow); err != nil {
				return fmt.Errorf("rewriting mdat: %w", err)
			}

		default:
			// ftyp, free, skip, uuid and anything else pass through untouched.
			buf := make([]byte, e.Size)
			if err := sc.ReadBox(buf); err != nil {
				return fmt.Errorf("copying %s box: %w", e.Type, err)
			}
			if _, err := ow.Write(buf); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scanning first input: %w", err)
	}

	return patchCo64(out, d)
}

func rewriteMoov(buf []byte, d *desc.Desc, trackIdx *int, ow *outWriter) error {
	r := bmff.NewReader(buf)
	start, err := ow.startBox(bmff.TypeMoov)
	if err != nil {
		return err
	}
	for r.Next() {
		switch r.Type() {
		case bmff.TypeMvhd:
			_, _, nextTrackId := r.ReadMvhd()
			if err := writeMvhd(ow, d.MoovMvhdTimescale, d.MoovMvhdDuration, nextTrackId); err != nil {
				return err
			}

		case bmff.TypeTrak:
			r.Enter()
			if err := rewriteTrak(&r, d, *trackIdx, ow); err != nil {
				return err
			}
			r.Exit()
			*trackIdx++

		default:
			if _, err := ow.Write(r.RawBox()); err != nil {
				return err
			}
		}
	}
	return ow.endBox(start)
}

func rewriteTrak(r *bmff.Reader, d *desc.Desc, trackIdx int, ow *outWriter) error {
	if trackIdx >= len(d.Tracks) {
		return fmt.Errorf("track %d has no merged descriptor", trackIdx)
	}
	td := &d.Tracks[trackIdx]

	start, err := ow.startBox(bmff.TypeTrak)
	if err != nil {
		return err
	}
	for r.Next() {
		switch r.Type() {
		case bmff.TypeTkhd:
			trackId, _, _, _ := r.ReadTkhd()
			if err := writeTkhd(ow, td.TkhdFlags, trackId, td.TkhdDuration, td.Width, td.Height); err != nil {
				return err
			}

		case bmff.TypeEdts:
			r.Enter()
			if err := rewriteEdts(r, td, ow); err != nil {
				return err
			}
			r.Exit()

		case bmff.TypeMdia:
			r.Enter()
			if err := rewriteMdia(r, td, ow); err != nil {
				return err
			}
			r.Exit()

		default:
			if _, err := ow.Write(r.RawBox()); err != nil {
				return err
			}
		}
	}
	return ow.endBox(start)
}

// rewriteEdts preserves the source's simplification: only the first elst
// entry's segment_duration is patched to the merged total. Entry count and
// every other field are carried through unchanged.
func rewriteEdts(r *bmff.Reader, td *desc.TrackDesc, ow *outWriter) error {
	start, err := ow.startBox(bmff.TypeEdts)
	if err != nil {
		return err
	}
	for r.Next() {
		if r.Type() == bmff.TypeElst && td.ElstPresent {
			raw := append([]byte(nil), r.RawBox()...)
			patchElstFirstDuration(raw, r.HeaderSize(), r.Version(), td.ElstSegmentDuration)
			if _, err := ow.Write(raw); err != nil {
				return err
			}
			continue
		}
		if _, err := ow.Write(r.RawBox()); err != nil {
			return err
		}
	}
	return ow.endBox(start)
}

func patchElstFirstDuration(raw []byte, headerSize int, version uint8, duration uint64) {
	off := headerSize + 4 // past entry_count
	if version == 1 {
		be.PutUint64(raw[off:], duration)
	} else {
		be.PutUint32(raw[off:], uint32(duration))
	}
}

func rewriteMdia(r *bmff.Reader, td *desc.TrackDesc, ow *outWriter) error {
	start, err := ow.startBox(bmff.TypeMdia)
	if err != nil {
		return err
	}
	for r.Next() {
		switch r.Type() {
		case bmff.TypeMdhd:
			if err := writeMdhd(ow, td.MdhdTimescale, td.MdhdDuration, td.MdhdLanguage); err != nil {
				return err
			}

		case bmff.TypeMinf:
			r.Enter()
			if err := rewriteMinf(r, td, ow); err != nil {
				return err
			}
			r.Exit()

		default:
			if _, err := ow.Write(r.RawBox()); err != nil {
				return err
			}
		}
	}
	return ow.endBox(start)
}

func rewriteMinf(r *bmff.Reader, td *desc.TrackDesc, ow *outWriter) error {
	start, err := ow.startBox(bmff.TypeMinf)
	if err != nil {
		return err
	}
	for r.Next() {
		switch r.Type() {
		case bmff.TypeStbl:
			r.Enter()
			if err := rewriteStbl(r, td, ow); err != nil {
				return err
			}
			r.Exit()

		default:
			if _, err := ow.Write(r.RawBox()); err != nil {
				return err
			}
		}
	}
	return ow.endBox(start)
}

// rewriteStbl discards and rebuilds the sample tables the join actually
// changes (stts, stsz, stss, sdtp, stsc, and stco/co64 — always promoted to
// co64 on output). Everything else, including stsd, is carried verbatim;
// pass 2 never descends into stsd.
func rewriteStbl(r *bmff.Reader, td *desc.TrackDesc, ow *outWriter) error {
	start, err := ow.startBox(bmff.TypeStbl)
	if err != nil {
		return err
	}
	wroteCo64 := false
	for r.Next() {
		switch r.Type() {
		case bmff.TypeStts:
			if err := writeStts(ow, td.Stts); err != nil {
				return err
			}

		case bmff.TypeStsz, bmff.TypeStz2:
			if err := writeStsz(ow, td.Stsz); err != nil {
				return err
			}

		case bmff.TypeStss:
			if err := writeStss(ow, td.Stss); err != nil {
				return err
			}

		case bmff.TypeSdtp:
			if err := writeSdtp(ow, td.Sdtp); err != nil {
				return err
			}

		case bmff.TypeStsc:
			if err := writeStsc(ow, td.Stsc); err != nil {
				return err
			}

		case bmff.TypeStco, bmff.TypeCo64:
			if wroteCo64 {
				continue
			}
			if err := writeCo64(ow, td); err != nil {
				return err
			}
			wroteCo64 = true

		default:
			if _, err := ow.Write(r.RawBox()); err != nil {
				return err
			}
		}
	}
	return ow.endBox(start)
}

func writeMvhd(ow *outWriter, timescale uint32, duration uint64, nextTrackId uint32) error {
	buf := make([]byte, 0, 128)
	w := bmff.NewWriter(buf)
	w.WriteMvhd(timescale, duration, nextTrackId)
	_, err := ow.Write(w.Bytes())
	return err
}

func writeTkhd(ow *outWriter, flags, trackId uint32, duration uint64, width, height uint32) error {
	buf := make([]byte, 0, 112)
	w := bmff.NewWriter(buf)
	w.WriteTkhd(flags, trackId, duration, width, height)
	_, err := ow.Write(w.Bytes())
	return err
}

func writeMdhd(ow *outWriter, timescale uint32, duration uint64, language uint16) error {
	buf := make([]byte, 0, 44)
	w := bmff.NewWriter(buf)
	w.WriteMdhd(timescale, duration, language)
	_, err := ow.Write(w.Bytes())
	return err
}

func writeStts(ow *outWriter, entries []bmff.SttsEntry) error {
	compressed := compressStts(entries)
	buf := make([]byte, 0, 16+8*len(compressed))
	w := bmff.NewWriter(buf)
	w.WriteStts(compressed)
	_, err := ow.Write(w.Bytes())
	return err
}

// compressStts folds adjacent entries that share the same sample duration,
// the run-length compression the stts box format expects on output.
func compressStts(entries []bmff.SttsEntry) []bmff.SttsEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]bmff.SttsEntry, 0, len(entries))
	cur := entries[0]
	for _, e := range entries[1:] {
		if e.Duration == cur.Duration {
			cur.Count += e.Count
			continue
		}
		out = append(out, cur)
		cur = e
	}
	return append(out, cur)
}

func writeStsz(ow *outWriter, sizes []uint32) error {
	buf := make([]byte, 0, 20+4*len(sizes))
	w := bmff.NewWriter(buf)
	sampleSize := uint32(0)
	if uniform, ok := uniformSize(sizes); ok {
		sampleSize = uniform
	}
	w.WriteStsz(sampleSize, sizes)
	_, err := ow.Write(w.Bytes())
	return err
}

func uniformSize(sizes []uint32) (uint32, bool) {
	if len(sizes) == 0 {
		return 0, false
	}
	for _, s := range sizes[1:] {
		if s != sizes[0] {
			return 0, false
		}
	}
	return sizes[0], true
}

func writeStss(ow *outWriter, entries []uint32) error {
	buf := make([]byte, 0, 16+4*len(entries))
	w := bmff.NewWriter(buf)
	w.WriteStss(entries)
	_, err := ow.Write(w.Bytes())
	return err
}

func writeSdtp(ow *outWriter, raw []byte) error {
	buf := make([]byte, 0, 12+len(raw))
	w := bmff.NewWriter(buf)
	w.StartFullBox(bmff.TypeSdtp, 0, 0)
	w.Write(raw)
	w.EndBox()
	_, err := ow.Write(w.Bytes())
	return err
}

func writeStsc(ow *outWriter, entries []bmff.StscEntry) error {
	buf := make([]byte, 0, 16+12*len(entries))
	w := bmff.NewWriter(buf)
	w.WriteStsc(entries)
	_, err := ow.Write(w.Bytes())
	return err
}

// writeCo64 emits the track's chunk offsets, still relative to the start
// of the merged mdat payload, and records where in the output stream the
// first entry landed so patchCo64 can add the payload's final absolute
// position once it is known.
func writeCo64(ow *outWriter, td *desc.TrackDesc) error {
	td.Co64FinalPosition = ow.pos + 16 // size+type(8) + version/flags(4) + count(4)
	buf := make([]byte, 0, 16+8*len(td.Stco))
	w := bmff.NewWriter(buf)
	w.WriteCo64(td.Stco)
	_, err := ow.Write(w.Bytes())
	return err
}

func rewriteMdat(inputs []io.ReadSeeker, d *desc.Desc, ow *outWriter) error {
	start, err := ow.startLargeBox(bmff.TypeMdat)
	if err != nil {
		return err
	}
	d.MdatFinalPosition = start + 16

	buf := make([]byte, copyBufferSize)
	for i, in := range inputs {
		if _, err := in.Seek(d.MdatPosition[i], io.SeekStart); err != nil {
			return fmt.Errorf("seeking input %d mdat: %w", i, err)
		}
		remaining := d.MdatSize[i]
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(in, buf[:n]); err != nil {
				return fmt.Errorf("reading input %d mdat: %w", i, err)
			}
			if _, err := ow.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing mdat: %w", err)
			}
			remaining -= n
		}
	}
	return ow.endLargeBox(start)
}

// patchCo64 fills in the absolute chunk offsets now that the merged mdat's
// final position in the output stream is known. TrackDesc.Stco values are
// relative to the mdat payload's start until this point. It leaves out
// positioned at its end, so later writes append.
func patchCo64(out io.WriteSeeker, d *desc.Desc) error {
	for i := range d.Tracks {
		t := &d.Tracks[i]
		if len(t.Stco) == 0 {
			continue
		}
		if _, err := out.Seek(t.Co64FinalPosition, io.SeekStart); err != nil {
			return fmt.Errorf("seeking co64 patch for track %d: %w", i, err)
		}
		var buf [8]byte
		for _, rel := range t.Stco {
			be.PutUint64(buf[:], uint64(int64(rel)+d.MdatFinalPosition))
			if _, err := out.Write(buf[:]); err != nil {
				return fmt.Errorf("patching co64 for track %d: %w", i, err)
			}
		}
	}
	_, err := out.Seek(0, io.SeekEnd)
	return err
}
