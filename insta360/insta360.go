// Package insta360 detects and merges the proprietary metadata trailer
// Insta360 action cameras append after the end of the ISOBMFF container.
// The trailer is not itself boxed: it is a run of payload-first records
// terminated by a fixed 72-byte footer, walked backward from that footer.
package insta360

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length, in bytes, of the trailer's trailing footer.
const HeaderSize = 72

// Magic is the ASCII marker that identifies a valid trailer footer.
const Magic = "8db42d694ccc418790edff439fe026bf"

// Well-known record ids.
const (
	IDOffsets      = 0 // directory of every other record's (id, format, size, offset)
	IDMetadata     = 1
	IDThumbnail    = 2
	IDThumbnailExt = 5
)

// ErrInvalidTrailer is returned when a trailer's records disagree across
// inputs in a way that cannot be merged safely, or are malformed.
var ErrInvalidTrailer = errors.New("insta360: invalid trailer")

// copyIDs are record ids whose payload is copied verbatim from the first
// input; every other id's payload is concatenated across inputs in order.
var copyIDs = map[byte]bool{IDOffsets: true, IDMetadata: true, IDThumbnail: true, IDThumbnailExt: true}

// Record is one format/id/payload entry from a trailer.
type Record struct {
	Format byte
	ID     byte
	// Payload is a private copy of the record's bytes, safe to retain
	// past the lifetime of the buffer it was parsed from.
	Payload []byte
}

// Footer holds the fixed fields of a trailer's 72-byte footer.
type Footer struct {
	TotalSize   uint32 // byte length of the record run preceding the footer
	DataVersion uint32
}

func readFooter(r io.ReaderAt, fileSize int64) (Footer, bool, error) {
	if fileSize < HeaderSize {
		return Footer{}, false, nil
	}
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, fileSize-HeaderSize); err != nil {
		return Footer{}, false, fmt.Errorf("insta360: reading footer: %w", err)
	}
	if string(buf[40:72]) != Magic {
		return Footer{}, false, nil
	}
	return Footer{
		TotalSize:   binary.LittleEndian.Uint32(buf[32:36]),
		DataVersion: binary.LittleEndian.Uint32(buf[36:40]),
	}, true, nil
}

// TrailerStart returns the absolute byte offset where a trailer's record
// run begins, i.e. the point past which the file is no longer a plain
// ISOBMFF container. ok is false when fileSize is too short or the footer
// magic does not match, meaning this input has no trailer at all.
func TrailerStart(r io.ReaderAt, fileSize int64) (int64, bool, error) {
	footer, ok, err := readFooter(r, fileSize)
	if err != nil || !ok {
		return fileSize, ok, err
	}
	start := fileSize - HeaderSize - int64(footer.TotalSize)
	if start < 0 || start > fileSize-HeaderSize {
		return fileSize, false, fmt.Errorf("%w: total size %d exceeds file", ErrInvalidTrailer, footer.TotalSize)
	}
	return start, true, nil
}

// ParseTrailer reads every record in r's trailer, returned in ascending
// file-offset order. ok is false if r has no trailer at all (not an error:
// most inputs won't).
//
// Records are stored payload-first: [payload(size)][format(1)][id(1)]
// [size(4 LE)], and the run is walked backward from the footer — the last
// record's header sits immediately before the footer, and each record's
// header gives the length of the payload immediately preceding it. When
// that last record is an Offsets directory (id 0), its payload indexes
// every other record as (id, format, size, offset), which lets every
// record be read directly instead of walked one at a time.
func ParseTrailer(r io.ReaderAt, fileSize int64) ([]Record, Footer, bool, error) {
	footer, ok, err := readFooter(r, fileSize)
	if err != nil || !ok {
		return nil, Footer{}, ok, err
	}

	extraStart := fileSize - HeaderSize - int64(footer.TotalSize)
	if extraStart < 0 {
		return nil, Footer{}, false, fmt.Errorf("%w: total size %d exceeds file", ErrInvalidTrailer, footer.TotalSize)
	}

	buf := make([]byte, footer.TotalSize)
	if _, err := r.ReadAt(buf, extraStart); err != nil {
		return nil, Footer{}, false, fmt.Errorf("insta360: reading records: %w", err)
	}
	if len(buf) < 6 {
		return nil, Footer{}, false, fmt.Errorf("%w: trailer too short", ErrInvalidTrailer)
	}

	var records []Record
	if buf[len(buf)-5] == IDOffsets {
		records, err = parseIndexed(buf)
	} else {
		records, err = parseBackward(buf)
	}
	if err != nil {
		return nil, Footer{}, false, err
	}

	return records, footer, true, nil
}

// parseBackward walks the record run end to start: each iteration reads
// the 6-byte trailing header immediately before pos, then the size bytes
// of payload immediately before that header, and prepends the decoded
// record so the result comes out in ascending (physical) file order.
func parseBackward(buf []byte) ([]Record, error) {
	var records []Record
	pos := len(buf)
	for pos > 0 {
		if pos < 6 {
			return nil, fmt.Errorf("%w: truncated record header", ErrInvalidTrailer)
		}
		format := buf[pos-6]
		id := buf[pos-5]
		size := int(binary.LittleEndian.Uint32(buf[pos-4 : pos]))
		payloadStart := pos - 6 - size
		if payloadStart < 0 {
			return nil, fmt.Errorf("%w: record payload underruns trailer", ErrInvalidTrailer)
		}
		payload := append([]byte(nil), buf[payloadStart:pos-6]...)
		records = append([]Record{{Format: format, ID: id, Payload: payload}}, records...)
		pos = payloadStart
	}
	return records, nil
}

// indexEntry is one (id, format, size, offset) tuple from an Offsets
// directory's payload. offset is relative to the start of the record run.
type indexEntry struct {
	id, format byte
	size       uint32
	offset     uint32
}

// parseIndexed decodes the record run's final record (an Offsets
// directory) and uses its index to read every other record's payload
// directly. The directory record itself is appended last, matching its
// physical position immediately before the footer.
func parseIndexed(buf []byte) ([]Record, error) {
	end := len(buf)
	format := buf[end-6]
	id := buf[end-5]
	size := int(binary.LittleEndian.Uint32(buf[end-4 : end]))
	payloadStart := end - 6 - size
	if payloadStart < 0 {
		return nil, fmt.Errorf("%w: offsets record payload underruns trailer", ErrInvalidTrailer)
	}
	indexPayload := buf[payloadStart : end-6]
	directory := Record{Format: format, ID: id, Payload: append([]byte(nil), indexPayload...)}

	var entries []indexEntry
	d := indexPayload
	for len(d) >= 10 {
		entries = append(entries, indexEntry{
			id:     d[0],
			format: d[1],
			size:   binary.LittleEndian.Uint32(d[2:6]),
			offset: binary.LittleEndian.Uint32(d[6:10]),
		})
		d = d[10:]
	}
	if len(d) != 0 {
		return nil, fmt.Errorf("%w: offsets directory payload misaligned", ErrInvalidTrailer)
	}

	// Entries are written in whatever order the camera produced them, not
	// necessarily ascending offset; sort so the result matches
	// parseBackward's ordering contract.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].offset < entries[j-1].offset; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	records := make([]Record, 0, len(entries)+1)
	for _, e := range entries {
		start := int(e.offset)
		recEnd := start + int(e.size)
		if start < 0 || recEnd > payloadStart || recEnd < start {
			return nil, fmt.Errorf("%w: indexed record out of range", ErrInvalidTrailer)
		}
		records = append(records, Record{
			Format:  e.format,
			ID:      e.id,
			Payload: append([]byte(nil), buf[start:recEnd]...),
		})
	}
	records = append(records, directory)
	return records, nil
}

func findRecord(records []Record, id byte) (Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Merge reads every input's trailer (by absolute ReaderAt + size) and
// writes a single merged trailer to w, keyed off the first input's record
// order. ok is false, with nothing written, when the first input has no
// trailer — later inputs carrying one is not enough to trigger a merge.
func Merge(w io.Writer, files []io.ReaderAt, sizes []int64) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	firstRecords, footer, ok, err := ParseTrailer(files[0], sizes[0])
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	perFile := make([][]Record, len(files))
	perFile[0] = firstRecords
	for i := 1; i < len(files); i++ {
		recs, _, ok, err := ParseTrailer(files[i], sizes[i])
		if err != nil {
			return false, err
		}
		if ok {
			perFile[i] = recs
		}
	}

	var totalSize uint32
	for _, rec := range firstRecords {
		payload, err := mergePayload(rec, perFile[1:])
		if err != nil {
			return false, err
		}
		if err := writeRecord(w, rec.Format, rec.ID, payload); err != nil {
			return false, err
		}
		totalSize += 6 + uint32(len(payload))
	}

	if err := writeFooter(w, totalSize, footer.DataVersion); err != nil {
		return false, err
	}
	return true, nil
}

func mergePayload(rec Record, rest [][]Record) ([]byte, error) {
	if copyIDs[rec.ID] {
		for _, other := range rest {
			match, ok := findRecord(other, rec.ID)
			if !ok {
				continue
			}
			if match.Format != rec.Format || !bytes.Equal(match.Payload, rec.Payload) {
				return nil, fmt.Errorf("%w: record %d disagrees across inputs", ErrInvalidTrailer, rec.ID)
			}
		}
		return rec.Payload, nil
	}

	payload := append([]byte(nil), rec.Payload...)
	for _, other := range rest {
		match, ok := findRecord(other, rec.ID)
		if !ok {
			continue
		}
		if match.Format != rec.Format {
			return nil, fmt.Errorf("%w: record %d format disagrees across inputs", ErrInvalidTrailer, rec.ID)
		}
		payload = append(payload, match.Payload...)
	}
	return payload, nil
}

// writeRecord emits a record payload-first, matching the layout the camera
// itself uses: the header trails the data it describes.
func writeRecord(w io.Writer, format, id byte, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var hdr [6]byte
	hdr[0] = format
	hdr[1] = id
	binary.LittleEndian.PutUint32(hdr[2:], uint32(len(payload)))
	_, err := w.Write(hdr[:])
	return err
}

func writeFooter(w io.Writer, totalSize, dataVersion uint32) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[32:36], totalSize)
	binary.LittleEndian.PutUint32(buf[36:40], dataVersion)
	copy(buf[40:72], Magic)
	_, err := w.Write(buf[:])
	return err
}
