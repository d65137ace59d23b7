// Package join implements the mp4join orchestrator: it drives the pass 1
// descriptor reader, the pass 2 movie rewriter, and the Insta360 trailer
// merger across a set of input files, reporting progress as it goes.
package join

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipmerge/mp4join/desc"
	"github.com/clipmerge/mp4join/insta360"
	"github.com/clipmerge/mp4join/rewrite"
)

// ErrTrackCountMismatch is re-exported from package desc for callers that
// only import join.
var ErrTrackCountMismatch = desc.ErrTrackCountMismatch

// ProgressFunc receives join progress as a monotonically increasing
// fraction in [0, 1]. It is called from the goroutine that called JoinFiles
// or JoinFileStreams; it must not block for long.
type ProgressFunc func(fraction float64)

// InputStream pairs a seekable reader with its total byte length, letting
// JoinFileStreams accept anything seekable, not just *os.File.
type InputStream struct {
	R    io.ReadSeeker
	Size int64
}

// Options configures tunables the core contract leaves to the caller.
type Options struct {
	Logger           zerolog.Logger
	ReadBufferSize   int
	WriteBufferSize  int
	ProgressInterval time.Duration
}

// Option configures an Options value.
type Option func(*Options)

// WithLogger sets the logger for the orchestrator's debug messages, one per
// pipeline stage. The desc and rewrite packages do not log.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithReadBufferSize sets Options.ReadBufferSize. The rewriter does not read
// it: mdat payloads are copied in fixed 1 MiB chunks.
func WithReadBufferSize(n int) Option { return func(o *Options) { o.ReadBufferSize = n } }

// WithWriteBufferSize sets Options.WriteBufferSize. The rewriter does not
// read it: mdat payloads are copied in fixed 1 MiB chunks.
func WithWriteBufferSize(n int) Option { return func(o *Options) { o.WriteBufferSize = n } }

// WithProgressInterval overrides how often the progress callback fires.
func WithProgressInterval(d time.Duration) Option { return func(o *Options) { o.ProgressInterval = d } }

func defaultOptions() Options {
	return Options{
		Logger:           zerolog.Nop(),
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  64 * 1024,
		ProgressInterval: 100 * time.Millisecond,
	}
}

func resolveOptions(opts []Option) Options {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// JoinFiles concatenates the chaptered recordings named by inputs into
// output, in input order. The first input's box structure and codec
// configuration are authoritative for the result.
func JoinFiles(inputs []string, output string, progress ProgressFunc, opts ...Option) error {
	if len(inputs) == 0 {
		return errors.New("join: no inputs")
	}

	files := make([]*os.File, 0, len(inputs))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	streams := make([]InputStream, 0, len(inputs))
	for _, path := range inputs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("join: opening %s: %w", path, err)
		}
		files = append(files, f)
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("join: stat %s: %w", path, err)
		}
		streams = append(streams, InputStream{R: f, Size: info.Size()})
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("join: creating %s: %w", output, err)
	}
	defer out.Close()

	if err := JoinFileStreams(streams, out, progress, opts...); err != nil {
		return err
	}
	return out.Close()
}

// JoinFileStreams is the stream-based core of JoinFiles. inputs must be
// seekable and ordered the same way the output should concatenate them.
func JoinFileStreams(inputs []InputStream, output io.WriteSeeker, progress ProgressFunc, opts ...Option) error {
	if len(inputs) == 0 {
		return errors.New("join: no inputs")
	}
	o := resolveOptions(opts)
	log := o.Logger

	readers := make([]io.ReadSeeker, len(inputs))
	for i, in := range inputs {
		readers[i] = in.R
	}

	log.Debug().Int("inputs", len(inputs)).Msg("reading descriptors")
	report := newDebouncedProgress(progress, o.ProgressInterval)

	d, err := desc.Read(readers)
	if err != nil {
		return fmt.Errorf("join: pass 1: %w", err)
	}
	for i := range inputs {
		report(float64(i+1) / float64(len(inputs)) * 0.1)
	}

	firstSize := inputs[0].Size
	trailerStart, hasTrailer, err := insta360.TrailerStart(asReaderAt(inputs[0].R), firstSize)
	if err != nil {
		return fmt.Errorf("join: detecting trailer: %w", err)
	}
	var first io.ReadSeeker = inputs[0].R
	if hasTrailer {
		log.Debug().Int64("offset", trailerStart).Msg("insta360 trailer detected")
		first = &limitedReadSeeker{rs: inputs[0].R, limit: trailerStart}
	}

	log.Debug().Msg("rewriting movie box tree")
	totalBytes := d.MdatOffset
	err = rewrite.Rewrite(first, readers, d, output, func(written int64) {
		if totalBytes <= 0 {
			return
		}
		frac := 0.1 + (float64(written)/float64(totalBytes))*0.8999
		if frac > 0.9999 {
			frac = 0.9999
		}
		report(frac)
	})
	if err != nil {
		return fmt.Errorf("join: pass 2: %w", err)
	}

	if hasTrailer {
		log.Debug().Msg("merging insta360 trailers")
		readerAts := make([]io.ReaderAt, len(inputs))
		sizes := make([]int64, len(inputs))
		for i, in := range inputs {
			readerAts[i] = asReaderAt(in.R)
			sizes[i] = in.Size
		}
		if _, err := insta360.Merge(output, readerAts, sizes); err != nil {
			return fmt.Errorf("join: merging insta360 trailer: %w", err)
		}
	}

	report(1)
	return nil
}

// newDebouncedProgress wraps fn so it fires at most once per interval, plus
// unconditionally on the first call and on any fraction <= 0 or >= 1.
func newDebouncedProgress(fn ProgressFunc, interval time.Duration) ProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	var last time.Time
	return func(frac float64) {
		now := time.Now()
		if frac >= 1 || frac <= 0 || now.Sub(last) >= interval {
			last = now
			fn(frac)
		}
	}
}

// readerAtAdapter lets an io.ReadSeeker that doesn't already implement
// io.ReaderAt (as *os.File does) be read from by absolute offset, by
// seeking before every read. Safe only for single-threaded use, matching
// the rest of this package's concurrency model.
type readerAtAdapter struct{ rs io.ReadSeeker }

func (a readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	if _, err := a.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(a.rs, p)
}

func asReaderAt(rs io.ReadSeeker) io.ReaderAt {
	if ra, ok := rs.(io.ReaderAt); ok {
		return ra
	}
	return readerAtAdapter{rs: rs}
}

// limitedReadSeeker restricts Read and Seek to [0, limit) of the wrapped
// stream, so the movie rewriter's top-level box scan stops cleanly at an
// Insta360 trailer instead of trying to parse it as a box.
type limitedReadSeeker struct {
	rs    io.ReadSeeker
	limit int64
	pos   int64
}

func (l *limitedReadSeeker) Read(p []byte) (int, error) {
	if l.pos >= l.limit {
		return 0, io.EOF
	}
	if remaining := l.limit - l.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.rs.Read(p)
	l.pos += int64(n)
	return n, err
}

func (l *limitedReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = l.pos + offset
	case io.SeekEnd:
		target = l.limit + offset
	default:
		return 0, fmt.Errorf("join: limitedReadSeeker: invalid whence %d", whence)
	}
	if target < 0 || target > l.limit {
		return 0, fmt.Errorf("join: limitedReadSeeker: seek to %d out of range [0,%d]", target, l.limit)
	}
	if _, err := l.rs.Seek(target, io.SeekStart); err != nil {
		return 0, err
	}
	l.pos = target
	return target, nil
}
