package zipstream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Stats for an archive.
type Stats struct {
	EntriesAdded     int64
	DirsAdded        int64
	BytesWritten     int64
	SizeUncompressed int64
}

// ZipWriter assembles a ZIP stream: it sequences entries onto a single
// sink, tracks the global offset cursor, and writes the central directory
// and end records on Close. Compression runs concurrently on the worker
// pool; Add blocks until its entry is committed, so concurrency comes from
// concurrent Add callers, capped at the pool's worker count.
type ZipWriter struct {
	opts ArchiveOptions
	log  log.Interface
	pool *WorkerPool
	sem  *semaphore.Weighted
	ctx  context.Context
	seq  *sequencer

	cursor atomic.Uint64

	mu      sync.Mutex
	sink    io.Writer
	entries []*entry
	nextSeq uint64
	closed  bool
	failed  error

	stats Stats
}

// NewZipWriter returns a writer emitting to sink. A nil opts means the
// defaults: ordered output, data descriptors, extended timestamps.
func NewZipWriter(sink io.Writer, opts *ArchiveOptions) *ZipWriter {
	if opts == nil {
		opts = &ArchiveOptions{}
	}
	w := &ZipWriter{
		opts: *opts,
		log:  opts.Log,
		pool: opts.Pool,
		ctx:  opts.Context,
		sink: sink,
		seq:  newSequencer(!opts.Unordered),
	}
	if w.log == nil {
		w.log = log.Log
	}
	if w.pool == nil {
		w.pool = sharedPool
	}
	if w.ctx == nil {
		w.ctx = context.Background()
	}
	w.sem = semaphore.NewWeighted(int64(w.pool.Config().maxWorkers()))
	return w
}

// Stats returns counters for the archive so far.
func (w *ZipWriter) Stats() *Stats {
	return &w.stats
}

// Add appends one entry and blocks until it is committed. The reader is
// drained to EOF; opts may be nil. Cancelling ctx (or the archive context)
// aborts the entry with ErrAborted.
func (w *ZipWriter) Add(ctx context.Context, name string, src io.Reader, opts *EntryOptions) (*EntryMetadata, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &EntryOptions{}
	}
	if err := validateEntry(name, opts); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	if err := w.sem.Acquire(cctx, 1); err != nil {
		return nil, errors.Wrap(ErrAborted, err.Error())
	}
	defer w.sem.Release(1)

	e, err := w.newEntry(name, opts)
	if err != nil {
		return nil, err
	}

	w.log.Debugf("add %s: level=%d", e.lay.name, e.lay.level)

	if err := e.run(cctx, src); err != nil {
		return nil, err
	}

	atomic.AddInt64(&w.stats.EntriesAdded, 1)
	if e.lay.directory {
		atomic.AddInt64(&w.stats.DirsAdded, 1)
	}
	atomic.AddInt64(&w.stats.SizeUncompressed, int64(e.lay.unc))
	return &e.meta, nil
}

// validateEntry enforces the wire limits before anything is emitted.
func validateEntry(name string, opts *EntryOptions) error {
	if name == "" {
		return errors.Wrap(ErrInvalidArgument, "empty entry name")
	}
	if len(name) > 0xffff {
		return errors.Wrapf(ErrInvalidArgument, "entry name is %d bytes", len(name))
	}
	if len(opts.Comment) > 0xffff {
		return errors.Wrapf(ErrInvalidArgument, "entry comment is %d bytes", len(opts.Comment))
	}
	if opts.Level < 0 || opts.Level > 9 {
		return errors.Wrapf(ErrInvalidArgument, "compression level %d", opts.Level)
	}
	return nil
}

// newEntry registers an entry in add order and resolves its layout.
func (w *ZipWriter) newEntry(name string, opts *EntryOptions) (*entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.Wrap(ErrInvalidArgument, "add after close")
	}
	if w.failed != nil {
		return nil, w.failed
	}

	dir := opts.directory(name)
	if dir && name[len(name)-1] != '/' {
		name += "/"
	}

	lay := layout{
		name:          name,
		comment:       opts.Comment,
		directory:     dir,
		level:         opts.Level,
		method:        MethodStore,
		extTimestamp:  !w.opts.NoExtendedTimestamp && !opts.NoExtendedTimestamp,
		ntfs:          w.opts.NTFSTimestamp || opts.NTFSTimestamp,
		descriptor:    !dir && !w.opts.NoDataDescriptor && !opts.NoDataDescriptor,
		forcedZip64:   w.opts.Zip64 || opts.Zip64,
		split:         w.opts.SplitArchive,
		msdos:         w.opts.MSDOSCompatible,
		sizeKnown:     opts.KnownSize,
		unc:           opts.UncompressedSize,
		versionFloor:  w.opts.Version,
		versionMadeBy: w.opts.VersionMadeBy,
		mtime:         resolveMtime(&w.opts, opts),
	}
	if lay.level > 0 {
		lay.method = MethodDeflate
	}

	switch {
	case opts.PassThrough:
		lay.method = opts.Method
		lay.level = 0
	case dir:
		lay.sizeKnown, lay.unc = true, 0
	default:
		if _, legacy, strength := resolveEncryption(&w.opts, opts); strength > 0 || legacy {
			lay.zipCrypto = legacy
			lay.aes = !legacy
			lay.aesStrength = strength
		}
	}
	lay.resolve()

	e := &entry{w: w, seq: w.nextSeq, lay: lay, opts: opts}
	w.nextSeq++
	w.entries = append(w.entries, e)
	return e, nil
}

// Close checks that every entry has committed (an entry still in flight is
// an error; Close does not wait for it), writes the central directory, the
// ZIP64 records when required, and the end-of-central-directory record
// carrying the archive comment, then closes the sink if it is closable.
// Closing twice is an error.
func (w *ZipWriter) Close() error {
	return w.CloseWithComment(w.opts.Comment)
}

// CloseWithComment is Close with an overriding archive comment.
func (w *ZipWriter) CloseWithComment(comment string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.Wrap(ErrInvalidArgument, "close called twice")
	}
	w.closed = true
	failed := w.failed
	entries := append([]*entry(nil), w.entries...)
	w.mu.Unlock()

	if failed != nil {
		return failed
	}
	if len(comment) > 0xffff {
		return errors.Wrapf(ErrInvalidArgument, "archive comment is %d bytes", len(comment))
	}
	for _, e := range entries {
		if e.currentState() != stateCommitted {
			return errors.Wrapf(ErrInvalidArgument, "entry %s never committed", e.lay.name)
		}
	}

	cdOffset := w.cursorNow()
	var cdSize uint64
	zip64 := w.opts.Zip64
	for _, e := range entries {
		if e.lay.zip64() {
			zip64 = true
		}
		b := encodeCentralHeader(&e.lay)
		if err := w.write(b); err != nil {
			return err
		}
		cdSize += uint64(len(b))
	}

	if len(entries) > limit16 || cdSize > limit32 || cdOffset > limit32 {
		zip64 = true
	}
	if zip64 {
		if err := w.write(encodeZip64EOCD(uint64(len(entries)), cdSize, cdOffset, w.opts.VersionMadeBy)); err != nil {
			return err
		}
		if err := w.write(encodeZip64Locator(cdOffset + cdSize)); err != nil {
			return err
		}
	}
	if err := w.write(encodeEOCD(len(entries), cdSize, cdOffset, comment)); err != nil {
		return err
	}

	w.log.WithFields(log.Fields{
		"entries":           len(entries),
		"size":              humanize.Bytes(w.cursorNow()),
		"size_uncompressed": humanize.Bytes(uint64(atomic.LoadInt64(&w.stats.SizeUncompressed))),
	}).Debug("close")

	if c, ok := w.sink.(io.Closer); ok {
		return errors.Wrap(c.Close(), "closing sink")
	}
	return nil
}

// TerminateWorkers drains this writer's pool. See the package-level
// TerminateWorkers for the shared pool.
func (w *ZipWriter) TerminateWorkers(ctx context.Context) error {
	return w.pool.TerminateAll(ctx)
}

// write pushes bytes to the sink and advances the cursor. Only the entry
// holding the sequencer turn, or Close, calls it.
func (w *ZipWriter) write(b []byte) error {
	w.mu.Lock()
	failed := w.failed
	w.mu.Unlock()
	if failed != nil {
		return failed
	}

	n, err := w.sink.Write(b)
	w.cursor.Add(uint64(n))
	atomic.AddInt64(&w.stats.BytesWritten, int64(n))
	if err != nil {
		werr := errors.Wrap(ErrSink, err.Error())
		w.fail(werr)
		return werr
	}
	return nil
}

func (w *ZipWriter) cursorNow() uint64 {
	return w.cursor.Load()
}

// fail poisons the archive; the first error wins.
func (w *ZipWriter) fail(err error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	w.mu.Unlock()
}

func (w *ZipWriter) bufferedFrames() int {
	if w.opts.BufferedFrames > 0 {
		return w.opts.BufferedFrames
	}
	return 16
}

// sinkWriter adapts the writer's cursor-tracking write to io.Writer for
// spools and copies.
type sinkWriter struct {
	w *ZipWriter
}

func (s sinkWriter) Write(p []byte) (int, error) {
	if err := s.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sequencer grants entries exclusive access to the sink. Ordered mode
// (keep-order) admits entries strictly in add order; unordered mode admits
// them as they become ready. Every sequence number must be finished
// exactly once so the head can advance past failed entries.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ordered bool
	next    uint64
	busy    bool
}

func newSequencer(ordered bool) *sequencer {
	s := &sequencer{ordered: ordered}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// waitTurn blocks until the entry may emit: its turn in ordered mode, any
// free moment in unordered mode.
func (s *sequencer) waitTurn(ctx context.Context, seq uint64) error {
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for (s.ordered && s.next != seq) || s.busy {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(ErrAborted, err.Error())
		}
		s.cond.Wait()
	}
	s.busy = true
	return nil
}

// finish releases the sink and advances the head. Entries that never got
// their turn still consume it, once every earlier entry is done.
func (s *sequencer) finish(seq uint64, acquired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acquired {
		s.busy = false
	}
	if s.ordered {
		if !acquired {
			for s.next != seq {
				s.cond.Wait()
			}
		}
		s.next = seq + 1
	}
	s.cond.Broadcast()
}
