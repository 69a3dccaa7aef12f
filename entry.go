package zipstream

import (
	"context"
	"hash/crc32"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// entryState tracks an entry through its pipeline.
type entryState int32

const (
	stateCreated entryState = iota
	stateHeaderPending
	stateStreaming
	stateFinalizing
	stateCommitted
	stateFailed
	stateAborted
)

// EntryMetadata describes a committed entry as recorded in the central
// directory.
type EntryMetadata struct {
	Name             string
	Directory        bool
	Comment          string
	Method           uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	Offset           uint64
	Zip64            bool
}

// entry is one in-flight archive member. It exclusively owns its codec and
// its held-back frames; the assembler owns the cursor and the sink.
type entry struct {
	w     *ZipWriter
	seq   uint64
	lay   layout
	opts  *EntryOptions
	state atomic.Int32

	// resDone is written by the transform stage before it closes the frame
	// channel, so the emit stage reads it safely after the drain loop.
	resDone bool

	meta EntryMetadata
}

func (e *entry) setState(s entryState) {
	e.state.Store(int32(s))
}

func (e *entry) currentState() entryState {
	return entryState(e.state.Load())
}

// run drives the entry from HeaderPending to Committed. Reading, codec
// work and emission run as a pipeline; frames move between the stages by
// ownership transfer.
func (e *entry) run(ctx context.Context, src io.Reader) error {
	e.setState(stateHeaderPending)

	if e.lay.directory {
		if err := e.emitDirectory(ctx); err != nil {
			return e.failWith(err)
		}
		e.commit()
		return nil
	}

	input := make(chan []byte)
	frames := make(chan []byte, e.w.bufferedFrames())
	var res Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.feed(gctx, src, input) })
	g.Go(func() error { return e.transform(gctx, input, frames, &res) })
	g.Go(func() error { return e.emit(gctx, frames, &res) })

	if err := g.Wait(); err != nil {
		return e.failWith(err)
	}
	e.commit()
	return nil
}

// feed reads the source in pool-sized chunks and hands them downstream.
// The channel closes only on a clean EOF; on error the group context
// unwinds the other stages.
func (e *entry) feed(ctx context.Context, src io.Reader, input chan<- []byte) error {
	if e.opts.OnStart != nil {
		total := uint64(0)
		if e.lay.sizeKnown {
			total = e.lay.unc
		}
		e.opts.OnStart(total)
	}
	if src == nil {
		close(input)
		return nil
	}

	size := e.w.pool.Config().chunkSize()
	var sent uint64
	for {
		buf := make([]byte, size)
		n, err := src.Read(buf)
		if n > 0 {
			sent += uint64(n)
			select {
			case input <- buf[:n]:
			case <-ctx.Done():
				return errors.Wrap(ErrAborted, ctx.Err().Error())
			}
			if e.opts.OnProgress != nil {
				e.opts.OnProgress(sent)
			}
		}
		if err == io.EOF {
			close(input)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading entry source")
		}
	}
}

// transform runs the codec over the chunk stream, on a leased worker
// unless the pool is inline or the entry passes through.
func (e *entry) transform(ctx context.Context, input <-chan []byte, frames chan<- []byte, res *Result) error {
	if e.opts.PassThrough {
		return e.passThrough(ctx, input, frames, res)
	}

	password, _, _ := resolveEncryption(&e.w.opts, e.opts)
	_, dosTime := timeToDOS(e.lay.mtime)
	codec, err := newCodec(&e.lay, password, dosTime)
	if err != nil {
		return err
	}

	job := newCodecJob(ctx, codec, input, frames, res)
	job.finished = &e.resDone

	if e.w.pool.Config().Inline {
		return job.run()
	}

	l, err := e.w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.Do(job)
}

// passThrough copies chunks verbatim, computing the checksum only when the
// caller did not supply one.
func (e *entry) passThrough(ctx context.Context, input <-chan []byte, frames chan<- []byte, res *Result) error {
	defer close(frames)

	hash := crc32.NewIEEE()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case chunk, ok := <-input:
			if !ok {
				sig := hash.Sum32()
				if e.opts.CRC32 != nil {
					sig = *e.opts.CRC32
				}
				*res = Result{InputBytes: n, OutputBytes: n, Signature: sig}
				e.resDone = true
				return nil
			}
			n += uint64(len(chunk))
			if e.opts.CRC32 == nil {
				hash.Write(chunk)
			}
			select {
			case frames <- chunk:
			case <-ctx.Done():
				return errors.Wrap(ErrAborted, ctx.Err().Error())
			}
		}
	}
}

// emit writes the entry to the sink: header, payload, and descriptor when
// streaming; spool first and a fully-resolved header when not. The
// sequencer turn is consumed exactly once on every path so later entries
// never stall.
func (e *entry) emit(ctx context.Context, frames <-chan []byte, res *Result) (err error) {
	acquired := false
	defer func() { e.w.seq.finish(e.seq, acquired) }()

	if e.lay.descriptor {
		if err := e.w.seq.waitTurn(ctx, e.seq); err != nil {
			return err
		}
		acquired = true
		e.startAt(e.w.cursorNow())

		if err := e.w.write(encodeLocalHeader(&e.lay)); err != nil {
			return err
		}
		e.setState(stateStreaming)

		if err := e.drainTo(ctx, frames, sinkWriter{e.w}); err != nil {
			return err
		}
		e.setState(stateFinalizing)
		if err := e.finalize(res); err != nil {
			return err
		}
		return e.w.write(encodeDescriptor(&e.lay))
	}

	// Spooled: the local header needs the final CRC and sizes up front.
	e.setState(stateStreaming)
	sp := newSpool(spoolThreshold)
	defer sp.Close()

	if err := e.drainTo(ctx, frames, sp); err != nil {
		return err
	}
	e.setState(stateFinalizing)
	if err := e.finalize(res); err != nil {
		return err
	}
	e.lay.sizeKnown = true

	if err := e.w.seq.waitTurn(ctx, e.seq); err != nil {
		return err
	}
	acquired = true
	e.startAt(e.w.cursorNow())

	if err := e.w.write(encodeLocalHeader(&e.lay)); err != nil {
		return err
	}
	if _, err := sp.WriteTo(sinkWriter{e.w}); err != nil {
		return err
	}
	return nil
}

// drainTo moves frames to a destination until the transform stage closes
// the channel.
func (e *entry) drainTo(ctx context.Context, frames <-chan []byte, dst io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case frame, ok := <-frames:
			if !ok {
				if !e.resDone {
					return errors.Wrap(ErrAborted, "entry pipeline interrupted")
				}
				return nil
			}
			if _, err := dst.Write(frame); err != nil {
				return err
			}
		}
	}
}

// startAt pins the entry's offset and records whether it is the first
// entry of the archive.
func (e *entry) startAt(offset uint64) {
	e.lay.offset = offset
	e.lay.first = offset == 0
}

// finalize records the codec result and enforces the declared size. A
// declared size that disagrees with the streamed bytes fails the entry; an
// overflow with no ZIP64 reservation in the already-written header cannot
// be represented and fails it too.
func (e *entry) finalize(res *Result) error {
	if e.lay.sizeKnown && e.lay.unc != res.InputBytes {
		return errors.Wrapf(ErrInvalidArgument, "declared size %d but read %d bytes", e.lay.unc, res.InputBytes)
	}

	reserved := e.lay.localZip64()
	e.lay.unc = res.InputBytes
	e.lay.comp = res.OutputBytes
	e.lay.crc = res.Signature

	if e.lay.descriptor && !reserved && (e.lay.unc > limit32 || e.lay.comp > limit32) {
		return errors.Wrap(ErrInvalidArgument, "entry outgrew its non-zip64 header")
	}
	return nil
}

// emitDirectory writes a directory entry: a bare local header.
func (e *entry) emitDirectory(ctx context.Context) (err error) {
	acquired := false
	defer func() { e.w.seq.finish(e.seq, acquired) }()

	if err := e.w.seq.waitTurn(ctx, e.seq); err != nil {
		return err
	}
	acquired = true
	e.startAt(e.w.cursorNow())
	return e.w.write(encodeLocalHeader(&e.lay))
}

// commit freezes the entry metadata and hands it to the central directory.
func (e *entry) commit() {
	e.setState(stateCommitted)
	e.meta = EntryMetadata{
		Name:             e.lay.name,
		Directory:        e.lay.directory,
		Comment:          e.lay.comment,
		Method:           e.lay.method,
		CRC32:            e.lay.crcField(),
		CompressedSize:   e.lay.comp,
		UncompressedSize: e.lay.unc,
		Offset:           e.lay.offset,
		Zip64:            e.lay.zip64(),
	}
	if e.opts.OnEnd != nil {
		e.opts.OnEnd(e.lay.unc)
	}
}

// failWith moves the entry to its terminal failure state and poisons the
// archive: the cursor may already have advanced over partial bytes.
func (e *entry) failWith(err error) error {
	if errors.Is(err, ErrAborted) {
		e.setState(stateAborted)
	} else {
		e.setState(stateFailed)
	}
	e.w.fail(err)
	return err
}

// spoolThreshold is where a spooled entry moves from memory to a
// temporary file.
const spoolThreshold = 32 << 20

// resolveMtime picks the entry modification time: entry option, archive
// default, then the add time.
func resolveMtime(a *ArchiveOptions, o *EntryOptions) time.Time {
	if !o.Modified.IsZero() {
		return o.Modified
	}
	if !a.Modified.IsZero() {
		return a.Modified
	}
	return time.Now()
}
