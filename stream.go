package zipstream

import (
	"context"
	"io"
)

// ZipWriterStream is the push-style facade: per-entry sinks on one side, a
// readable archive stream on the other. The pipe between the assembler and
// the reader is unbuffered, so the producer is fully backpressured by the
// consumer.
type ZipWriterStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	zw *ZipWriter
}

// NewZipWriterStream builds the facade. Drain Reader concurrently with the
// Writable sinks or the pipeline stalls.
func NewZipWriterStream(opts *ArchiveOptions) *ZipWriterStream {
	pr, pw := io.Pipe()
	return &ZipWriterStream{
		pr: pr,
		pw: pw,
		zw: NewZipWriter(pw, opts),
	}
}

// Reader is the archive byte stream.
func (s *ZipWriterStream) Reader() io.Reader {
	return s.pr
}

// ZipWriter exposes the underlying writer for estimation or direct Add
// calls.
func (s *ZipWriterStream) ZipWriter() *ZipWriter {
	return s.zw
}

// Writable opens a sink for one entry. Bytes written to it stream through
// the compression pipeline; Close waits until the entry is committed and
// reports how it went.
func (s *ZipWriterStream) Writable(name string, opts *EntryOptions) io.WriteCloser {
	pr, pw := io.Pipe()
	es := &entrySink{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.zw.Add(context.Background(), name, pr, opts)
		// Unblock a writer still pushing into a failed entry.
		pr.CloseWithError(err)
		es.done <- err
	}()
	return es
}

// Close finishes the archive and closes the readable side.
func (s *ZipWriterStream) Close() error {
	err := s.zw.Close()
	if err != nil {
		s.pw.CloseWithError(err)
		return err
	}
	return nil
}

// entrySink is the per-entry writable handed out by Writable.
type entrySink struct {
	pw   *io.PipeWriter
	done chan error
	err  error
	got  bool
}

func (e *entrySink) Write(p []byte) (int, error) {
	return e.pw.Write(p)
}

func (e *entrySink) Close() error {
	e.pw.Close()
	if !e.got {
		e.err = <-e.done
		e.got = true
	}
	return e.err
}
