package zipstream

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// spool buffers an entry's compressed payload until its local header can
// be written. Small payloads stay in memory; past the threshold the spool
// moves to a temporary file.
type spool struct {
	threshold int64
	buf       bytes.Buffer
	file      *os.File
	size      int64
}

func newSpool(threshold int64) *spool {
	return &spool{threshold: threshold}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.threshold {
		f, err := os.CreateTemp("", "zipstream-*")
		if err != nil {
			return 0, errors.Wrap(err, "creating spool file")
		}
		if _, err := f.Write(s.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, errors.Wrap(err, "spilling spool")
		}
		s.buf.Reset()
		s.file = f
	}

	s.size += int64(len(p))
	if s.file != nil {
		n, err := s.file.Write(p)
		return n, errors.Wrap(err, "writing spool")
	}
	return s.buf.Write(p)
}

// WriteTo replays the spooled payload into the sink.
func (s *spool) WriteTo(w io.Writer) (int64, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return 0, errors.Wrap(err, "rewinding spool")
		}
		return io.Copy(w, s.file)
	}
	return s.buf.WriteTo(w)
}

func (s *spool) Close() error {
	if s.file != nil {
		s.file.Close()
		os.Remove(s.file.Name())
		s.file = nil
	}
	s.buf.Reset()
	return nil
}
