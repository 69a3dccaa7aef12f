package zipstream

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/tj/assert"
)

func TestZipWriterStream_roundTrip(t *testing.T) {
	s := NewZipWriterStream(&ArchiveOptions{Pool: testPool(t)})

	var buf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(&buf, s.Reader())
		assert.NoError(t, err, "drain")
	}()

	w := s.Writable("first.txt", nil)
	_, err := io.WriteString(w, "first payload")
	assert.NoError(t, err, "write first")
	assert.NoError(t, w.Close(), "close first")

	w = s.Writable("second.txt", &EntryOptions{Level: 6})
	_, err = io.WriteString(w, strings.Repeat("second ", 1000))
	assert.NoError(t, err, "write second")
	assert.NoError(t, w.Close(), "close second")

	assert.NoError(t, s.Close(), "close stream")
	wg.Wait()

	r := reopen(t, buf.Bytes())
	assert.Len(t, r.File, 2, "entries")
	assert.Equal(t, "first payload", string(extract(t, r.File[0])), "first")
	assert.Equal(t, strings.Repeat("second ", 1000), string(extract(t, r.File[1])), "second")
}

func TestZipWriterStream_writerAccess(t *testing.T) {
	s := NewZipWriterStream(&ArchiveOptions{Pool: testPool(t)})

	go io.Copy(io.Discard, s.Reader())

	w := s.Writable("x", nil)
	_, err := io.WriteString(w, "x")
	assert.NoError(t, err, "write")
	assert.NoError(t, w.Close(), "close entry")

	n, err := s.ZipWriter().EstimateStreamSize()
	assert.NoError(t, err, "estimate")
	assert.True(t, n > 0, "estimate positive")

	assert.NoError(t, s.Close(), "close")
}

func TestZipWriterStream_closeEndsReader(t *testing.T) {
	s := NewZipWriterStream(&ArchiveOptions{Pool: testPool(t)})

	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(s.Reader())
		done <- b
	}()

	assert.NoError(t, s.Close(), "close")
	b := <-done
	assert.True(t, len(b) == 22, "bare end record")
}
