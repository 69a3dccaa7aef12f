package zipstream

import (
	"bytes"
	"hash"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Codec is a stateful byte transformer with the lifecycle
// Update* then Final. Update accepts a chunk of any length and returns
// zero or more output bytes; Final flushes the trailing frame and reports
// the byte counts and the signature. A codec that has returned an error is
// poisoned and keeps returning it.
type Codec interface {
	Update(chunk []byte) ([]byte, error)
	Final() ([]byte, Result, error)
}

// Result reports what a codec consumed and produced. Signature is the
// CRC-32 of the input bytes unless the concrete codec defines otherwise
// (the AES wrapper reports zero).
type Result struct {
	InputBytes  uint64
	OutputBytes uint64
	Signature   uint32
}

// newCodec builds the codec chain for an entry: store or deflate, wrapped
// by a cipher when the entry is encrypted. dosTime seeds the legacy
// cipher's verification byte when data descriptors are in use.
func newCodec(l *layout, password string, dosTime uint16) (Codec, error) {
	if l.level < 0 || l.level > flate.BestCompression {
		return nil, errors.Wrapf(ErrInvalidArgument, "compression level %d", l.level)
	}

	var c Codec
	if l.level > 0 {
		c = newDeflateCodec(l.level)
	} else {
		c = &storeCodec{hash: crc32.NewIEEE()}
	}

	switch {
	case l.aes:
		return newAESCodec(c, password, l.aesStrength)
	case l.zipCrypto:
		return newZipCryptoCodec(c, password, byte(dosTime>>8))
	default:
		return c, nil
	}
}

// storeCodec passes input through unchanged while tracking the CRC-32.
type storeCodec struct {
	hash hash.Hash32
	n    uint64
	err  error
}

func (c *storeCodec) Update(chunk []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.hash.Write(chunk)
	c.n += uint64(len(chunk))
	return chunk, nil
}

func (c *storeCodec) Final() ([]byte, Result, error) {
	if c.err != nil {
		return nil, Result{}, c.err
	}
	return nil, Result{InputBytes: c.n, OutputBytes: c.n, Signature: c.hash.Sum32()}, nil
}

// deflateCodec produces a raw RFC 1951 stream. Writers are pooled per
// level since flate allocation is expensive.
type deflateCodec struct {
	level int
	fw    *flate.Writer
	buf   bytes.Buffer
	hash  hash.Hash32
	in    uint64
	out   uint64
	err   error
}

var flatePool [flate.BestCompression + 1]sync.Pool

func newDeflateCodec(level int) *deflateCodec {
	c := &deflateCodec{level: level, hash: crc32.NewIEEE()}
	if v := flatePool[level].Get(); v != nil {
		c.fw = v.(*flate.Writer)
		c.fw.Reset(&c.buf)
	} else {
		c.fw, _ = flate.NewWriter(&c.buf, level)
	}
	return c
}

func (c *deflateCodec) Update(chunk []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.hash.Write(chunk)
	c.in += uint64(len(chunk))
	if _, err := c.fw.Write(chunk); err != nil {
		c.err = errors.Wrap(ErrCodec, err.Error())
		return nil, c.err
	}
	return c.take(), nil
}

func (c *deflateCodec) Final() ([]byte, Result, error) {
	if c.err != nil {
		return nil, Result{}, c.err
	}
	if err := c.fw.Close(); err != nil {
		c.err = errors.Wrap(ErrCodec, err.Error())
		return nil, Result{}, c.err
	}
	tail := c.take()
	flatePool[c.level].Put(c.fw)
	c.fw = nil
	c.err = errors.Wrap(ErrCodec, "codec finalized")
	return tail, Result{InputBytes: c.in, OutputBytes: c.out, Signature: c.hash.Sum32()}, nil
}

// take drains bytes the flate writer has produced so far. The capture
// buffer is reused, so the frame is copied out before handoff.
func (c *deflateCodec) take() []byte {
	if c.buf.Len() == 0 {
		return nil
	}
	frame := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	c.out += uint64(len(frame))
	return frame
}
