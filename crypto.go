package zipstream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"hash"
	"hash/crc32"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// WinZIP AES framing.
const (
	aesVerifierLen = 2
	aesMacLen      = 10
	aesIterations  = 1000
)

// aesSaltLen is the salt length for a strength of 1 (AES-128), 2 (AES-192)
// or 3 (AES-256): 8, 12 or 16 bytes.
func aesSaltLen(strength int) int {
	return 4 + 4*strength
}

// aesKeyLen is the AES key length for a strength: 16, 24 or 32 bytes.
func aesKeyLen(strength int) int {
	return 8 + 8*strength
}

// aesCodec wraps an inner codec with WinZIP AES: salt and password
// verifier up front, AES-CTR over the compressed body, a truncated
// HMAC-SHA1 tag at the end. The authentication code covers the ciphertext
// (encrypt-then-MAC) and the signature is suppressed per AE-2.
type aesCodec struct {
	inner  Codec
	stream *winzipCTR
	mac    hash.Hash
	head   []byte // salt + verifier, emitted with the first frame
	out    uint64
	err    error
}

func newAESCodec(inner Codec, password string, strength int) (*aesCodec, error) {
	salt := make([]byte, aesSaltLen(strength))
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(ErrCodec, err.Error())
	}

	keyLen := aesKeyLen(strength)
	dk := pbkdf2.Key([]byte(password), salt, aesIterations, 2*keyLen+aesVerifierLen, sha1.New)
	block, err := aes.NewCipher(dk[:keyLen])
	if err != nil {
		return nil, errors.Wrap(ErrCodec, err.Error())
	}

	return &aesCodec{
		inner:  inner,
		stream: newWinzipCTR(block),
		mac:    hmac.New(sha1.New, dk[keyLen:2*keyLen]),
		head:   append(salt, dk[2*keyLen:]...),
	}, nil
}

func (c *aesCodec) Update(chunk []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	body, err := c.inner.Update(chunk)
	if err != nil {
		c.err = err
		return nil, err
	}
	return c.emit(body), nil
}

func (c *aesCodec) Final() ([]byte, Result, error) {
	if c.err != nil {
		return nil, Result{}, c.err
	}
	body, res, err := c.inner.Final()
	if err != nil {
		c.err = err
		return nil, Result{}, err
	}
	frame := c.emit(body)
	frame = append(frame, c.mac.Sum(nil)[:aesMacLen]...)
	c.out += aesMacLen
	return frame, Result{InputBytes: res.InputBytes, OutputBytes: c.out, Signature: 0}, nil
}

// emit encrypts a body frame in place, folds it into the MAC, and prefixes
// the salt and verifier on the first call.
func (c *aesCodec) emit(body []byte) []byte {
	c.stream.XORKeyStream(body, body)
	c.mac.Write(body)

	frame := body
	if c.head != nil {
		frame = append(c.head, body...)
		c.head = nil
	}
	c.out += uint64(len(frame))
	return frame
}

// winzipCTR is AES-CTR with the 128-bit counter incremented little-endian,
// which is what WinZIP uses; the standard library's CTR mode increments
// big-endian and cannot be reused here.
type winzipCTR struct {
	block   cipher.Block
	counter [aes.BlockSize]byte
	keybuf  [aes.BlockSize]byte
	pos     int
}

func newWinzipCTR(block cipher.Block) *winzipCTR {
	c := &winzipCTR{block: block}
	c.counter[0] = 1
	return c
}

func (c *winzipCTR) XORKeyStream(dst, src []byte) {
	for i := range src {
		if c.pos == 0 {
			c.block.Encrypt(c.keybuf[:], c.counter[:])
			for j := 0; j < aes.BlockSize; j++ {
				c.counter[j]++
				if c.counter[j] != 0 {
					break
				}
			}
		}
		dst[i] = src[i] ^ c.keybuf[c.pos]
		c.pos = (c.pos + 1) % aes.BlockSize
	}
}

const zipCryptoHeaderLen = 12

// zipCryptoCodec wraps an inner codec with the legacy PKWARE cipher: a
// 12-byte random header whose last byte is the verification byte, then
// the encrypted body. With data descriptors in use the verification byte
// comes from the DOS time, since the header CRC is not yet known.
type zipCryptoCodec struct {
	inner Codec
	keys  zipCryptoKeys
	head  []byte
	out   uint64
	err   error
}

func newZipCryptoCodec(inner Codec, password string, check byte) (*zipCryptoCodec, error) {
	head := make([]byte, zipCryptoHeaderLen)
	if _, err := rand.Read(head); err != nil {
		return nil, errors.Wrap(ErrCodec, err.Error())
	}
	head[zipCryptoHeaderLen-1] = check

	c := &zipCryptoCodec{inner: inner}
	c.keys.init(password)
	c.keys.encrypt(head)
	c.head = head
	return c, nil
}

func (c *zipCryptoCodec) Update(chunk []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	body, err := c.inner.Update(chunk)
	if err != nil {
		c.err = err
		return nil, err
	}
	return c.emit(body), nil
}

func (c *zipCryptoCodec) Final() ([]byte, Result, error) {
	if c.err != nil {
		return nil, Result{}, c.err
	}
	body, res, err := c.inner.Final()
	if err != nil {
		c.err = err
		return nil, Result{}, err
	}
	frame := c.emit(body)
	return frame, Result{InputBytes: res.InputBytes, OutputBytes: c.out, Signature: res.Signature}, nil
}

func (c *zipCryptoCodec) emit(body []byte) []byte {
	c.keys.encrypt(body)
	frame := body
	if c.head != nil {
		frame = append(c.head, body...)
		c.head = nil
	}
	c.out += uint64(len(frame))
	return frame
}

const zipCryptoMagic = 134775813

// zipCryptoKeys is the three-register key schedule of the PKWARE cipher.
type zipCryptoKeys struct {
	k0, k1, k2 uint32
}

func (z *zipCryptoKeys) init(password string) {
	z.k0, z.k1, z.k2 = 0x12345678, 0x23456789, 0x34567890
	for i := 0; i < len(password); i++ {
		z.update(password[i])
	}
}

func (z *zipCryptoKeys) update(b byte) {
	z.k0 = crc32.IEEETable[(z.k0^uint32(b))&0xff] ^ (z.k0 >> 8)
	z.k1 = (z.k1 + (z.k0 & 0xff)) * zipCryptoMagic
	z.k1++
	z.k2 = crc32.IEEETable[(z.k2^uint32(byte(z.k1>>24)))&0xff] ^ (z.k2 >> 8)
}

func (z *zipCryptoKeys) stream() byte {
	t := z.k2 | 2
	return byte((t * (t ^ 1)) >> 8)
}

func (z *zipCryptoKeys) encrypt(buf []byte) {
	for i, b := range buf {
		buf[i] = b ^ z.stream()
		z.update(b)
	}
}
