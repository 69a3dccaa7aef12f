package zipstream

import (
	"encoding/binary"
	"time"
	"unicode/utf8"
)

// Record signatures. Values begin with the two byte marker 0x4b50, "PK".
const (
	localHeaderSignature   uint32 = 0x04034b50
	centralHeaderSignature uint32 = 0x02014b50
	descriptorSignature    uint32 = 0x08074b50
	eocdSignature          uint32 = 0x06054b50
	zip64EOCDSignature     uint32 = 0x06064b50
	zip64LocatorSignature  uint32 = 0x07064b50
)

// Extra field tags.
const (
	zip64ExtraTag        uint16 = 0x0001
	ntfsExtraTag         uint16 = 0x000a
	extTimestampExtraTag uint16 = 0x5455
	aesExtraTag          uint16 = 0x9901
)

// Compression methods.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
	MethodAES     uint16 = 99
)

// Versions needed to extract.
const (
	versionBase  uint16 = 20
	versionZip64 uint16 = 45
	versionAES   uint16 = 51
)

// General purpose bit flags.
const (
	flagEncrypted  uint16 = 1 << 0
	flagDescriptor uint16 = 1 << 3
	flagUTF8       uint16 = 1 << 11
)

// Promotion thresholds: a value above limit32 (or a count above limit16)
// no longer fits the classic records and forces ZIP64.
const (
	limit32 uint64 = 0xfffffffe
	limit16        = 0xfffe
)

const placeholder32 uint32 = 0xffffffff

// layout captures everything that determines an entry's on-disk byte
// layout. The assembler emits from it and the estimator sizes synthetic
// ones with the same encoders, which is what keeps estimateStreamSize
// byte-for-byte exact.
type layout struct {
	name        string
	comment     string
	directory   bool
	level       int
	method      uint16 // wire method: store, deflate, or the AES wrapper
	aes         bool
	aesStrength int
	zipCrypto   bool

	extTimestamp bool
	ntfs         bool
	descriptor   bool
	forcedZip64  bool
	split        bool
	msdos        bool

	sizeKnown bool
	crc       uint32
	unc, comp uint64
	offset    uint64
	first     bool // offset is necessarily zero

	utf8 bool

	versionFloor  uint16
	versionMadeBy uint16

	mtime time.Time
}

// resolve fills the derived fields once name, sizes and options are set.
func (l *layout) resolve() {
	l.utf8 = mustFlagUTF8(l.name)
	if l.aes {
		l.method = MethodAES
	}
}

// innerMethod is the method an AES wrapper records in its extra field, and
// the wire method otherwise.
func (l *layout) innerMethod() uint16 {
	if l.aes {
		if l.level > 0 {
			return MethodDeflate
		}
		return MethodStore
	}
	return l.method
}

// encOverhead is the cipher framing added to the compressed payload.
func (l *layout) encOverhead() uint64 {
	switch {
	case l.aes:
		return uint64(aesSaltLen(l.aesStrength)) + aesVerifierLen + aesMacLen
	case l.zipCrypto:
		return zipCryptoHeaderLen
	default:
		return 0
	}
}

// storedComp is the compressed size knowable before streaming: stored and
// passthrough payloads keep their input length plus cipher framing. Zero
// for deflate, whose output length is only known at finalize.
func (l *layout) storedComp() uint64 {
	if !l.sizeKnown || l.level > 0 {
		return 0
	}
	if l.directory {
		return 0
	}
	return l.unc + l.encOverhead()
}

// localZip64 reports whether the local header reserves a ZIP64 extra
// field. Reservation happens whenever promotion is still possible at
// header-write time: size unknown, ZIP64 forced, or a known size that
// already overflows.
func (l *layout) localZip64() bool {
	if l.directory {
		return false
	}
	if l.forcedZip64 || !l.sizeKnown {
		return true
	}
	return l.unc > limit32 || l.storedComp() > limit32 || l.comp > limit32
}

// zip64 reports whether the entry is ZIP64 once final sizes and the offset
// are in: forced, or any recorded value overflows.
func (l *layout) zip64() bool {
	return l.forcedZip64 || l.unc > limit32 || l.comp > limit32 || l.offset > limit32
}

func (l *layout) flags() uint16 {
	var f uint16
	if l.aes || l.zipCrypto {
		f |= flagEncrypted
	}
	if l.descriptor {
		f |= flagDescriptor
	}
	if l.utf8 {
		f |= flagUTF8
	}
	if l.innerMethod() == MethodDeflate {
		switch {
		case l.level >= 9:
			f |= 0x0002
		case l.level == 2:
			f |= 0x0004
		case l.level == 1:
			f |= 0x0006
		}
	}
	return f
}

func (l *layout) version(zip64 bool) uint16 {
	v := versionBase
	if zip64 {
		v = versionZip64
	}
	if l.aes {
		v = versionAES
	}
	if l.versionFloor > v {
		v = l.versionFloor
	}
	return v
}

// crcField is the checksum recorded in headers: zero under WinZIP AES
// (AE-2 suppresses it), the input CRC-32 otherwise.
func (l *layout) crcField() uint32 {
	if l.aes {
		return 0
	}
	return l.crc
}

func (l *layout) externalAttrs() uint32 {
	if l.directory {
		return 0x10
	}
	if l.msdos {
		return 0x20
	}
	return 0
}

// localExtra builds the local extra field: extended timestamp, NTFS
// timestamp, AES parameters, then the ZIP64 reservation, in that order.
func (l *layout) localExtra() []byte {
	var b []byte
	if l.extTimestamp {
		b = appendExtTimestamp(b, l.mtime)
	}
	if l.ntfs {
		b = appendNTFSTimestamp(b, l.mtime)
	}
	if l.aes {
		b = appendAESExtra(b, l.aesStrength, l.innerMethod())
	}
	if l.localZip64() {
		comp := l.storedComp()
		if !l.descriptor {
			comp = l.comp
		}
		b = appendZip64Local(b, l.sizeKnown, l.unc, comp)
	}
	return b
}

// centralExtra builds the central extra field. The ZIP64 member carries
// only the values that overflow, all of them when ZIP64 is forced, with
// the offset suppressed on the first entry (necessarily zero) and a disk
// number only for forced split archives.
func (l *layout) centralExtra() []byte {
	var b []byte
	if l.extTimestamp {
		b = appendExtTimestamp(b, l.mtime)
	}
	if l.ntfs {
		b = appendNTFSTimestamp(b, l.mtime)
	}
	if l.aes {
		b = appendAESExtra(b, l.aesStrength, l.innerMethod())
	}
	b = l.appendZip64Central(b)
	return b
}

func (l *layout) appendZip64Central(b []byte) []byte {
	var payload []byte
	if !l.directory {
		if l.unc > limit32 || l.forcedZip64 {
			payload = binary.LittleEndian.AppendUint64(payload, l.unc)
		}
		if l.comp > limit32 || l.forcedZip64 {
			payload = binary.LittleEndian.AppendUint64(payload, l.comp)
		}
	}
	if l.offset > limit32 || (l.forcedZip64 && !l.first) {
		payload = binary.LittleEndian.AppendUint64(payload, l.offset)
	}
	if l.split && l.forcedZip64 {
		payload = binary.LittleEndian.AppendUint32(payload, 0)
	}
	if len(payload) == 0 {
		return b
	}
	b = binary.LittleEndian.AppendUint16(b, zip64ExtraTag)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

// centralSizeFields mirrors appendZip64Central: a 32-bit header field is
// the placeholder exactly when its 64-bit value lives in the extra field.
func (l *layout) centralSizeFields() (unc32, comp32, off32 uint32) {
	unc32, comp32, off32 = uint32(l.unc), uint32(l.comp), uint32(l.offset)
	if !l.directory {
		if l.unc > limit32 || l.forcedZip64 {
			unc32 = placeholder32
		}
		if l.comp > limit32 || l.forcedZip64 {
			comp32 = placeholder32
		}
	}
	if l.offset > limit32 || (l.forcedZip64 && !l.first) {
		off32 = placeholder32
	}
	return
}

// encodeLocalHeader renders the 30-byte local file header plus name and
// extra field.
func encodeLocalHeader(l *layout) []byte {
	extra := l.localExtra()
	dosDate, dosTime := timeToDOS(l.mtime)

	buf := make([]byte, 30, 30+len(l.name)+len(extra))
	binary.LittleEndian.PutUint32(buf[0:4], localHeaderSignature)
	binary.LittleEndian.PutUint16(buf[4:6], l.version(l.localZip64()))
	binary.LittleEndian.PutUint16(buf[6:8], l.flags())
	binary.LittleEndian.PutUint16(buf[8:10], l.method)
	binary.LittleEndian.PutUint16(buf[10:12], dosTime)
	binary.LittleEndian.PutUint16(buf[12:14], dosDate)

	var crc uint32
	if !l.descriptor {
		crc = l.crcField()
	}
	binary.LittleEndian.PutUint32(buf[14:18], crc)

	unc32, comp32 := uint32(l.unc), uint32(l.storedComp())
	if l.localZip64() {
		unc32, comp32 = placeholder32, placeholder32
	} else if l.descriptor {
		comp32 = uint32(l.storedComp())
	} else {
		comp32 = uint32(l.comp)
	}
	binary.LittleEndian.PutUint32(buf[18:22], comp32)
	binary.LittleEndian.PutUint32(buf[22:26], unc32)

	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(l.name)))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(extra)))

	buf = append(buf, l.name...)
	buf = append(buf, extra...)
	return buf
}

// encodeDescriptor renders the data descriptor: 16 bytes, or 24 when the
// local header reserved ZIP64 space.
func encodeDescriptor(l *layout) []byte {
	b := binary.LittleEndian.AppendUint32(nil, descriptorSignature)
	b = binary.LittleEndian.AppendUint32(b, l.crcField())
	if l.localZip64() {
		b = binary.LittleEndian.AppendUint64(b, l.comp)
		b = binary.LittleEndian.AppendUint64(b, l.unc)
	} else {
		b = binary.LittleEndian.AppendUint32(b, uint32(l.comp))
		b = binary.LittleEndian.AppendUint32(b, uint32(l.unc))
	}
	return b
}

// encodeCentralHeader renders the 46-byte central directory header plus
// name, extra field and comment.
func encodeCentralHeader(l *layout) []byte {
	extra := l.centralExtra()
	dosDate, dosTime := timeToDOS(l.mtime)
	unc32, comp32, off32 := l.centralSizeFields()

	madeBy := l.versionMadeBy
	if madeBy == 0 {
		madeBy = versionBase
	}

	buf := make([]byte, 46, 46+len(l.name)+len(extra)+len(l.comment))
	binary.LittleEndian.PutUint32(buf[0:4], centralHeaderSignature)
	binary.LittleEndian.PutUint16(buf[4:6], madeBy)
	binary.LittleEndian.PutUint16(buf[6:8], l.version(l.zip64()))
	binary.LittleEndian.PutUint16(buf[8:10], l.flags())
	binary.LittleEndian.PutUint16(buf[10:12], l.method)
	binary.LittleEndian.PutUint16(buf[12:14], dosTime)
	binary.LittleEndian.PutUint16(buf[14:16], dosDate)
	binary.LittleEndian.PutUint32(buf[16:20], l.crcField())
	binary.LittleEndian.PutUint32(buf[20:24], comp32)
	binary.LittleEndian.PutUint32(buf[24:28], unc32)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(l.name)))
	binary.LittleEndian.PutUint16(buf[30:32], uint16(len(extra)))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(l.comment)))
	binary.LittleEndian.PutUint16(buf[34:36], 0) // disk number start
	binary.LittleEndian.PutUint16(buf[36:38], 0) // internal attributes
	binary.LittleEndian.PutUint32(buf[38:42], l.externalAttrs())
	binary.LittleEndian.PutUint32(buf[42:46], off32)

	buf = append(buf, l.name...)
	buf = append(buf, extra...)
	buf = append(buf, l.comment...)
	return buf
}

// encodeEOCD renders the 22-byte end-of-central-directory record plus the
// archive comment. Overflowing fields are capped; ZIP64 archives carry the
// real values in the ZIP64 record.
func encodeEOCD(entries int, cdSize, cdOffset uint64, comment string) []byte {
	buf := make([]byte, 22, 22+len(comment))
	binary.LittleEndian.PutUint32(buf[0:4], eocdSignature)
	n := uint16(0xffff)
	if entries <= limit16 {
		n = uint16(entries)
	}
	binary.LittleEndian.PutUint16(buf[8:10], n)
	binary.LittleEndian.PutUint16(buf[10:12], n)
	binary.LittleEndian.PutUint32(buf[12:16], cap32(cdSize))
	binary.LittleEndian.PutUint32(buf[16:20], cap32(cdOffset))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(comment)))
	return append(buf, comment...)
}

// encodeZip64EOCD renders the 56-byte ZIP64 end-of-central-directory
// record.
func encodeZip64EOCD(entries uint64, cdSize, cdOffset uint64, madeBy uint16) []byte {
	if madeBy == 0 {
		madeBy = versionBase
	}
	buf := make([]byte, 56)
	binary.LittleEndian.PutUint32(buf[0:4], zip64EOCDSignature)
	binary.LittleEndian.PutUint64(buf[4:12], 44) // remaining record size
	binary.LittleEndian.PutUint16(buf[12:14], madeBy)
	binary.LittleEndian.PutUint16(buf[14:16], versionZip64)
	binary.LittleEndian.PutUint64(buf[24:32], entries)
	binary.LittleEndian.PutUint64(buf[32:40], entries)
	binary.LittleEndian.PutUint64(buf[40:48], cdSize)
	binary.LittleEndian.PutUint64(buf[48:56], cdOffset)
	return buf
}

// encodeZip64Locator renders the 20-byte ZIP64 locator pointing at the
// ZIP64 end-of-central-directory record.
func encodeZip64Locator(zip64EOCDOffset uint64) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], zip64LocatorSignature)
	binary.LittleEndian.PutUint64(buf[8:16], zip64EOCDOffset)
	binary.LittleEndian.PutUint32(buf[16:20], 1)
	return buf
}

func cap32(v uint64) uint32 {
	if v > limit32 {
		return placeholder32
	}
	return uint32(v)
}

// appendExtTimestamp appends the 0x5455 extended timestamp field. Both
// copies carry the flags byte and the modification time, 9 bytes total.
func appendExtTimestamp(b []byte, mtime time.Time) []byte {
	b = binary.LittleEndian.AppendUint16(b, extTimestampExtraTag)
	b = binary.LittleEndian.AppendUint16(b, 5)
	b = append(b, 1) // mtime present
	return binary.LittleEndian.AppendUint32(b, uint32(mtime.Unix()))
}

// appendNTFSTimestamp appends the 0x000a NTFS field, 36 bytes total, with
// the modification time repeated for access and creation.
func appendNTFSTimestamp(b []byte, mtime time.Time) []byte {
	ft := timeToFiletime(mtime)
	b = binary.LittleEndian.AppendUint16(b, ntfsExtraTag)
	b = binary.LittleEndian.AppendUint16(b, 32)
	b = binary.LittleEndian.AppendUint32(b, 0)  // reserved
	b = binary.LittleEndian.AppendUint16(b, 1)  // attribute tag
	b = binary.LittleEndian.AppendUint16(b, 24) // attribute size
	b = binary.LittleEndian.AppendUint64(b, ft)
	b = binary.LittleEndian.AppendUint64(b, ft)
	return binary.LittleEndian.AppendUint64(b, ft)
}

// appendAESExtra appends the 0x9901 WinZIP AES field, 11 bytes total,
// recording AE-2, the vendor id, the strength and the real method.
func appendAESExtra(b []byte, strength int, method uint16) []byte {
	b = binary.LittleEndian.AppendUint16(b, aesExtraTag)
	b = binary.LittleEndian.AppendUint16(b, 7)
	b = binary.LittleEndian.AppendUint16(b, 2) // AE-2
	b = append(b, 'A', 'E', byte(strength))
	return binary.LittleEndian.AppendUint16(b, method)
}

// appendZip64Local appends the local ZIP64 reservation: uncompressed and
// compressed sizes, 20 bytes total. Values not yet known are zero; the
// descriptor and the central directory carry the final ones.
func appendZip64Local(b []byte, sizeKnown bool, unc, storedComp uint64) []byte {
	b = binary.LittleEndian.AppendUint16(b, zip64ExtraTag)
	b = binary.LittleEndian.AppendUint16(b, 16)
	if !sizeKnown {
		unc = 0
	}
	b = binary.LittleEndian.AppendUint64(b, unc)
	return binary.LittleEndian.AppendUint64(b, storedComp)
}

// timeToDOS converts a modification time to MS-DOS date and time words.
// Seconds are quantized to even values.
func timeToDOS(t time.Time) (dosDate, dosTime uint16) {
	if t.IsZero() {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	if year > 127 {
		year = 127
	}
	dosDate = uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	dosTime = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return
}

// timeToFiletime converts to Windows FILETIME, 100ns ticks since 1601.
func timeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	const epochDelta = 116444736000000000
	return uint64(t.Unix())*10000000 + uint64(t.Nanosecond()/100) + epochDelta
}

// mustFlagUTF8 reports whether the name requires the UTF-8 flag: it is
// valid UTF-8 and contains bytes outside the CP-437-compatible range.
func mustFlagUTF8(s string) bool {
	require := false
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false
			}
			require = true
		}
	}
	return require
}
