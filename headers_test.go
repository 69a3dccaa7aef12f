package zipstream

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tj/assert"
)

func TestEncodeLocalHeader_stored(t *testing.T) {
	lay := layout{
		name:         "a.txt",
		method:       MethodStore,
		extTimestamp: true,
		descriptor:   true,
		sizeKnown:    true,
		unc:          5,
		mtime:        time.Date(2021, 3, 4, 5, 6, 8, 0, time.UTC),
	}
	lay.resolve()

	b := encodeLocalHeader(&lay)
	assert.Equal(t, 30+5+9, len(b), "length")
	assert.Equal(t, localHeaderSignature, binary.LittleEndian.Uint32(b[0:4]), "signature")
	assert.Equal(t, versionBase, binary.LittleEndian.Uint16(b[4:6]), "version")
	assert.Equal(t, flagDescriptor, binary.LittleEndian.Uint16(b[6:8]), "flags")
	assert.Equal(t, MethodStore, binary.LittleEndian.Uint16(b[8:10]), "method")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b[14:18]), "crc is deferred")
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(b[18:22]), "compressed")
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(b[22:26]), "uncompressed")
	assert.Equal(t, "a.txt", string(b[30:35]), "name")
}

func TestEncodeLocalHeader_unknownSizeReservesZip64(t *testing.T) {
	lay := layout{
		name:       "stream.bin",
		method:     MethodDeflate,
		level:      6,
		descriptor: true,
	}
	lay.resolve()

	assert.True(t, lay.localZip64(), "reservation")

	b := encodeLocalHeader(&lay)
	assert.Equal(t, 30+len("stream.bin")+20, len(b), "length")
	assert.Equal(t, versionZip64, binary.LittleEndian.Uint16(b[4:6]), "version")
	assert.Equal(t, placeholder32, binary.LittleEndian.Uint32(b[18:22]), "compressed placeholder")
	assert.Equal(t, placeholder32, binary.LittleEndian.Uint32(b[22:26]), "uncompressed placeholder")

	extra := b[30+len("stream.bin"):]
	assert.Equal(t, zip64ExtraTag, binary.LittleEndian.Uint16(extra[0:2]), "tag")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(extra[2:4]), "payload size")
}

func TestEncodeDescriptor_widths(t *testing.T) {
	small := layout{name: "s", descriptor: true, sizeKnown: true, unc: 10, comp: 10}
	assert.Equal(t, 16, len(encodeDescriptor(&small)), "classic")

	big := layout{name: "b", descriptor: true, forcedZip64: true, sizeKnown: true, unc: 10, comp: 10}
	assert.Equal(t, 24, len(encodeDescriptor(&big)), "zip64")
}

func TestCentralExtra_zip64Rules(t *testing.T) {
	t.Run("plain small entry has no zip64 member", func(t *testing.T) {
		lay := layout{name: "a", sizeKnown: true, unc: 1, comp: 1}
		assert.Len(t, lay.centralExtra(), 0)
	})

	t.Run("forced first entry suppresses offset", func(t *testing.T) {
		lay := layout{name: "a", sizeKnown: true, unc: 1, comp: 1, forcedZip64: true, first: true}
		// tag + len + unc + comp
		assert.Len(t, lay.centralExtra(), 4+8+8)
	})

	t.Run("forced later entry includes offset", func(t *testing.T) {
		lay := layout{name: "a", sizeKnown: true, unc: 1, comp: 1, forcedZip64: true, offset: 40}
		assert.Len(t, lay.centralExtra(), 4+8+8+8)
	})

	t.Run("forced split archive adds disk number", func(t *testing.T) {
		lay := layout{name: "a", sizeKnown: true, unc: 1, comp: 1, forcedZip64: true, offset: 40, split: true}
		assert.Len(t, lay.centralExtra(), 4+8+8+8+4)
	})

	t.Run("forced directory carries only the offset", func(t *testing.T) {
		lay := layout{name: "d/", directory: true, forcedZip64: true, offset: 40}
		assert.Len(t, lay.centralExtra(), 4+8)
	})

	t.Run("overflowing size promotes by itself", func(t *testing.T) {
		lay := layout{name: "a", sizeKnown: true, unc: limit32 + 1, comp: limit32 + 1}
		assert.Len(t, lay.centralExtra(), 4+8+8)
	})
}

func TestCentralSizeFields_matchExtra(t *testing.T) {
	lay := layout{name: "a", sizeKnown: true, unc: limit32 + 5, comp: 7, offset: 90}
	unc32, comp32, off32 := lay.centralSizeFields()
	assert.Equal(t, placeholder32, unc32, "uncompressed")
	assert.Equal(t, uint32(7), comp32, "compressed")
	assert.Equal(t, uint32(90), off32, "offset")
}

func TestEncodeEOCD(t *testing.T) {
	b := encodeEOCD(2, 100, 200, "multi")
	assert.Equal(t, 22+5, len(b), "length")
	assert.Equal(t, eocdSignature, binary.LittleEndian.Uint32(b[0:4]), "signature")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(b[8:10]), "entries")
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(b[12:16]), "cd size")
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(b[16:20]), "cd offset")
	assert.Equal(t, uint16(5), binary.LittleEndian.Uint16(b[20:22]), "comment length")
	assert.Equal(t, "multi", string(b[22:]), "comment")
}

func TestEncodeZip64Records(t *testing.T) {
	eocd := encodeZip64EOCD(3, 150, 250, 0)
	assert.Equal(t, 56, len(eocd), "eocd length")
	assert.Equal(t, zip64EOCDSignature, binary.LittleEndian.Uint32(eocd[0:4]), "eocd signature")
	assert.Equal(t, uint64(44), binary.LittleEndian.Uint64(eocd[4:12]), "record size")
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(eocd[24:32]), "entries")
	assert.Equal(t, uint64(150), binary.LittleEndian.Uint64(eocd[40:48]), "cd size")
	assert.Equal(t, uint64(250), binary.LittleEndian.Uint64(eocd[48:56]), "cd offset")

	loc := encodeZip64Locator(400)
	assert.Equal(t, 20, len(loc), "locator length")
	assert.Equal(t, zip64LocatorSignature, binary.LittleEndian.Uint32(loc[0:4]), "locator signature")
	assert.Equal(t, uint64(400), binary.LittleEndian.Uint64(loc[8:16]), "locator offset")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(loc[16:20]), "disks")
}

func TestExtraFieldLengths(t *testing.T) {
	assert.Len(t, appendExtTimestamp(nil, time.Now()), 9, "extended timestamp")
	assert.Len(t, appendNTFSTimestamp(nil, time.Now()), 36, "ntfs")
	assert.Len(t, appendAESExtra(nil, 3, MethodDeflate), 11, "aes")
	assert.Len(t, appendZip64Local(nil, true, 1, 1), 20, "zip64 local")
}

func TestTimeToDOS(t *testing.T) {
	date, tm := timeToDOS(time.Date(2001, 11, 21, 13, 14, 59, 0, time.UTC))
	assert.Equal(t, uint16((2001-1980)<<9|11<<5|21), date, "date")
	assert.Equal(t, uint16(13<<11|14<<5|29), tm, "seconds quantized to even")

	date, _ = timeToDOS(time.Time{})
	assert.Equal(t, uint16(1<<5|1), date, "zero time clamps to 1980")
}

func TestMustFlagUTF8(t *testing.T) {
	assert.False(t, mustFlagUTF8("plain.txt"), "ascii")
	assert.True(t, mustFlagUTF8("päck.txt"), "umlaut")
	assert.True(t, mustFlagUTF8("日本語.txt"), "cjk")
	assert.False(t, mustFlagUTF8(string([]byte{0xff, 0xfe})), "invalid utf8")
}
