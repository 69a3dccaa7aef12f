package zipstream

import (
	"context"
	"time"

	"github.com/apex/log"
)

// ArchiveOptions configure a ZipWriter. The zero value is a usable default:
// ordered output, data descriptors, extended timestamps, no encryption.
type ArchiveOptions struct {
	// Zip64 forces ZIP64 records for every entry and for the archive tail,
	// even when sizes and offsets would fit in 32 bits.
	Zip64 bool

	// Unordered lets entries reach the output in completion order instead
	// of Add order. The central directory records Add order either way.
	Unordered bool

	// NoDataDescriptor disables the trailing data descriptor. Entries are
	// then spooled before their local header is written so the header can
	// carry the final CRC-32 and sizes.
	NoDataDescriptor bool

	// NoExtendedTimestamp drops the 0x5455 extended timestamp extra field.
	NoExtendedTimestamp bool

	// NTFSTimestamp adds the 0x000a NTFS timestamp extra field.
	NTFSTimestamp bool

	// MSDOSCompatible sets the FAT archive attribute on file entries.
	MSDOSCompatible bool

	// SplitArchive marks the archive as split across disks. Only the ZIP64
	// extra field accounting is affected; output is still a single stream.
	SplitArchive bool

	// Version overrides the minimum "version needed to extract". Zero
	// selects it automatically (20 baseline, 45 ZIP64, 51 AES).
	Version uint16

	// VersionMadeBy overrides the "version made by" field. Zero means 20.
	VersionMadeBy uint16

	// Comment is the archive comment written by Close. At most 65,535 bytes.
	Comment string

	// Password enables encryption for every entry that does not set its
	// own. WinZIP AES unless ZipCrypto is set.
	Password string

	// ZipCrypto selects the legacy PKWARE cipher instead of WinZIP AES.
	ZipCrypto bool

	// AESStrength selects the AES key size: 1 = 128, 2 = 192, 3 = 256.
	// Zero means 256.
	AESStrength int

	// Modified is the default modification time for entries. Zero means
	// the time of each Add call.
	Modified time.Time

	// BufferedFrames bounds how many compressed frames an entry may hold
	// back while waiting for its turn on the sink. Zero means 16.
	BufferedFrames int

	// Context cancels the whole archive. Nil means context.Background().
	Context context.Context

	// Pool overrides the shared worker pool, mainly for tests.
	Pool *WorkerPool

	// Log overrides the logger. Nil means log.Log.
	Log log.Interface
}

// EntryOptions configure a single Add call. The zero value stores the entry
// uncompressed with a data descriptor and the archive-level defaults.
type EntryOptions struct {
	// Comment is recorded in the central directory. At most 65,535 bytes.
	Comment string

	// Directory marks the entry as a directory. Names ending in "/" are
	// treated as directories regardless.
	Directory bool

	// KnownSize declares that UncompressedSize holds the exact number of
	// bytes the reader will produce. A mismatch fails the entry.
	KnownSize bool

	// UncompressedSize is the declared size. Only read when KnownSize.
	UncompressedSize uint64

	// Level is the compression level: 0 stores, 1-9 deflate.
	Level int

	// Password enables encryption for this entry.
	Password string

	// ZipCrypto selects the legacy cipher for this entry.
	ZipCrypto bool

	// AESStrength selects the AES key size, as in ArchiveOptions.
	AESStrength int

	// NoExtendedTimestamp drops the extended timestamp for this entry.
	NoExtendedTimestamp bool

	// NTFSTimestamp adds the NTFS timestamp for this entry.
	NTFSTimestamp bool

	// NoDataDescriptor spools this entry instead of using a descriptor.
	NoDataDescriptor bool

	// Zip64 forces ZIP64 records for this entry.
	Zip64 bool

	// PassThrough writes the reader's bytes verbatim, skipping the codec.
	// Method is trusted and CRC32 is used when supplied.
	PassThrough bool

	// Method is the compression method recorded for passthrough entries.
	Method uint16

	// CRC32 is the precomputed checksum for passthrough entries. When nil
	// the checksum is computed while copying.
	CRC32 *uint32

	// Modified is the entry modification time. Zero falls back to the
	// archive default.
	Modified time.Time

	// OnStart, OnProgress and OnEnd are best-effort observability hooks:
	// declared total at start, cumulative input bytes while streaming, and
	// the final uncompressed size at commit.
	OnStart    func(total uint64)
	OnProgress func(written uint64)
	OnEnd      func(size uint64)
}

// directory reports whether the entry is a directory, from the flag or a
// trailing slash on the name.
func (o *EntryOptions) directory(name string) bool {
	return o.Directory || (len(name) > 0 && name[len(name)-1] == '/')
}

// resolveEncryption resolves the effective cipher for an entry against the
// archive defaults. Returns the password, the legacy-cipher flag and the
// AES strength (1-3, 0 when unencrypted or legacy).
func resolveEncryption(a *ArchiveOptions, e *EntryOptions) (password string, legacy bool, strength int) {
	password, legacy, strength = e.Password, e.ZipCrypto, e.AESStrength
	if password == "" {
		password, legacy, strength = a.Password, a.ZipCrypto, a.AESStrength
	}
	if password == "" {
		return "", false, 0
	}
	if legacy {
		return password, true, 0
	}
	if strength < 1 || strength > 3 {
		strength = 3
	}
	return password, false, strength
}
