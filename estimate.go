package zipstream

import (
	"github.com/pkg/errors"
)

// FileSpec declares one entry for size estimation: everything that
// determines its byte layout, with no payload.
type FileSpec struct {
	Name string

	// UncompressedSize is the exact payload length.
	UncompressedSize uint64

	// CompressedSize is the predicted deflated length, before cipher
	// framing. Required when Level > 0; ignored for stored entries, whose
	// compressed size equals the uncompressed size.
	CompressedSize uint64

	Level     int
	Comment   string
	Directory bool

	NoExtendedTimestamp bool
	NTFSTimestamp       bool
	NoDataDescriptor    bool
	Zip64               bool

	Password    string
	ZipCrypto   bool
	AESStrength int
}

// EstimateStreamSize computes the exact byte count of the archive that a
// ZipWriter with the same options would produce for files. It runs the
// real record encoders over synthetic layouts, so for stored entries of
// known size the result matches the emitted archive byte for byte.
func EstimateStreamSize(opts *ArchiveOptions, files []FileSpec) (uint64, error) {
	if opts == nil {
		opts = &ArchiveOptions{}
	}
	est := &estimator{opts: opts}
	for i := range files {
		if err := est.add(&files[i]); err != nil {
			return 0, err
		}
	}
	return est.total(opts.Comment)
}

// EstimateStreamSize computes the final size of this archive: the bytes
// already emitted for committed entries, plus any extra declared files,
// plus the central directory and end records Close will write. It must be
// called while no Add is in flight and before Close.
func (w *ZipWriter) EstimateStreamSize(extra ...FileSpec) (uint64, error) {
	w.mu.Lock()
	closed := w.closed
	entries := append([]*entry(nil), w.entries...)
	w.mu.Unlock()

	if closed {
		return 0, errors.Wrap(ErrEstimation, "archive already closed")
	}
	est := &estimator{opts: &w.opts, cursor: w.cursorNow()}
	for _, e := range entries {
		if e.currentState() != stateCommitted {
			return 0, errors.Wrapf(ErrEstimation, "entry %s still in flight", e.lay.name)
		}
		est.lays = append(est.lays, &e.lay)
	}
	for i := range extra {
		if err := est.add(&extra[i]); err != nil {
			return 0, err
		}
	}
	return est.total(w.opts.Comment)
}

// estimator accumulates entry layouts over a running offset cursor, which
// per-entry ZIP64 promotion depends on.
type estimator struct {
	opts   *ArchiveOptions
	cursor uint64
	lays   []*layout
}

// add sizes one declared file and advances the cursor by its local
// header, payload and descriptor.
func (est *estimator) add(f *FileSpec) error {
	if f.Name == "" {
		return errors.Wrap(ErrInvalidArgument, "empty entry name")
	}
	if len(f.Name) > 0xffff {
		return errors.Wrapf(ErrInvalidArgument, "entry name is %d bytes", len(f.Name))
	}
	if len(f.Comment) > 0xffff {
		return errors.Wrapf(ErrInvalidArgument, "entry comment is %d bytes", len(f.Comment))
	}
	if f.Level < 0 || f.Level > 9 {
		return errors.Wrapf(ErrInvalidArgument, "compression level %d", f.Level)
	}

	name := f.Name
	dir := f.Directory || name[len(name)-1] == '/'
	if dir && name[len(name)-1] != '/' {
		name += "/"
	}

	lay := layout{
		name:          name,
		comment:       f.Comment,
		directory:     dir,
		level:         f.Level,
		method:        MethodStore,
		extTimestamp:  !est.opts.NoExtendedTimestamp && !f.NoExtendedTimestamp,
		ntfs:          est.opts.NTFSTimestamp || f.NTFSTimestamp,
		descriptor:    !dir && !est.opts.NoDataDescriptor && !f.NoDataDescriptor,
		forcedZip64:   est.opts.Zip64 || f.Zip64,
		split:         est.opts.SplitArchive,
		msdos:         est.opts.MSDOSCompatible,
		sizeKnown:     true,
		unc:           f.UncompressedSize,
		versionFloor:  est.opts.Version,
		versionMadeBy: est.opts.VersionMadeBy,
	}
	if lay.level > 0 {
		lay.method = MethodDeflate
	}
	if !dir {
		if _, legacy, strength := resolveEncryption(est.opts, &EntryOptions{
			Password:    f.Password,
			ZipCrypto:   f.ZipCrypto,
			AESStrength: f.AESStrength,
		}); strength > 0 || legacy {
			lay.zipCrypto = legacy
			lay.aes = !legacy
			lay.aesStrength = strength
		}
	}
	lay.resolve()

	switch {
	case dir:
		lay.sizeKnown, lay.unc, lay.comp = true, 0, 0
	case lay.level == 0:
		lay.comp = lay.unc + lay.encOverhead()
	default:
		if f.CompressedSize == 0 {
			return errors.Wrapf(ErrUnknownSize, "entry %s compresses at level %d", name, f.Level)
		}
		lay.comp = f.CompressedSize + lay.encOverhead()
		// A streaming header without a ZIP64 reservation cannot absorb a
		// compressed size that overflows it.
		if lay.descriptor && lay.comp > limit32 && !lay.forcedZip64 && lay.unc <= limit32 {
			return errors.Wrapf(ErrEstimation, "entry %s needs zip64 for its compressed size", name)
		}
	}

	lay.offset = est.cursor
	lay.first = est.cursor == 0

	est.cursor += uint64(len(encodeLocalHeader(&lay))) + lay.comp
	if lay.descriptor {
		est.cursor += uint64(len(encodeDescriptor(&lay)))
	}
	est.lays = append(est.lays, &lay)
	return nil
}

// total closes the books: central directory, ZIP64 records when the
// archive requires them, and the end record with the comment.
func (est *estimator) total(comment string) (uint64, error) {
	if len(comment) > 0xffff {
		return 0, errors.Wrapf(ErrInvalidArgument, "archive comment is %d bytes", len(comment))
	}

	cdOffset := est.cursor
	var cdSize uint64
	zip64 := est.opts.Zip64
	for _, lay := range est.lays {
		if lay.zip64() {
			zip64 = true
		}
		cdSize += uint64(len(encodeCentralHeader(lay)))
	}
	if len(est.lays) > limit16 || cdSize > limit32 || cdOffset > limit32 {
		zip64 = true
	}

	total := cdOffset + cdSize + 22 + uint64(len(comment))
	if zip64 {
		total += 56 + 20
	}
	return total, nil
}
