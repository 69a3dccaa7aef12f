package zipstream

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Transformer is the interface used to transform files as they are
// ingested. The file info is accepted as-is, so if you alter the reader
// contents you must provide an appropriate .Size and so on.
type Transformer interface {
	Transform(io.Reader, os.FileInfo) (io.Reader, os.FileInfo)
}

// TransformFunc implements the Transformer interface.
type TransformFunc func(io.Reader, os.FileInfo) (io.Reader, os.FileInfo)

// Transform implementation.
func (f TransformFunc) Transform(r io.Reader, i os.FileInfo) (io.Reader, os.FileInfo) {
	return f(r, i)
}

// Archive ingests filesystem trees into a ZipWriter, with filtering and
// transformation along the way.
type Archive struct {
	filter    Filter
	transform Transformer
	level     int
	log       log.Interface
	zw        *ZipWriter
}

// NewArchive returns an archive writing to w.
func NewArchive(w io.Writer, opts *ArchiveOptions) *Archive {
	zw := NewZipWriter(w, opts)
	return &Archive{
		level: 6,
		log:   zw.log,
		zw:    zw,
	}
}

// Writer returns the underlying ZipWriter.
func (a *Archive) Writer() *ZipWriter {
	return a.zw
}

// Stats returns stats about the archive.
func (a *Archive) Stats() *Stats {
	return a.zw.Stats()
}

// WithFilter adds a filter.
func (a *Archive) WithFilter(f Filter) *Archive {
	a.filter = f
	return a
}

// WithTransform adds a transform.
func (a *Archive) WithTransform(t Transformer) *Archive {
	a.transform = t
	return a
}

// WithLevel sets the compression level for ingested files.
func (a *Archive) WithLevel(level int) *Archive {
	a.level = level
	return a
}

// AddDir adds a directory recursively.
func (a *Archive) AddDir(ctx context.Context, root string) error {
	return filepath.Walk(root, func(abspath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		path, err := filepath.Rel(root, abspath)
		if err != nil {
			return err
		}
		path = filepath.Clean(path)

		if path == "." {
			return nil
		}

		info = &pathInfo{info, path}
		if a.filter != nil && a.filter.Match(info) {
			a.log.Debugf("filtered %s – %d", info.Name(), info.Size())

			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(abspath)
			if err != nil {
				return errors.Wrap(err, "reading symlink")
			}

			_, err = a.zw.Add(ctx, path, strings.NewReader(link), &EntryOptions{
				KnownSize:        true,
				UncompressedSize: uint64(len(link)),
				Modified:         info.ModTime(),
			})
			return errors.Wrap(err, "adding symlink")
		}

		f, err := os.Open(abspath)
		if err != nil {
			return errors.Wrap(err, "opening file")
		}
		defer f.Close()

		var r io.Reader = f
		if a.transform != nil {
			r, info = a.transform.Transform(r, info)
		}

		if _, err := a.Add(ctx, info, r); err != nil {
			return errors.Wrap(err, "adding file")
		}

		return nil
	})
}

// Add a file from its info and contents.
func (a *Archive) Add(ctx context.Context, info os.FileInfo, r io.Reader) (*EntryMetadata, error) {
	a.log.Debugf("add %s: size=%d mode=%s", info.Name(), info.Size(), info.Mode())
	return a.zw.Add(ctx, info.Name(), r, &EntryOptions{
		Directory:        info.IsDir(),
		KnownSize:        !info.IsDir(),
		UncompressedSize: uint64(info.Size()),
		Level:            a.level,
		Modified:         info.ModTime(),
	})
}

// Close the archive.
func (a *Archive) Close() error {
	a.log.Debug("close")
	return a.zw.Close()
}
