package zipstream

import (
	"os"
	"time"
)

// pathInfo wraps FileInfo so Name() reports the archive-relative path
// instead of the basename, which keeps the ingestion API small.
type pathInfo struct {
	os.FileInfo
	path string
}

// Name returns the full path.
func (p *pathInfo) Name() string {
	return p.path
}

// Info describes an in-memory file for ingestion without touching disk.
type Info struct {
	Name     string
	Size     int64
	Mode     os.FileMode
	Modified time.Time
	Dir      bool
}

// FileInfo returns the info wrapped as an os.FileInfo.
func (i Info) FileInfo() os.FileInfo {
	return &fileInfo{i}
}

// fileInfo adapts Info to the os.FileInfo interface.
type fileInfo struct {
	info Info
}

func (i *fileInfo) Name() string       { return i.info.Name }
func (i *fileInfo) Size() int64        { return i.info.Size }
func (i *fileInfo) Mode() os.FileMode  { return i.info.Mode }
func (i *fileInfo) ModTime() time.Time { return i.info.Modified }
func (i *fileInfo) IsDir() bool        { return i.info.Dir }
func (i *fileInfo) Sys() interface{}   { return nil }
