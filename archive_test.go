package zipstream

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tj/assert"
)

// writeTree lays out a small directory tree for ingestion tests.
func writeTree(t *testing.T) string {
	dir := t.TempDir()

	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0755), "mkdir")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644), "main.go")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, ".envrc"), []byte("export X=1\n"), 0644), ".envrc")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "static", "index.html"), []byte("<html></html>\n"), 0644), "index.html")
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "static", "style.css"), []byte("body {}\n"), 0644), "style.css")

	return dir
}

func TestArchive_addDir(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf, &ArchiveOptions{Pool: testPool(t)})

	assert.NoError(t, a.AddDir(context.Background(), writeTree(t)), "add dir")
	assert.NoError(t, a.Close(), "close")

	r := reopen(t, buf.Bytes())
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["main.go"], "main.go")
	assert.True(t, names[".envrc"], ".envrc")
	assert.True(t, names[filepath.Join("static", "index.html")], "index.html")
	assert.True(t, names[filepath.Join("static", "style.css")], "style.css")

	for _, f := range r.File {
		if f.Name == "main.go" {
			assert.Equal(t, "package main\n", string(extract(t, f)), "contents")
		}
	}
}

func TestArchive_filter(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf, &ArchiveOptions{Pool: testPool(t)}).WithFilter(FilterDotfiles)

	assert.NoError(t, a.AddDir(context.Background(), writeTree(t)), "add dir")
	assert.NoError(t, a.Close(), "close")

	r := reopen(t, buf.Bytes())
	for _, f := range r.File {
		assert.False(t, strings.HasPrefix(filepath.Base(f.Name), "."), f.Name)
	}
	assert.Len(t, r.File, 3, "dotfiles filtered")
}

func TestArchive_transform(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf, &ArchiveOptions{Pool: testPool(t)})

	a.WithTransform(TransformFunc(func(r io.Reader, i os.FileInfo) (io.Reader, os.FileInfo) {
		upper := strings.ToUpper(i.Name())
		return r, Info{
			Name:     upper,
			Size:     i.Size(),
			Mode:     i.Mode(),
			Modified: i.ModTime(),
			Dir:      i.IsDir(),
		}.FileInfo()
	}))

	assert.NoError(t, a.AddDir(context.Background(), writeTree(t)), "add dir")
	assert.NoError(t, a.Close(), "close")

	r := reopen(t, buf.Bytes())
	for _, f := range r.File {
		assert.Equal(t, strings.ToUpper(f.Name), f.Name, "upper-cased names")
	}
}

func TestArchive_addInMemory(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf, &ArchiveOptions{Pool: testPool(t)}).WithLevel(0)

	payload := "in memory contents"
	meta, err := a.Add(context.Background(), Info{
		Name: "mem.txt",
		Size: int64(len(payload)),
	}.FileInfo(), strings.NewReader(payload))
	assert.NoError(t, err, "add")
	assert.Equal(t, uint64(len(payload)), meta.UncompressedSize, "size")

	assert.NoError(t, a.Close(), "close")
	assert.Equal(t, payload, string(extract(t, reopen(t, buf.Bytes()).File[0])), "payload")
}

func TestArchive_stats(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf, &ArchiveOptions{Pool: testPool(t)})

	assert.NoError(t, a.AddDir(context.Background(), writeTree(t)), "add dir")
	assert.NoError(t, a.Close(), "close")

	stats := a.Stats()
	assert.Equal(t, int64(4), stats.EntriesAdded, "entries")
	assert.True(t, stats.SizeUncompressed > 0, "uncompressed size")
	assert.True(t, stats.BytesWritten > 0, "bytes written")
}
