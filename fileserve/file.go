// Package fileserve is the upload/download serving surface that exercises
// httpstatus and byterange end to end against a real listener, the way
// spec.md's §1 treats "upload/download serving" as an external collaborator
// rather than part of the standardized core.
package fileserve

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"regexp"
	"time"
)

// Handling defines a special rule for files matching a pattern.
type Handling struct {
	// Match is the pattern a file name has to match for this rule to apply.
	Match *regexp.Regexp

	// Hide, if true, means the file is neither served nor listed.
	Hide bool

	// Gzip, if not "", is a replacement pattern (may use backreferences)
	// naming the alias under which the file is additionally served with
	// Content-Encoding: gzip. Has no effect on directories.
	Gzip string
}

// FileInfo is a minimal os.FileInfo for in-memory entries such as gzip
// aliases that have no independent inode of their own.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (f *FileInfo) Name() string       { return f.name }
func (f *FileInfo) Size() int64        { return f.size }
func (f *FileInfo) Mode() os.FileMode  { return f.mode }
func (f *FileInfo) ModTime() time.Time { return f.modTime }
func (f *FileInfo) IsDir() bool        { return f.isDir }
func (*FileInfo) Sys() interface{}     { return nil }

// File is one entry of the tree a Manager serves.
type File struct {
	Info os.FileInfo

	// Id changes whenever the file's contents change; it doubles as the
	// ETag and as the cache key in Cache.
	Id uint64

	// Contents holds the directory listing when Info.IsDir(), including
	// any gzip aliases produced by a matching Handling.
	Contents map[string]*File

	// Gzip is true iff this entry is an alias to be served with
	// Content-Encoding: gzip.
	Gzip bool

	// Data is either the directory path containing this file (string) or
	// its raw bytes held in memory ([]byte).
	Data interface{}
}

// GetStream opens f's content.
//
// keepGzipped selects, for a gzipped entry, whether the caller wants the
// compressed bytes as-is (true) or the decompressed data (false). It has
// no effect when the entry is not gzipped.
func (f *File) GetStream(keepGzipped bool) (stream io.ReadCloser, isGzipped bool, err error) {
	switch data := f.Data.(type) {
	case string:
		stream, err = os.Open(data + "/" + f.Info.Name())
		if err != nil {
			return nil, false, err
		}
	case []byte:
		stream = &bytesReadCloser{bytes.NewReader(data)}
	default:
		panic("fileserve: unexpected File.Data type")
	}

	isGzipped = f.Gzip
	if keepGzipped || !isGzipped {
		return stream, isGzipped, nil
	}
	unzipped, err := newGunzipper(stream)
	if err != nil {
		return nil, false, err
	}
	return unzipped, false, nil
}

type bytesReadCloser struct {
	*bytes.Reader
}

func (*bytesReadCloser) Close() error { return nil }

// gunzipper wraps a gzip.Reader so that closing it also closes the
// underlying compressed stream, unlike a bare gzip.Reader.
type gunzipper struct {
	gunzip io.ReadCloser
	orig   io.Reader
}

func newGunzipper(gzipped io.Reader) (io.ReadCloser, error) {
	g, err := gzip.NewReader(gzipped)
	if err != nil {
		return nil, err
	}
	return &gunzipper{gunzip: g, orig: gzipped}, nil
}

func (g *gunzipper) Read(p []byte) (int, error) { return g.gunzip.Read(p) }

func (g *gunzipper) Close() error {
	err1 := g.gunzip.Close()
	if closer, ok := g.orig.(io.Closer); ok {
		if err2 := closer.Close(); err2 != nil {
			return err2
		}
	}
	return err1
}
