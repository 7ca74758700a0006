package fileserve

import (
	"mime"
	"strings"
)

// extraMIMETypes covers a handful of extensions common on a Debian-style
// repository mirror (the motivating use case for the teacher this package
// is adapted from) that Go's mime package does not register by default.
//
// There is no third-party MIME-table dependency anywhere in the retrieval
// pack (the teacher resolved this itself via a hand-maintained extension
// map in its linux package, which the original_source build did not
// carry over into this retrieval), so this stays on the standard
// library's mime.TypeByExtension with a small literal fallback table,
// exactly mirroring the teacher's own ".tgz fallback" special case.
var extraMIMETypes = map[string]string{
	".deb": "application/vnd.debian.binary-package",
	".udeb": "application/vnd.debian.binary-package",
	".tgz": "application/x-gtar",
	".xz":  "application/x-xz",
}

// mimeType returns the MIME type for a cleaned request path, falling
// back to a small literal table and finally to application/octet-stream,
// and appending a UTF-8 charset for text/* types the way the teacher's
// ServeHTTP did.
func mimeType(cleanPath string) string {
	ext := extension(cleanPath)
	m := mime.TypeByExtension(ext)
	if m == "" {
		m = extraMIMETypes[ext]
	}
	if m == "" {
		switch {
		case strings.HasSuffix(cleanPath, ".tar.gz"), strings.HasSuffix(cleanPath, ".tar.xz"), strings.HasSuffix(cleanPath, ".tar.bz2"):
			m = extraMIMETypes[".tgz"]
		default:
			m = "application/octet-stream"
		}
	}
	if strings.HasPrefix(m, "text/") && !strings.Contains(m, "charset") {
		m += "; charset=UTF-8"
	}
	return m
}

func extension(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return p[i:]
}
