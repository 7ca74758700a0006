package fileserve

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/mbenkmann/golib/util"

	"github.com/mbenkmann/gtkg-transport/byterange"
	"github.com/mbenkmann/gtkg-transport/httpstatus"
	"github.com/mbenkmann/gtkg-transport/httpwire"
)

// Server answers HTTP/1.1 GET and HEAD requests for the tree held by a
// Manager, writing response heads through an httpstatus.Builder and
// negotiating partial transfers through byterange, rather than through
// net/http's own response writer.
type Server struct {
	Manager  *Manager
	Builder  *httpstatus.Builder
	Hostname string
	Cache    *rangeCache

	// ShowRanges, when true, advertises X-Available-Ranges on 200/206
	// responses whenever Builder.Send passes FlagShowRanges (keep-alive
	// replies); the 416 reply carries no such header.
	ShowRanges bool
}

// NewServer builds a Server over m, stamping responses with hostname and
// timestamping them via now (UTC, injected so tests can fix the clock).
func NewServer(m *Manager, hostname string, startTime time.Time, now func() time.Time) *Server {
	return &Server{
		Manager:  m,
		Hostname: hostname,
		Cache:    newRangeCache(),
		Builder: &httpstatus.Builder{
			Version:      "gtkg-transport/fileserve",
			VersionShort: "gtkg-transport",
			Token:        "fileserve",
			TokenShort:   "fs",
			StartTime:    startTime,
			Now:          now,
		},
	}
}

// Serve accepts connections from ln until it returns an error, handling
// each on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		requestLine, err := tp.ReadLine()
		if err != nil {
			return
		}
		if requestLine == "" {
			continue
		}

		method, reqPath, ok := splitRequestLine(requestLine)
		if !ok {
			s.Builder.Send(conn, 400, false, nil, "Bad Request")
			return
		}
		major, minor, ok := httpwire.ExtractRequestVersion(requestLine)
		if !ok {
			major, minor = 1, 0
		}

		header, err := tp.ReadMIMEHeader()
		if err != nil && err != io.EOF {
			s.Builder.Send(conn, 400, false, nil, "Bad Request")
			return
		}

		keepAlive := major > 1 || (major == 1 && minor >= 1)
		if strings.EqualFold(header.Get("Connection"), "close") {
			keepAlive = false
		}
		if strings.EqualFold(header.Get("Connection"), "keep-alive") {
			keepAlive = true
		}

		if !s.serveOne(conn, method, reqPath, header, keepAlive) {
			return
		}
		if !keepAlive {
			return
		}
	}
}

// serveOne answers a single request on conn and reports whether the
// connection should remain open for another request.
func (s *Server) serveOne(conn net.Conn, method, reqPath string, header textproto.MIMEHeader, keepAlive bool) bool {
	switch method {
	case "GET", "HEAD":
	default:
		extras := []httpstatus.Extra{{Kind: httpstatus.ExtraLine, Line: "Allow: GET, HEAD\r\n"}}
		ok, _ := s.Builder.Send(conn, 405, keepAlive, extras, "Method Not Allowed")
		return ok && keepAlive
	}

	if i := strings.IndexByte(reqPath, '?'); i >= 0 {
		reqPath = reqPath[:i]
	}

	x, ok := s.Manager.Lookup(reqPath)
	if !ok {
		util.Log(1, "404 %s %s", method, reqPath)
		sok, _ := s.Builder.Send(conn, 404, keepAlive, nil, "Not Found")
		return sok && keepAlive
	}

	etag := fmt.Sprintf("%d", x.Id)
	if inm := header.Get("If-None-Match"); inm != "" && (inm == etag || inm == "*") {
		sok, _ := s.Builder.Send(conn, 304, keepAlive, nil, "Not Modified")
		return sok && keepAlive
	}
	if ims := header.Get("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(time.RFC1123, ims); err == nil && !x.Info.ModTime().After(t.Add(time.Second)) {
			sok, _ := s.Builder.Send(conn, 304, keepAlive, nil, "Not Modified")
			return sok && keepAlive
		}
	}

	acceptsGzip := false
	for _, v := range header["Accept-Encoding"] {
		for _, enc := range strings.Split(v, ",") {
			if strings.TrimSpace(enc) == "gzip" {
				acceptsGzip = true
			}
		}
	}

	stream, gzipped, err := x.GetStream(acceptsGzip)
	if err != nil {
		util.Log(0, "fileserve: GetStream %s: %v", reqPath, err)
		s.Builder.Send(conn, 500, false, nil, "Internal Server Error")
		return false
	}
	defer stream.Close()

	size := int64(-1)
	if seeker, canSeek := stream.(io.Seeker); canSeek {
		if n, err := seeker.Seek(0, io.SeekEnd); err == nil {
			size = n
			seeker.Seek(0, io.SeekStart)
		}
	}

	var body io.Reader = stream
	sendSize := size
	code := 200
	var contentRange string

	if size >= 0 {
		if ranges := byterange.Parse("Range", header.Get("Range"), uint64(size), "client"); len(ranges) == 1 {
			ra := ranges[0]
			if seeker, canSeek := stream.(io.Seeker); canSeek {
				seeker.Seek(int64(ra.Start), io.SeekStart)
			} else if err := skip(stream, int64(ra.Start)); err != nil {
				sok, _ := s.Builder.Send(conn, 416, keepAlive, nil, "Requested Range Not Satisfiable")
				return sok && keepAlive
			}
			code = 206
			sendSize = int64(ra.Len())
			contentRange = ra.ContentRange(uint64(size))
			s.Cache.Observe(x.Id, ra.Start, ra.End)
		} else if size > 0 {
			s.Cache.Observe(x.Id, 0, uint64(size)-1)
		}
	}

	if sendSize < 0 {
		keepAlive = false
	}

	mime := mimeType(reqPath)
	extras := []httpstatus.Extra{
		{Kind: httpstatus.ExtraLine, Line: "Content-Type: " + mime + "\r\n"},
		{Kind: httpstatus.ExtraLine, Line: "ETag: " + etag + "\r\n"},
		{Kind: httpstatus.ExtraLine, Line: "Last-Modified: " + x.Info.ModTime().UTC().Format(time.RFC1123) + "\r\n"},
	}
	if gzipped {
		extras = append(extras, httpstatus.Extra{Kind: httpstatus.ExtraLine, Line: "Content-Encoding: gzip\r\n"})
	}
	if size >= 0 {
		extras = append(extras, httpstatus.Extra{Kind: httpstatus.ExtraLine, Line: "Accept-Ranges: bytes\r\n"})
	}
	if contentRange != "" {
		extras = append(extras, httpstatus.Extra{Kind: httpstatus.ExtraLine, Line: "Content-Range: " + contentRange + "\r\n"})
	}
	if sendSize >= 0 {
		extras = append(extras, httpstatus.Extra{Kind: httpstatus.ExtraLine, Line: fmt.Sprintf("Content-Length: %d\r\n", sendSize)})
	}
	if s.ShowRanges {
		id := x.Id
		srv := s
		extras = append(extras, httpstatus.Extra{
			Kind: httpstatus.ExtraCallback,
			Callback: func(buf []byte, flags httpstatus.Flags) int {
				if flags&httpstatus.FlagShowRanges == 0 {
					return 0
				}
				line := "X-Available-Ranges: " + srv.Cache.Available(id).String() + "\r\n"
				if len(line) > len(buf) {
					return 0
				}
				return copy(buf, line)
			},
		})
	}
	extras = append(extras, httpstatus.HostnameExtra(s.Hostname))

	reason := "OK"
	if code == 206 {
		reason = "Partial Content"
	}
	util.Log(0, "%d %s %s (ETag: %s, Content-Type: %s)", code, method, reqPath, etag, mime)
	sok, werr := s.Builder.Send(conn, code, keepAlive, extras, reason)
	if werr != nil || !sok {
		return false
	}

	if method != "HEAD" {
		if sendSize >= 0 {
			io.CopyN(conn, body, sendSize)
		} else {
			io.Copy(conn, body)
		}
	}

	return keepAlive
}

func splitRequestLine(line string) (method, path string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// skip discards howmany bytes from r, for non-seekable streams (the
// decompressed-on-the-fly path) honoring a byte-range request.
func skip(r io.Reader, howmany int64) error {
	var buf [32 * 1024]byte
	for howmany > 0 {
		n := int64(len(buf))
		if howmany < n {
			n = howmany
		}
		read, err := r.Read(buf[:n])
		if read <= 0 && err != nil {
			return err
		}
		howmany -= int64(read)
	}
	return nil
}
