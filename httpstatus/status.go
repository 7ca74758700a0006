/*
Copyright (c) 2016 Matthias S. Benkmann

This program is free software; you can redistribute it and/or
modify it under the terms of the GNU General Public License
as published by the Free Software Foundation; version 3
of the License (ONLY this version).

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.
*/

// Package httpstatus formats outgoing HTTP/1.1 response heads with
// back-pressure-aware header shaping: the maximum emitted header length
// shrinks under saturation and for error classes, callback-contributed
// extras are clipped rather than allowed to overrun the buffer, and any
// overflow reverts to the minimal head instead of emitting a truncated
// header.
package httpstatus

import (
	"fmt"
	"time"

	"github.com/mbenkmann/golib/util"
)

// Flags is the bitmask passed to callback extras, mirroring the
// HTTP_CBF_* constants of the original implementation.
type Flags uint32

const (
	FlagSaturated Flags = 1 << iota
	FlagBusySignal
	FlagShowRanges
	FlagSmallReply
)

// ExtraKind selects how a Extra contributes to the response head.
type ExtraKind int

const (
	ExtraLine ExtraKind = iota
	ExtraBody
	ExtraCallback
)

// Extra describes one thing to splice into the header, valid only for
// the duration of a single Send call.
type Extra struct {
	Kind ExtraKind

	// Line is the literal text appended for ExtraLine (must already
	// include its own "\r\n").
	Line string

	// Body is the inline response body for ExtraBody; Content-Length is
	// derived from it automatically. Empty means "no body".
	Body string

	// Callback is invoked with a slice of at most the remaining header
	// room and the flags mask for the current response; it must return
	// the number of bytes it wrote, which must be <= len(buf). It may be
	// called again on a later Send, so it must not retain buf.
	Callback func(buf []byte, flags Flags) int
}

// Writer is the minimal sink Send requires: a single non-blocking,
// possibly partial write.
type Writer interface {
	Write(p []byte) (n int, err error)
}

// Saturator is implemented optionally by a Writer to report outbound
// bandwidth saturation; when absent, Send behaves as if never saturated.
type Saturator interface {
	Saturated() bool
}

const maxHeaderSize = 2560

// Builder holds the connection-independent inputs send_status used to
// take as globals: the vendor version strings, the vendor token, and the
// server's start time and clock, injected so callers never let the core
// read global time directly.
type Builder struct {
	Version      string
	VersionShort string
	Token        string
	TokenShort   string
	StartTime    time.Time
	Now          func() time.Time
}

// Send writes a single HTTP/1.1 response head (and optional body) to w.
// It returns true iff the entire sequence left the write side; a short
// or failed write returns false (with an error only on a hard failure,
// never on a short write, matching the original's non-blocking
// best-effort semantics).
func (b *Builder) Send(w Writer, code int, keepAlive bool, extras []Extra, reasonFmt string, args ...interface{}) (bool, error) {
	status := fmt.Sprintf(reasonFmt, args...)
	if len(status) > 511 {
		status = status[:511]
	}

	saturated := false
	if s, ok := w.(Saturator); ok {
		saturated = s.Saturated()
	}

	cbFlags := Flags(0)
	if saturated {
		cbFlags |= FlagSaturated
	}
	if code == 503 {
		cbFlags |= FlagBusySignal
	}

	headerSize := maxHeaderSize
	switch {
	case code >= 500 && code <= 599:
		headerSize = 1024
	case code >= 400 && code <= 499:
		headerSize = 512
	}

	if keepAlive {
		if code == 416 {
			headerSize = maxHeaderSize
			cbFlags |= FlagShowRanges
		} else if code >= 200 && code <= 299 {
			cbFlags |= FlagShowRanges
		}
	}

	var xlive, version, token string
	if saturated && code >= 300 {
		version = b.VersionShort
		token = b.TokenShort
		headerSize = 512
		cbFlags |= FlagSmallReply
	} else {
		xlive = "X-Live-Since: " + b.StartTime.UTC().Format(time.RFC1123) + "\r\n"
		version = b.Version
		token = b.Token
	}

	var body string
	for _, e := range extras {
		if e.Kind == ExtraBody && e.Body != "" {
			body = e.Body
			break
		}
	}

	noContent := "Content-Length: 0\r\n"
	if code < 300 || !keepAlive || body != "" {
		noContent = ""
	}

	connClose := "Connection: close\r\n"
	if keepAlive {
		connClose = ""
	}

	var tokenLine string
	if token != "" {
		tokenLine = "X-Token: " + token + "\r\n"
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	date := now().UTC().Format(time.RFC1123)

	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nServer: %s\r\nDate: %s\r\n%s%s%s%s",
		code, status, version, date, connClose, tokenLine, xlive, noContent)

	buf := make([]byte, 0, headerSize)
	buf = appendTruncated(buf, headerSize, head)
	minimal := len(buf)

	for _, e := range extras {
		if len(buf)+3 >= headerSize {
			break
		}
		switch e.Kind {
		case ExtraBody:
			// Content-Length for the body is emitted below; nothing here.
		case ExtraLine:
			buf = appendTruncated(buf, headerSize, e.Line)
		case ExtraCallback:
			room := headerSize - len(buf)
			if room <= 0 {
				continue
			}
			scratch := make([]byte, room)
			n := e.Callback(scratch, cbFlags)
			if n < 0 || n > room {
				panic("httpstatus: callback extra wrote outside its buffer")
			}
			buf = append(buf, scratch[:n]...)
		}
	}

	if body != "" {
		buf = appendTruncated(buf, headerSize, fmt.Sprintf("Content-Length: %d\r\n", len(body)))
	}

	if len(buf) < headerSize {
		buf = appendTruncated(buf, headerSize, "\r\n")
	}

	if body != "" {
		buf = appendTruncated(buf, headerSize, body)
	}

	if len(buf) >= headerSize && len(extras) > 0 {
		util.Log(1, "HTTP status %d (%s) too big, ignoring extra information", code, status)
		buf = buf[:minimal]
		buf = appendTruncated(buf, headerSize, "\r\n")
	}

	n, err := w.Write(buf)
	if err != nil {
		return false, err
	}
	if n < len(buf) {
		return false, nil
	}
	return true, nil
}

func appendTruncated(buf []byte, capSize int, s string) []byte {
	room := capSize - len(buf)
	if room <= 0 {
		return buf
	}
	if len(s) > room {
		s = s[:room]
	}
	return append(buf, s...)
}

// HostnameExtra returns a callback Extra that emits an X-Hostname header
// naming the fully qualified hostname, unless the reply has been shrunk
// by FlagSmallReply.
func HostnameExtra(hostname string) Extra {
	return Extra{
		Kind: ExtraCallback,
		Callback: func(buf []byte, flags Flags) int {
			if flags&FlagSmallReply != 0 {
				return 0
			}
			line := "X-Hostname: " + hostname + "\r\n"
			if len(line) > len(buf) {
				return 0
			}
			return copy(buf, line)
		},
	}
}
