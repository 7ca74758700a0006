package httpasync

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mbenkmann/gtkg-transport/bio"
)

// loopbackScheduler is a minimal bio.Scheduler over net.Conn that never
// throttles and treats readiness as immediate, sufficient to drive the
// engine end to end in tests without a real epoll poller.
type loopbackScheduler struct{}

func (loopbackScheduler) WriteStream(stream bio.Stream, buf []byte) (int, error) {
	return stream.Write(buf)
}

func (loopbackScheduler) ReadStream(stream bio.Stream, buf []byte) (int, error) {
	return stream.Read(buf)
}

func (loopbackScheduler) AddSource(stream bio.Stream, dir bio.Direction, callback func(bio.Condition)) (bio.Handle, error) {
	// Immediate readiness: WriteStream/ReadStream never return
	// ErrWouldBlock here, so this is never actually invoked in tests,
	// but must satisfy the interface.
	return nil, nil
}

func (loopbackScheduler) RemoveSource(h bio.Handle) {}

func (loopbackScheduler) Saturated(dir bio.Direction) bool { return false }

func newTestEngine(t *testing.T, listener net.Listener) *Engine {
	t.Helper()
	e := NewEngine(loopbackScheduler{}, nil)
	e.SetDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial(network, listener.Addr().String())
	})
	return e
}

func serveOnce(t *testing.T, ln net.Listener, response string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.Read(buf) // drain the request
		conn.Write([]byte(response))
	}()
}

func TestEngineGetDeliversHeadersAndBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serveOnce(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	e := newTestEngine(t, ln)

	var mu sync.Mutex
	var gotCode int
	var gotBody bytes.Buffer
	done := make(chan struct{})

	headerInd := func(req *Request, header http.Header, code int, message string) Verdict {
		mu.Lock()
		gotCode = code
		mu.Unlock()
		return Continue
	}
	dataInd := func(req *Request, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if data == nil {
			close(done)
			return
		}
		gotBody.Write(data)
	}
	errorInd := func(req *Request, typ ErrType, detail interface{}) {
		if typ == ErrTypeAsync && detail == Closed {
			return
		}
		t.Errorf("unexpected error: typ=%v detail=%v", typ, detail)
	}

	_, err = e.Get("http://example.invalid/thing", headerInd, dataInd, errorInd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCode != 200 {
		t.Fatalf("code = %d, want 200", gotCode)
	}
	if gotBody.String() != "hello" {
		t.Fatalf("body = %q, want %q", gotBody.String(), "hello")
	}
}

func TestEngineGetRejectsNonHTTPURL(t *testing.T) {
	e := NewEngine(loopbackScheduler{}, nil)
	_, err := e.Get("ftp://example.invalid/", nil, nil, func(*Request, ErrType, interface{}) {})
	if err == nil {
		t.Fatal("expected an error for a non-http URL")
	}
}

func TestEngineCancelFiresExactlyOneCancelledError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Never respond; the request is sent and then sits in REQ_SENT waiting
	// for the response headers.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	e := newTestEngine(t, ln)

	var calls int
	var mu sync.Mutex
	errorInd := func(req *Request, typ ErrType, detail interface{}) {
		mu.Lock()
		calls++
		mu.Unlock()
		if typ != ErrTypeAsync || detail != Cancelled {
			t.Errorf("unexpected error report: typ=%v detail=%v", typ, detail)
		}
	}

	req, err := e.Get("http://example.invalid/thing", nil, nil, errorInd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	req.Cancel()
	req.Cancel() // second cancel must be a no-op

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("errorInd called %d times, want exactly 1", calls)
	}
}

func TestEngineFollowsRedirectTransparently(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer target.Close()
	serveOnce(t, target, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")

	redirector, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer redirector.Close()
	serveOnce(t, redirector, "HTTP/1.1 301 Moved Permanently\r\nLocation: http://"+target.Addr().String()+"/thing\r\nContent-Length: 0\r\n\r\n")

	e := newTestEngine(t, redirector)
	// The redirect target is a distinct listener, so the dialer must route
	// by the host:port the engine actually asks for, not always to the
	// listener newTestEngine was given.
	e.SetDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == target.Addr().String() {
			return net.Dial(network, target.Addr().String())
		}
		return net.Dial(network, redirector.Addr().String())
	})

	var mu sync.Mutex
	var codes []int
	var gotBody bytes.Buffer
	done := make(chan struct{})

	headerInd := func(req *Request, header http.Header, code int, message string) Verdict {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
		return Continue
	}
	dataInd := func(req *Request, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if data == nil {
			close(done)
			return
		}
		gotBody.Write(data)
	}
	errorInd := func(req *Request, typ ErrType, detail interface{}) {
		if typ == ErrTypeAsync && detail == Closed {
			return
		}
		t.Errorf("unexpected error: typ=%v detail=%v", typ, detail)
	}

	req, err := e.Get("http://"+redirector.Addr().String()+"/thing", headerInd, dataInd, errorInd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	req.AllowRedirects(true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 1 || codes[0] != 200 {
		t.Fatalf("codes = %v, want exactly one 200 (the 301 must stay invisible to the caller)", codes)
	}
	if gotBody.String() != "hi" {
		t.Fatalf("body = %q, want %q", gotBody.String(), "hi")
	}
}

func TestEngineTickExpiresConnectingRequest(t *testing.T) {
	e := NewEngine(loopbackScheduler{}, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return clock })
	e.SetTimeouts(10*time.Second, time.Minute)
	e.SetDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var gotKind ErrKind
	done := make(chan struct{})
	errorInd := func(req *Request, typ ErrType, detail interface{}) {
		if typ == ErrTypeAsync {
			gotKind = detail.(ErrKind)
		}
		close(done)
	}

	_, err := e.Get("http://example.invalid/thing", nil, nil, errorInd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	clock = clock.Add(20 * time.Second)
	e.Tick(clock)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout error")
	}
	if gotKind != ConnTimeout {
		t.Fatalf("got kind %v, want ConnTimeout", gotKind)
	}
}
