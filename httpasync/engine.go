package httpasync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbenkmann/gtkg-transport/bio"
	"github.com/mbenkmann/gtkg-transport/httpwire"
)

const maxHeaderBytes = 64 * 1024

var (
	errExceptionCondition = errors.New("httpasync: readiness watcher reported an exception condition")
	errRequestFreed       = errors.New("httpasync: request was freed while waiting for readiness")
)

// Engine drives one or more Requests to completion. A process normally
// creates a single Engine at startup and tears it down at shutdown,
// exactly the lifetime of the original's global outstanding/pending-free
// lists, here held as instance fields instead of package globals.
type Engine struct {
	mu          sync.Mutex
	outstanding map[*Request]struct{}
	pendingFree *queue.Queue

	scheduler bio.Scheduler
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	nowFn     func() time.Time

	connectTimeout time.Duration
	timeout        time.Duration
	userAgent      string

	outstandingGauge prometheus.Gauge
	redirectsTotal   prometheus.Counter
	bytesSentTotal   prometheus.Counter
	bytesRecvTotal   prometheus.Counter
}

// NewEngine builds an Engine driving requests over scheduler. If reg is
// non-nil, the engine's counters are registered on it.
func NewEngine(scheduler bio.Scheduler, reg prometheus.Registerer) *Engine {
	e := &Engine{
		outstanding:    make(map[*Request]struct{}),
		pendingFree:    queue.New(),
		scheduler:      scheduler,
		dial:           (&net.Dialer{}).DialContext,
		nowFn:          time.Now,
		connectTimeout: 30 * time.Second,
		timeout:        90 * time.Second,
		userAgent:      "gtkg-transport",
		outstandingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtkg_transport_httpasync_outstanding",
			Help: "Number of HTTP requests currently in flight.",
		}),
		redirectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtkg_transport_httpasync_redirects_total",
			Help: "Total redirects followed transparently.",
		}),
		bytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtkg_transport_httpasync_bytes_sent_total",
			Help: "Total request bytes written.",
		}),
		bytesRecvTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtkg_transport_httpasync_bytes_received_total",
			Help: "Total response bytes read.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.outstandingGauge, e.redirectsTotal, e.bytesSentTotal, e.bytesRecvTotal)
	}
	return e
}

// SetDialer overrides how the engine opens outbound connections.
func (e *Engine) SetDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dial = fn
}

// SetClock overrides the engine's source of time, consulted for
// activity timestamps and timeout expiry. Callers must inject UTC.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowFn = now
}

// SetTimeouts sets the connecting-phase and general deadlines consulted
// by Tick.
func (e *Engine) SetTimeouts(connecting, general time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectTimeout = connecting
	e.timeout = general
}

// SetUserAgent sets the value sent in the default request builder's
// User-Agent header.
func (e *Engine) SetUserAgent(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userAgent = s
}

func (e *Engine) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowFn()
}

func (e *Engine) userAgentValue() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userAgent
}

// Get starts an asynchronous GET of url. headerInd and dataInd are
// optional; errorInd is mandatory. dataInd == nil means "close after
// reading headers".
func (e *Engine) Get(url string, headerInd HeaderFunc, dataInd DataFunc, errorInd ErrorFunc) (*Request, error) {
	return e.create(GET, url, "", "", 0, false, headerInd, dataInd, errorInd, nil)
}

// GetAddr starts an asynchronous GET of path against addr:port
// directly, bypassing URL parsing.
func (e *Engine) GetAddr(path string, addr string, port uint16, headerInd HeaderFunc, dataInd DataFunc, errorInd ErrorFunc) (*Request, error) {
	return e.create(GET, path, path, addr, port, true, headerInd, dataInd, errorInd, nil)
}

func (e *Engine) create(verb Verb, url, path, host string, port uint16, explicitAddr bool,
	headerInd HeaderFunc, dataInd DataFunc, errorInd ErrorFunc, parent *Request) (*Request, error) {

	if errorInd == nil {
		return nil, fmt.Errorf("httpasync: errorInd is required")
	}

	if !explicitAddr {
		h, p, pth, err := httpwire.ParseURL(url)
		if err != nil {
			return nil, err
		}
		host, port, path = h, p, pth
	}

	req := newRequest(e, verb, url, path, host, port, explicitAddr, headerInd, dataInd, errorInd, parent)

	e.mu.Lock()
	e.outstanding[req] = struct{}{}
	e.outstandingGauge.Inc()
	e.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, req)
		parent.mu.Unlock()
	}

	req.newState(Connecting)
	go e.connect(req)

	return req, nil
}

func (e *Engine) connect(req *Request) {
	addr := net.JoinHostPort(req.host, strconv.Itoa(int(req.port)))

	e.mu.Lock()
	connectTimeout := e.connectTimeout
	dial := e.dial
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	req.mu.Lock()
	req.cancelConnect = cancel
	req.mu.Unlock()

	conn, err := dial(ctx, "tcp", addr)
	cancel()

	if req.isFreed() {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		e.remove(req, ErrTypeAsync, ConnFailed)
		return
	}

	req.mu.Lock()
	req.conn = conn
	req.mu.Unlock()

	e.onConnected(req, conn)
}

func (e *Engine) onConnected(req *Request, conn net.Conn) {
	stream, ok := conn.(bio.Stream)
	if !ok {
		e.syserr(req, fmt.Errorf("httpasync: dialed connection does not satisfy bio.Stream"))
		return
	}

	req.mu.Lock()
	builder := req.reqBuild
	host := req.host
	path := req.path
	port := req.port
	verb := req.verb.String()
	req.mu.Unlock()

	buf := make([]byte, 2048)
	n := builder(req, buf, verb, path, host, port)
	if n >= len(buf) {
		e.remove(req, ErrTypeAsync, Req2Big)
		return
	}

	req.newState(ReqSending)
	e.writeAll(req, stream, append([]byte(nil), buf[:n]...))
}

func (e *Engine) writeAll(req *Request, stream bio.Stream, data []byte) {
	for len(data) > 0 {
		n, err := e.scheduler.WriteStream(stream, data)
		if errors.Is(err, bio.ErrWouldBlock) {
			if werr := e.waitReady(req, stream, bio.Write); werr != nil {
				if werr != errRequestFreed {
					e.syserr(req, werr)
				}
				return
			}
			continue
		}
		if err != nil {
			e.syserr(req, err)
			return
		}
		if n > 0 {
			e.bytesSentTotal.Add(float64(n))
		}
		data = data[n:]
	}

	req.newState(ReqSent)
	e.readHeaders(req, stream)
}

// waitReady blocks until stream becomes ready for dir, the request is
// freed (req.done closes), or the watcher reports an exception.
func (e *Engine) waitReady(req *Request, stream bio.Stream, dir bio.Direction) error {
	ch := make(chan bio.Condition, 1)
	h, err := e.scheduler.AddSource(stream, dir, func(c bio.Condition) {
		select {
		case ch <- c:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer e.scheduler.RemoveSource(h)

	select {
	case c := <-ch:
		if c&bio.CondException != 0 {
			return errExceptionCondition
		}
		return nil
	case <-req.done:
		return errRequestFreed
	}
}

type meteredReader struct {
	engine *Engine
	req    *Request
	stream bio.Stream
}

func (m *meteredReader) Read(p []byte) (int, error) {
	for {
		n, err := m.engine.scheduler.ReadStream(m.stream, p)
		if errors.Is(err, bio.ErrWouldBlock) {
			if werr := m.engine.waitReady(m.req, m.stream, bio.Read); werr != nil {
				return 0, werr
			}
			continue
		}
		if n > 0 {
			m.engine.bytesRecvTotal.Add(float64(n))
		}
		return n, err
	}
}

func (e *Engine) readHeaders(req *Request, stream bio.Stream) {
	limited := &io.LimitedReader{R: &meteredReader{engine: e, req: req, stream: stream}, N: maxHeaderBytes}
	br := bufio.NewReader(limited)
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		e.classifyHeaderReadErr(req, limited, err)
		return
	}

	req.newState(Headers)

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		if limited.N <= 0 {
			e.remove(req, ErrTypeAsync, Head2Big)
			return
		}
		e.remove(req, ErrTypeHeader, err)
		return
	}

	code, message, _, _, perr := httpwire.ParseStatusLine(statusLine, "HTTP")
	if perr != nil {
		e.remove(req, ErrTypeAsync, BadStatus)
		return
	}

	// br's underlying bufio.Reader may have pulled body bytes off the
	// wire along with the header block in a single fill(); those bytes
	// would otherwise be silently dropped once br goes out of scope, and
	// a fresh read on stream would see only what arrives after them (or
	// nothing at all, if the peer already closed). Stash them for
	// readBody to deliver first, mirroring http_got_header's draining of
	// leftover bytes before handing off to http_got_data.
	if n := br.Buffered(); n > 0 {
		leftover := make([]byte, n)
		if _, rerr := io.ReadFull(br, leftover); rerr == nil {
			req.mu.Lock()
			req.delayed = leftover
			req.mu.Unlock()
		}
	}

	e.dispatchHeader(req, stream, http.Header(mimeHeader), code, message)
}

func (e *Engine) classifyHeaderReadErr(req *Request, limited *io.LimitedReader, err error) {
	if limited.N <= 0 {
		e.remove(req, ErrTypeAsync, Head2Big)
		return
	}
	if errors.Is(err, io.EOF) {
		e.remove(req, ErrTypeAsync, EOF)
		return
	}
	if err == errRequestFreed {
		return
	}
	e.syserr(req, err)
}

func (e *Engine) dispatchHeader(req *Request, stream bio.Stream, header http.Header, code int, message string) {
	isRedirectCode := code == 301 || code == 302 || code == 303 || code == 307

	if isRedirectCode {
		req.mu.Lock()
		allow := req.allowRedirects
		verb := req.verb
		nested := req.parent != nil
		req.mu.Unlock()

		if allow && !nested {
			loc := header.Get("Location")
			follow := code != 302 || verb == GET || verb == HEAD
			if loc != "" && follow {
				if _, _, _, err := httpwire.ParseURL(loc); err == nil {
					// A redirect that is actually going to be followed is
					// transparent end to end: on_headers only fires once,
					// when the child's own response arrives, so this hop's
					// header block never reaches the caller.
					e.redirect(req, loc)
					return
				}
			}
		}
	}

	req.mu.Lock()
	headerInd := req.headerInd
	req.mu.Unlock()

	if headerInd != nil {
		switch headerInd(req, header, code, message) {
		case Close:
			e.free(req)
			return
		case Cancel:
			req.Cancel()
			return
		}
	}

	switch {
	case code == 200:
		// fall through to body handling below
	case isRedirectCode:
		req.mu.Lock()
		allow := req.allowRedirects
		nested := req.parent != nil
		req.mu.Unlock()

		if !allow {
			e.remove(req, ErrTypeAsync, ReqRedirected)
			return
		}
		loc := header.Get("Location")
		if loc == "" {
			e.remove(req, ErrTypeAsync, NoLocation)
			return
		}
		if _, _, _, err := httpwire.ParseURL(loc); err != nil {
			e.remove(req, ErrTypeAsync, BadLocationURI)
			return
		}
		if nested {
			// Reaching here (rather than skipping on_headers above) means
			// this is a second hop; e.redirect rejects it with NESTED.
			e.redirect(req, loc)
			return
		}
		// A 302 on a verb other than HEAD/GET falls through to a
		// generic HTTP error instead of being followed.
		fallthrough
	default:
		e.remove(req, ErrTypeHTTP, &HTTPError{Header: header, Code: code, Message: message})
		return
	}

	req.mu.Lock()
	dataInd := req.dataInd
	req.mu.Unlock()

	if dataInd == nil {
		e.remove(req, ErrTypeAsync, Closed)
		return
	}

	req.newState(Receiving)
	e.readBody(req, stream)
}

func (e *Engine) readBody(req *Request, stream bio.Stream) {
	req.mu.Lock()
	leftover := req.delayed
	req.delayed = nil
	req.mu.Unlock()

	if len(leftover) > 0 {
		if req.isFreed() {
			return
		}
		req.touch()
		req.dataInd(req, leftover)
		if req.isFreed() {
			return
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := e.scheduler.ReadStream(stream, buf)
		if errors.Is(err, bio.ErrWouldBlock) {
			if werr := e.waitReady(req, stream, bio.Read); werr != nil {
				if werr != errRequestFreed {
					e.syserr(req, werr)
				}
				return
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			e.syserr(req, err)
			return
		}

		if n > 0 {
			e.bytesRecvTotal.Add(float64(n))
			if req.isFreed() {
				return
			}
			req.touch()
			req.dataInd(req, buf[:n])
			if req.isFreed() {
				return
			}
		}

		if n == 0 || errors.Is(err, io.EOF) {
			req.dataInd(req, nil)
			if req.isFreed() {
				return
			}
			e.free(req)
			return
		}
	}
}

// redirect creates a child request to follow a Location header
// transparently, rerouting the child's callbacks to req so the redirect
// chain is invisible to the caller.
func (e *Engine) redirect(req *Request, loc string) {
	req.mu.Lock()
	if req.parent != nil {
		req.mu.Unlock()
		e.remove(req, ErrTypeAsync, Nested)
		return
	}
	conn := req.conn
	req.conn = nil
	headerInd, dataInd, builder := req.headerInd, req.dataInd, req.reqBuild
	req.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	req.newState(Redirected)

	var childHeaderInd HeaderFunc
	if headerInd != nil {
		childHeaderInd = func(_ *Request, header http.Header, code int, message string) Verdict {
			return headerInd(req, header, code, message)
		}
	}
	var childDataInd DataFunc
	if dataInd != nil {
		childDataInd = func(_ *Request, data []byte) {
			dataInd(req, data)
		}
	}
	childErrorInd := func(_ *Request, typ ErrType, detail interface{}) {
		req.errorInd(req, typ, detail)
	}

	child, err := e.create(req.verb, loc, "", "", 0, false, childHeaderInd, childDataInd, childErrorInd, req)
	if err != nil {
		e.remove(req, ErrTypeAsync, BadURL)
		return
	}

	child.mu.Lock()
	child.reqBuild = builder
	child.allowRedirects = true // a further hop then reaches e.redirect and fails with Nested
	child.mu.Unlock()

	req.mu.Lock()
	req.subrequest = true
	req.mu.Unlock()

	e.redirectsTotal.Inc()
}

func (r *Request) isFreed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freed
}

func (e *Engine) syserr(req *Request, err error) {
	e.remove(req, ErrTypeSysErr, err)
}

func (e *Engine) remove(req *Request, typ ErrType, detail interface{}) {
	req.mu.Lock()
	if req.freed {
		req.mu.Unlock()
		return
	}
	errorInd := req.errorInd
	req.mu.Unlock()

	if errorInd != nil {
		errorInd(req, typ, detail)
	}
	e.free(req)
}

// free logically frees req and, transitively, its children: resources
// are released immediately, but the request is only removed from the
// engine's outstanding set on the next Tick, so a watcher callback
// racing with a free still observes a consistent req.done signal
// instead of a vanished request.
func (e *Engine) free(req *Request) {
	req.mu.Lock()
	if req.freed {
		req.mu.Unlock()
		return
	}
	req.freed = true
	req.state = Removed
	conn := req.conn
	req.conn = nil
	cancelConnect := req.cancelConnect
	children := append([]*Request(nil), req.children...)
	opaque, opaqueFree := req.opaque, req.opaqueFree
	req.mu.Unlock()

	close(req.done)
	if cancelConnect != nil {
		cancelConnect()
	}
	if conn != nil {
		conn.Close()
	}
	if opaqueFree != nil {
		opaqueFree(opaque)
	}

	e.mu.Lock()
	e.pendingFree.Add(req)
	e.mu.Unlock()

	for _, c := range children {
		e.free(c)
	}
}

// Tick drains the pending-free list into the outstanding set's removal
// and expires requests idle past their connecting or general deadline.
// Call it periodically (the demo CLI and tests do so directly); nothing
// in this package starts a background ticker implicitly.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	for e.pendingFree.Length() > 0 {
		req := e.pendingFree.Remove().(*Request)
		if _, ok := e.outstanding[req]; ok {
			delete(e.outstanding, req)
			e.outstandingGauge.Dec()
		}
	}
	outstanding := make([]*Request, 0, len(e.outstanding))
	for req := range e.outstanding {
		outstanding = append(outstanding, req)
	}
	e.mu.Unlock()

	for _, req := range outstanding {
		req.mu.Lock()
		if req.subrequest || req.freed {
			req.mu.Unlock()
			continue
		}
		elapsed := now.Sub(req.lastUpdate)
		state := req.state
		req.mu.Unlock()

		var deadline time.Duration
		if state == Unknown || state == Connecting {
			deadline = e.connectTimeout
		} else {
			deadline = e.timeout
		}
		if deadline <= 0 || elapsed <= deadline {
			continue
		}

		switch state {
		case Unknown, Connecting:
			e.remove(req, ErrTypeAsync, ConnTimeout)
		default:
			e.remove(req, ErrTypeAsync, Timeout)
		}
	}
}

// Close cancels every outstanding request, mirroring shutdown of the
// engine.
func (e *Engine) Close() {
	e.mu.Lock()
	outstanding := make([]*Request, 0, len(e.outstanding))
	for req := range e.outstanding {
		outstanding = append(outstanding, req)
	}
	e.mu.Unlock()

	for _, req := range outstanding {
		req.Cancel()
	}
}
