package httpasync

import (
	"fmt"
	"sync"
	"time"
)

// Request is an HTTP request in flight, owned by the Engine that
// created it until its terminal callback fires.
type Request struct {
	mu sync.Mutex

	engine *Engine

	verb           Verb
	url            string
	path           string
	host           string
	port           uint16
	explicitAddr   bool
	allowRedirects bool

	headerInd HeaderFunc
	dataInd   DataFunc
	errorInd  ErrorFunc
	stateChg  StateChangeFunc
	reqBuild  RequestBuilder

	state      State
	freed      bool
	subrequest bool // a child now has control (mirrors HA_F_SUBREQ)

	lastUpdate time.Time

	opaque     interface{}
	opaqueFree func(interface{})

	parent   *Request
	children []*Request

	conn    connCloser
	delayed []byte // body bytes buffered alongside the header block, pending delivery

	cancelConnect func() // aborts an in-flight dial
	done          chan struct{}
}

// connCloser is the minimal surface Request needs to release its
// transport; satisfied by bio.Stream / net.Conn.
type connCloser interface {
	Close() error
}

func newRequest(e *Engine, verb Verb, url, path, host string, port uint16, explicitAddr bool,
	headerInd HeaderFunc, dataInd DataFunc, errorInd ErrorFunc, parent *Request) *Request {

	return &Request{
		engine:         e,
		verb:           verb,
		url:            url,
		path:           path,
		host:           host,
		port:           port,
		explicitAddr:   explicitAddr,
		headerInd:      headerInd,
		dataInd:        dataInd,
		errorInd:       errorInd,
		reqBuild:       defaultRequestBuilder,
		state:          Unknown,
		lastUpdate:     e.now(),
		parent:         parent,
		allowRedirects: false,
		done:           make(chan struct{}),
	}
}

// Info returns the request's verb, original URL, path, host and port,
// for logging purposes.
func (r *Request) Info() (verb Verb, url, path, host string, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verb, r.url, r.path, r.host, r.port
}

// State reports the request's current lifecycle stage. A redirected
// request reports the state of its first still-active child, matching
// the semantics of the original redirect composition.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Request) stateLocked() State {
	if r.state != Redirected {
		return r.state
	}
	for _, c := range r.children {
		s := c.State()
		if s == Redirected || s == Removed {
			continue
		}
		return s
	}
	return Unknown
}

// SetOpaque attaches caller-owned context to the request. release, if
// non-nil, is invoked with data when the request is logically freed,
// before the next Tick drops it from the engine.
func (r *Request) SetOpaque(data interface{}, release func(interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opaque = data
	r.opaqueFree = release
}

// Opaque returns the data previously attached via SetOpaque.
func (r *Request) Opaque() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opaque
}

// SetRequestBuilder overrides how the outgoing request line and headers
// are formatted.
func (r *Request) SetRequestBuilder(fn RequestBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.reqBuild = fn
	}
}

// OnStateChange registers an observer invoked on every state transition
// except the final one into Removed.
func (r *Request) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChg = fn
}

// AllowRedirects toggles whether 301/302/303/307 responses are followed
// transparently via a child request (default false).
func (r *Request) AllowRedirects(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowRedirects = allow
}

// Cancel logically frees the request and reports Cancelled to its
// error callback, synchronously from the caller's perspective.
func (r *Request) Cancel() {
	r.engine.remove(r, ErrTypeAsync, Cancelled)
}

// Close is a cancel without an error report.
func (r *Request) Close() {
	r.engine.free(r)
}

func (r *Request) newState(s State) {
	r.mu.Lock()
	r.state = s
	r.lastUpdate = r.engine.now()
	cb := r.stateChg
	r.mu.Unlock()

	if cb != nil {
		cb(r, s)
	}
}

func (r *Request) touch() {
	r.mu.Lock()
	r.lastUpdate = r.engine.now()
	r.mu.Unlock()
}

// defaultRequestBuilder formats "VERB path HTTP/1.1\r\nHost:
// host[:port]\r\nUser-Agent: ...\r\nConnection: close\r\n\r\n" into buf,
// omitting the port when it is 80. Like C's snprintf, it returns the
// length that would have been written even if buf is too small to hold
// it; the caller treats a returned length >= len(buf) as oversize.
func defaultRequestBuilder(req *Request, buf []byte, verb, path, host string, port uint16) int {
	var portStr string
	if port != 80 {
		portStr = fmt.Sprintf(":%d", port)
	}
	s := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s%s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n",
		verb, path, host, portStr, req.engine.userAgentValue())
	copy(buf, s)
	return len(s)
}
