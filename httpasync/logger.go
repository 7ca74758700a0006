package httpasync

import (
	"github.com/mbenkmann/golib/util"
)

// DefaultLogger is an ErrorFunc suitable for passing directly as a
// request's errorInd: it logs the verb, URL and error reason at a level
// gated by util.LogLevel, exactly as silent about routine cancellation
// and graceful close as the original's debug-gated logger.
func DefaultLogger(req *Request, typ ErrType, detail interface{}) {
	verb, url, _, host, port := req.Info()

	switch typ {
	case ErrTypeSysErr:
		if err, ok := detail.(error); ok {
			util.Log(1, "aborting %q %q at %s:%d on system error: %v", verb, url, host, port, err)
		}
	case ErrTypeAsync:
		kind, _ := detail.(ErrKind)
		switch kind {
		case Cancelled:
			util.Log(4, "explicitly cancelled %q %q at %s:%d", verb, url, host, port)
		case Closed:
			util.Log(4, "connection closed for %q %q at %s:%d", verb, url, host, port)
		default:
			util.Log(1, "aborting %q %q at %s:%d on error: %s", verb, url, host, port, kind)
		}
	case ErrTypeHeader:
		if err, ok := detail.(error); ok {
			util.Log(1, "aborting %q %q at %s:%d on header parsing error: %v", verb, url, host, port, err)
		}
	case ErrTypeHTTP:
		if he, ok := detail.(*HTTPError); ok {
			util.Log(1, "stopping %q %q at %s:%d: HTTP %d %s", verb, url, host, port, he.Code, he.Message)
		}
	}
}
