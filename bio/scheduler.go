package bio

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type readinessPoller interface {
	add(fd int, dir Direction, cb func(Condition)) (Handle, error)
	remove(h Handle)
}

// BandwidthScheduler is a reference Scheduler implementation: a
// token-bucket quota per direction, readiness notification via the
// platform poller, and basic throughput metrics. It is sufficient to
// make the async engine runnable and testable standalone; it is not
// the gtk-gnutella production scheduler, which this module never
// standardizes (only the interface it exposes).
type BandwidthScheduler struct {
	in, out *tokenBucket
	poller  readinessPoller
	now     func() time.Time

	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
}

// NewBandwidthScheduler builds a scheduler limited to inBytesPerSec and
// outBytesPerSec (0 meaning unlimited), using now for token refill
// accounting (tests inject a fixed clock). If reg is non-nil, throughput
// counters are registered on it.
func NewBandwidthScheduler(inBytesPerSec, outBytesPerSec int64, now func() time.Time, reg prometheus.Registerer) (*BandwidthScheduler, error) {
	if now == nil {
		now = time.Now
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	s := &BandwidthScheduler{
		in:     newTokenBucket(inBytesPerSec, now),
		out:    newTokenBucket(outBytesPerSec, now),
		poller: p,
		now:    now,
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtkg_transport_bio_bytes_in_total",
			Help: "Total bytes read through the reference bandwidth scheduler.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtkg_transport_bio_bytes_out_total",
			Help: "Total bytes written through the reference bandwidth scheduler.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.bytesIn, s.bytesOut)
	}
	return s, nil
}

// WriteStream implements Scheduler.
func (s *BandwidthScheduler) WriteStream(stream Stream, buf []byte) (int, error) {
	allowed := s.out.take(len(buf))
	if allowed == 0 {
		return 0, ErrWouldBlock
	}

	stream.SetWriteDeadline(s.now().Add(2 * time.Millisecond))
	n, err := stream.Write(buf[:allowed])
	stream.SetWriteDeadline(time.Time{})

	s.bytesOut.Add(float64(n))

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// ReadStream implements Scheduler.
func (s *BandwidthScheduler) ReadStream(stream Stream, buf []byte) (int, error) {
	allowed := s.in.take(len(buf))
	if allowed == 0 {
		return 0, ErrWouldBlock
	}

	stream.SetReadDeadline(s.now().Add(2 * time.Millisecond))
	n, err := stream.Read(buf[:allowed])
	stream.SetReadDeadline(time.Time{})

	s.bytesIn.Add(float64(n))

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// AddSource implements Scheduler, arming the platform poller on the
// stream's raw file descriptor.
func (s *BandwidthScheduler) AddSource(stream Stream, dir Direction, callback func(Condition)) (Handle, error) {
	sc, ok := stream.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("bio: stream %T does not expose a raw file descriptor", stream)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("bio: SyscallConn: %w", err)
	}

	var fd int
	if ctrlErr := raw.Control(func(fdv uintptr) { fd = int(fdv) }); ctrlErr != nil {
		return nil, fmt.Errorf("bio: obtaining raw fd: %w", ctrlErr)
	}

	return s.poller.add(fd, dir, callback)
}

// RemoveSource implements Scheduler.
func (s *BandwidthScheduler) RemoveSource(h Handle) {
	s.poller.remove(h)
}

// Saturated implements Scheduler.
func (s *BandwidthScheduler) Saturated(dir Direction) bool {
	if dir == Write {
		return s.out.saturated()
	}
	return s.in.saturated()
}
