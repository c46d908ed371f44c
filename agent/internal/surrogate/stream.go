// Package surrogate implements the stand-in net.Conn returned synchronously
// by a connection request, before the CONNECT exchange and TLS handshake
// behind it have actually finished.
//
// It is implemented as a small state machine: every net.Conn method checks
// which state it is in and either operates on the pending buffers, blocks
// until the transition out of pending, or forwards straight to the real
// net.Conn.
package surrogate

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// State tags where a Stream currently sits in its lifecycle.
type State int

const (
	// Pending means the real connection has not yet been attached; reads
	// and writes block, and configuration calls are recorded for replay.
	Pending State = iota
	// Connected means a real net.Conn has been attached and all calls
	// forward to it directly.
	Connected
	// Failed means connection establishment ended in an error; reads and
	// writes return that error immediately.
	Failed
	// Closed means Close was called (from either state).
	Closed
)

var errClosed = errors.New("surrogate: stream closed")

// timeoutListener is the single slot a pending SetTimeout call occupies.
// Recording only the latest call (rather than appending to a list)
// structurally prevents listener accumulation: no matter how many times
// SetTimeout is called before the stream connects, exactly one deadline and
// one callback survive to be applied.
type timeoutListener struct {
	d  time.Duration
	cb func()
}

// bufferedOp is one Ref/Unref call recorded while Pending; Attach discards
// these records without replaying them.
type bufferedOp struct {
	kind string // "ref", "unref"
	arg  bool
}

// Stream is a net.Conn that can be returned to a caller before the
// connection it represents actually exists. It is created Pending and moves
// to Connected (via Attach) or Failed (via Fail) exactly once; Close can
// happen from any state and is itself idempotent.
type Stream struct {
	ID string

	mu    sync.Mutex
	state State
	ready chan struct{} // closed on the Pending -> {Connected,Failed} transition

	real  net.Conn
	err   error // set when state == Failed
	ioErr error // first non-nil, non-EOF error observed on Read/Write once Connected

	// buffered configuration, applied by Attach at the Pending transition.
	timeout *timeoutListener
	// timeoutTimer is the callback timer armed by the latest SetTimeout once
	// Connected; rearming stops it first.
	timeoutTimer *time.Timer
	pendingKeepAliveEnable *bool
	pendingKeepAliveDelay *time.Duration
	ops []bufferedOp

	// closeOnce guards Close; onClose holds the callbacks run by the first
	// Close or by Fail.
	closeOnce sync.Once
	onClose   []func(hadError bool)
}

// New creates a Pending Stream.
func New() *Stream {
	return &Stream{
		ID:    uuid.NewV4().String(),
		state: Pending,
		ready: make(chan struct{}),
	}
}

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach transitions Pending -> Connected and applies the buffered
// configuration against real in a fixed order, not the order the calls were
// made: first the keep-alive settings, then the most recent SetTimeout.
// Ref/Unref calls recorded while Pending are not replayed. If the stream is
// already past Pending it returns false and, unless the stream is
// Connected, closes real.
func (s *Stream) Attach(real net.Conn) bool {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		if s.state != Connected {
			real.Close()
		}
		return false
	}

	s.real = real
	s.state = Connected

	// ops (Ref/Unref) carry no replay action: this surrogate has no
	// event-loop reference count to affect, so recording them while
	// Pending is enough.
	timeout := s.timeout
	keepAliveEnable, keepAliveDelay := s.pendingKeepAliveEnable, s.pendingKeepAliveDelay
	s.timeout, s.ops = nil, nil
	s.pendingKeepAliveEnable, s.pendingKeepAliveDelay = nil, nil
	close(s.ready)
	s.mu.Unlock()

	if keepAliveEnable != nil || keepAliveDelay != nil {
		applyKeepAlive(real, keepAliveEnable, keepAliveDelay)
	}
	if timeout != nil {
		s.applyTimeout(timeout)
	}
	return true
}

// Fail transitions Pending -> Failed with the given error. It is a no-op
// (returns false) if the stream is already past Pending.
func (s *Stream) Fail(err error) bool {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return false
	}
	if err == nil {
		err = errors.New("surrogate: connection failed")
	}
	s.err = err
	s.state = Failed
	close(s.ready)
	s.mu.Unlock()
	s.runOnClose(true)
	return true
}

// SetTimeout arms (or rearms) the single timeout listener. Calling it again,
// whether Pending or Connected, fully replaces whatever was armed before —
// there is never more than one listener outstanding.
func (s *Stream) SetTimeout(d time.Duration, cb func()) {
	s.mu.Lock()
	if s.state == Pending {
		s.timeout = &timeoutListener{d: d, cb: cb}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.applyTimeout(&timeoutListener{d: d, cb: cb})
}

func (s *Stream) applyTimeout(t *timeoutListener) {
	s.mu.Lock()
	real := s.real
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	if real != nil && t.d > 0 && t.cb != nil {
		s.timeoutTimer = time.AfterFunc(t.d, t.cb)
	}
	s.mu.Unlock()
	if real == nil {
		return
	}
	if t.d <= 0 {
		real.SetDeadline(time.Time{})
		return
	}
	real.SetDeadline(time.Now().Add(t.d))
}

// SetKeepAlive buffers (while Pending) or applies (once Connected, if the
// underlying conn is a *net.TCPConn) a keep-alive toggle and, optionally, a
// keep-alive probe delay. enable and delay are independent buffered slots:
// calling SetKeepAlive(true) and later SetKeepAlive(true, 30*time.Second)
// before Attach replays as two separate calls against the real net.Conn,
// not one — a later call never clears a delay that an earlier call armed.
func (s *Stream) SetKeepAlive(enable bool, delay ...time.Duration) {
	var d *time.Duration
	if len(delay) > 0 {
		d = &delay[0]
	}
	s.mu.Lock()
	if s.state == Pending {
		s.pendingKeepAliveEnable = &enable
		if d != nil {
			s.pendingKeepAliveDelay = d
		}
		s.mu.Unlock()
		return
	}
	real := s.real
	s.mu.Unlock()
	applyKeepAlive(real, &enable, d)
}

func applyKeepAlive(real net.Conn, enable *bool, delay *time.Duration) {
	tc, ok := real.(*net.TCPConn)
	if !ok {
		return
	}
	if enable != nil {
		tc.SetKeepAlive(*enable)
	}
	if delay != nil {
		tc.SetKeepAlivePeriod(*delay)
	}
}

// Ref and Unref round out the set of buffered configuration calls a caller
// may make before the stream connects; this Go surrogate has no event-loop
// reference count to affect, so they are recorded (while Pending) or
// accepted as no-ops (once Connected) rather than rejected outright.
func (s *Stream) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending {
		s.ops = append(s.ops, bufferedOp{kind: "ref", arg: true})
	}
}

func (s *Stream) Unref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending {
		s.ops = append(s.ops, bufferedOp{kind: "unref", arg: true})
	}
}

// OnClose registers a callback invoked exactly once when the stream
// transitions to Closed (from any prior state) or to Failed. hadError is
// true when establishment failed (Fail) or the connection was Connected
// and saw a Read/Write error before it closed; it is false for a clean
// Close with no prior I/O error, so callers (e.g. TLS session eviction)
// can tell a normal teardown from one that should invalidate cached state.
func (s *Stream) OnClose(cb func(hadError bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, cb)
}

func (s *Stream) runOnClose(hadError bool) {
	s.mu.Lock()
	cbs := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(hadError)
	}
}

// recordIOErr remembers the first non-nil, non-EOF error seen on Read or
// Write once Connected, so Close can report whether this stream is closing
// because of a transport error rather than a normal teardown.
func (s *Stream) recordIOErr(err error) {
	if err == nil || err == io.EOF {
		return
	}
	s.mu.Lock()
	if s.ioErr == nil {
		s.ioErr = err
	}
	s.mu.Unlock()
}

// waitReady blocks until the stream leaves Pending; it has no deadline.
func (s *Stream) waitReady() {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return
	}
	ready := s.ready
	s.mu.Unlock()
	<-ready
}

// Read blocks until the stream is Connected or Failed, then forwards to the
// real connection (or returns the failure/close error).
func (s *Stream) Read(b []byte) (int, error) {
	s.waitReady()
	s.mu.Lock()
	state, real, err := s.state, s.real, s.err
	s.mu.Unlock()
	switch state {
	case Connected:
		n, rerr := real.Read(b)
		s.recordIOErr(rerr)
		return n, rerr
	case Failed:
		return 0, err
	default: // Closed
		return 0, errClosed
	}
}

// Write blocks until the stream is Connected or Failed, then forwards to the
// real connection (or returns the failure/close error).
func (s *Stream) Write(b []byte) (int, error) {
	s.waitReady()
	s.mu.Lock()
	state, real, err := s.state, s.real, s.err
	s.mu.Unlock()
	switch state {
	case Connected:
		n, werr := real.Write(b)
		s.recordIOErr(werr)
		return n, werr
	case Failed:
		return 0, err
	default: // Closed
		return 0, errClosed
	}
}

// Close ends the stream. It is idempotent: only the first call actually
// closes the underlying connection (if any) and runs onClose callbacks;
// later calls return nil.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasPending := s.state == Pending
		real := s.real
		hadError := s.err != nil || s.ioErr != nil
		s.state = Closed
		if wasPending {
			close(s.ready)
		}
		s.mu.Unlock()
		if real != nil {
			err = real.Close()
		}
		s.runOnClose(hadError)
	})
	return err
}

// Destroy is an alias for Close, kept for callers that think of
// caller-initiated teardown as "destroy" rather than "close."
func (s *Stream) Destroy() error {
	return s.Close()
}

// LocalAddr returns the real connection's local address once Connected, or
// nil before that.
func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.real == nil {
		return nil
	}
	return s.real.LocalAddr()
}

// RemoteAddr returns the real connection's remote address once Connected,
// or nil before that.
func (s *Stream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.real == nil {
		return nil
	}
	return s.real.RemoteAddr()
}

// SetDeadline forwards to the real connection once Connected; while Pending
// it is dropped, like SetReadDeadline and SetWriteDeadline.
func (s *Stream) SetDeadline(t time.Time) error {
	return s.setDeadline(t, func(c net.Conn) error { return c.SetDeadline(t) })
}

// SetReadDeadline forwards to the real connection once Connected; while
// Pending it is dropped (the surrogate has no partial-deadline buffering —
// callers needing this should wait for Attach).
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.setDeadline(t, func(c net.Conn) error { return c.SetReadDeadline(t) })
}

// SetWriteDeadline forwards to the real connection once Connected; while
// Pending it is dropped, matching SetReadDeadline.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.setDeadline(t, func(c net.Conn) error { return c.SetWriteDeadline(t) })
}

func (s *Stream) setDeadline(t time.Time, apply func(net.Conn) error) error {
	s.mu.Lock()
	real := s.real
	state := s.state
	s.mu.Unlock()
	if state != Connected || real == nil {
		return nil
	}
	return apply(real)
}

var _ net.Conn = (*Stream)(nil)
var _ io.Closer = (*Stream)(nil)
