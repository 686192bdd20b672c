package hmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the ConnectionActor lifecycle state (spec §4.4).
type ConnectionState int32

const (
	StateInit ConnectionState = iota
	StateHandshaking
	StateRunning
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHandshaking:
		return "Handshaking"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	event Event
	err   error
}

// ConnectionActor multiplexes one open TCP socket for the lifetime of one
// connection instance: it owns the framer, the single reader goroutine, the
// pending-request table keyed by correlation id, and serializes all frame
// writes onto the socket. The write mutex and pending-request table are
// guarded independently so a slow write never blocks the reader from
// completing an unrelated caller, and the Init->Handshaking->Running->Closed
// states are tracked with an atomic int32 plus a sync.Once close so every
// exit path converges on exactly one socket close.
type ConnectionActor struct {
	sessionID SessionID
	conn      net.Conn
	decoder   *FrameDecoder
	logger    Logger
	metrics   Metrics
	events    chan<- Event

	// writeMu serializes every frame write onto the socket: the single-writer
	// invariant from spec §5 ("Writes to a single socket MUST be serialized").
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest

	state atomic.Int32

	closeOnce sync.Once
	closeErr  error
	doneOnce  sync.Once
	doneCh    chan struct{}
}

// newConnectionActor wraps an already-open socket. The caller must call
// Initialize before issuing any command.
func newConnectionActor(sessionID SessionID, conn net.Conn, events chan<- Event, logger Logger, metrics Metrics) *ConnectionActor {
	if logger == nil {
		logger = DiscardLogger()
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	c := &ConnectionActor{
		sessionID: sessionID,
		conn:      conn,
		decoder:   NewFrameDecoder(conn, HMONMagic),
		logger:    logger,
		metrics:   metrics,
		events:    events,
		pending:   make(map[string]*pendingRequest),
		doneCh:    make(chan struct{}),
	}
	c.state.Store(int32(StateInit))
	return c
}

// State returns the actor's current lifecycle state.
func (c *ConnectionActor) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Initialize runs the HMON handshake on a dedicated reader goroutine (the
// same goroutine that will later own the decode loop, per spec §4.4 step 3)
// and blocks until the handshake completes or ctx is cancelled. On success
// it emits SessionConnected before returning. On handshake failure no
// SessionConnected is ever emitted and the actor transitions to Closed.
func (c *ConnectionActor) Initialize(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateInit), int32(StateHandshaking)) {
		return fmt.Errorf("hmon: connection actor already initialized")
	}

	handshakeDone := make(chan error, 1)
	go c.run(handshakeDone)

	select {
	case err := <-handshakeDone:
		return err
	case <-ctx.Done():
		_ = c.Close()
		<-handshakeDone
		return ctx.Err()
	}
}

// run performs the handshake, then (on success) enters the steady-state
// reader loop. It is the sole goroutine that ever reads from the socket.
func (c *ConnectionActor) run(handshakeDone chan<- error) {
	if err := performHandshake(context.Background(), c, c.decoder); err != nil {
		c.state.Store(int32(StateClosed))
		c.logger.Warn("hmon: handshake failed", "session", c.sessionID, "err", err)
		handshakeDone <- err
		c.closeSocket()
		c.markDone()
		return
	}

	c.state.Store(int32(StateRunning))
	c.logger.Info("hmon: session connected", "session", c.sessionID)
	c.publish(Event{Kind: EventSessionConnected, SessionID: c.sessionID})
	handshakeDone <- nil
	c.readLoop()
}

// readLoop continuously decodes frames. Each inbound envelope is either
// routed to a pending caller (if its UID matches an outstanding entry) or
// published to the orchestrator's event queue as an unsolicited event.
func (c *ConnectionActor) readLoop() {
	reason := "connection closed"
	defer func() {
		c.state.Store(int32(StateClosed))
		c.drainPending(reason)
		c.logger.Info("hmon: session disconnected", "session", c.sessionID, "reason", reason)
		c.publish(Event{Kind: EventSessionDisconnected, SessionID: c.sessionID, DisconnectReason: reason})
		c.closeSocket()
		c.markDone()
	}()

	for {
		payload, err := c.decoder.Next()
		if err != nil {
			reason = classifyReadError(err)
			return
		}
		c.metrics.IncrementFramesReceived()
		c.metrics.IncrementBytesReceived(int64(len(payload)))

		ev, uid, recognized, err := decodeEnvelope(payload)
		if err != nil {
			var pv *ProtocolViolationError
			if errors.As(err, &pv) {
				reason = err.Error()
				return
			}
			// DecodeError: logged, frame skipped, connection stays up (spec §7).
			c.metrics.IncrementDecodeErrors()
			c.logger.Warn("hmon: decode error", "session", c.sessionID, "err", err)
			continue
		}
		if !recognized {
			c.logger.Debug("hmon: ignoring unrecognized command", "session", c.sessionID)
			continue
		}

		if uid != "" {
			if c.completesPending(uid, ev) {
				continue
			}
			// UID present but no matching pending entry: a public event,
			// not an error (spec §8 boundary behavior).
		}

		ev.SessionID = c.sessionID
		c.publish(ev)
	}
}

// classifyReadError maps a frame-decode failure to a human-readable
// disconnect reason without leaking raw I/O error types upstream.
func classifyReadError(err error) string {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return "peer closed connection"
	}
	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		return err.Error()
	}
	return err.Error()
}

// completesPending routes ev to the caller awaiting correlation id uid, if
// any, and reports whether it did.
func (c *ConnectionActor) completesPending(uid string, ev Event) bool {
	c.mu.Lock()
	pr, ok := c.pending[uid]
	if ok {
		delete(c.pending, uid)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if ev.RemoteRejection != nil {
		pr.resultCh <- pendingResult{err: &RemoteRejectionError{
			Command: ev.RemoteRejection.Command,
			Detail:  ev.RemoteRejection.Detail,
		}}
		return true
	}
	pr.resultCh <- pendingResult{event: ev}
	return true
}

// drainPending fails every outstanding pending request with a
// connection-closed error. Called exactly once, from the reader loop's exit
// path, so no caller can hang forever past connection termination.
func (c *ConnectionActor) drainPending(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, pr := range c.pending {
		pr.resultCh <- pendingResult{err: fmt.Errorf("%w: %s", ErrConnectionClosed, reason)}
		delete(c.pending, uid)
	}
}

func (c *ConnectionActor) publish(ev Event) {
	if ev.SessionID == (SessionID{}) {
		ev.SessionID = c.sessionID
	}
	c.events <- ev
}

// writeRaw writes payload as one HMON frame, serialized against every other
// writer on this socket. It satisfies handshakeWriter.
func (c *ConnectionActor) writeRaw(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := EncodeFrame(c.conn, HMONMagic, payload); err != nil {
		return &ConnectionFailedError{Addr: c.conn.RemoteAddr().String(), Err: err}
	}
	c.metrics.IncrementFramesSent()
	c.metrics.IncrementBytesSent(int64(len(payload)))
	return nil
}

// Send issues a correlated command and blocks until the matching reply
// arrives, the context is cancelled, or timeout elapses. Once the request
// frame is written, exactly one of {success, CommandTimeoutError,
// CancelledError, connection-closed} completes the caller (spec §8); a
// failed write returns a *ConnectionFailedError instead.
func (c *ConnectionActor) Send(ctx context.Context, name string, args map[string]any, timeout time.Duration) (Event, error) {
	if c.State() != StateRunning {
		return Event{}, fmt.Errorf("%w: session %s", ErrConnectionClosed, c.sessionID)
	}

	uid := newCorrelationID()
	pr := &pendingRequest{resultCh: make(chan pendingResult, 1)}

	c.mu.Lock()
	c.pending[uid] = pr
	c.mu.Unlock()

	payload, err := encodeCommand(name, args, uid)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, uid)
		c.mu.Unlock()
		return Event{}, fmt.Errorf("hmon: encode %s: %w", name, err)
	}

	if err := c.writeRaw(ctx, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, uid)
		c.mu.Unlock()
		return Event{}, err
	}
	c.metrics.IncrementCommandsIssued()

	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-pr.resultCh:
		return res.event, res.err
	case <-deadlineCtx.Done():
		c.mu.Lock()
		delete(c.pending, uid)
		c.mu.Unlock()

		if ctx.Err() != nil {
			return Event{}, &CancelledError{Command: name}
		}
		c.metrics.IncrementCommandTimeouts()
		return Event{}, &CommandTimeoutError{Command: name}
	}
}

// SendUncorrelated writes a command that must not carry a UID (StopFacts,
// BumpFacts) and returns as soon as the frame is written.
func (c *ConnectionActor) SendUncorrelated(ctx context.Context, name string, args map[string]any) error {
	if c.State() != StateRunning {
		return fmt.Errorf("%w: session %s", ErrConnectionClosed, c.sessionID)
	}
	payload, err := encodeCommand(name, args, "")
	if err != nil {
		return fmt.Errorf("hmon: encode %s: %w", name, err)
	}
	return c.writeRaw(ctx, payload)
}

// closeSocket closes the underlying socket exactly once, regardless of
// whether it is reached from the reader loop's exit path, a failed
// handshake, or an explicit external Close. It does NOT signal doneCh:
// doneCh must only close once the owning goroutine (run/readLoop) has
// finished draining pending requests and publishing SessionDisconnected,
// so an external caller blocked on Done()/Close() never observes the actor
// as terminated while that publish is still in flight (a premature signal
// here previously let Orchestrator.Dispose close the shared event channel
// out from under a readLoop still trying to publish on it).
func (c *ConnectionActor) closeSocket() {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
}

// markDone closes doneCh. Called exactly once, by whichever path owns the
// actor's termination: run()'s handshake-failure branch, readLoop's exit
// defer, or Close() itself when the run goroutine was never started.
func (c *ConnectionActor) markDone() {
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// Close tears down the connection, unblocking the reader goroutine and
// waiting for it to finish draining pending requests and publishing
// SessionDisconnected. Safe to call multiple times and from any goroutine.
func (c *ConnectionActor) Close() error {
	c.closeSocket()
	if c.state.CompareAndSwap(int32(StateInit), int32(StateClosed)) {
		// Initialize was never called (or never reached its handshake
		// goroutine): no other goroutine will ever call markDone.
		c.markDone()
	}
	<-c.doneCh
	return c.closeErr
}

// Done returns a channel closed once the actor has fully terminated.
func (c *ConnectionActor) Done() <-chan struct{} { return c.doneCh }
