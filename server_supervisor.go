package hmon

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// ServerSupervisor owns the dialer-mode reconnect loop for one registered
// remote endpoint. Its SessionID is allocated once at registration and
// survives every reconnect of that logical target.
type ServerSupervisor struct {
	sessionID SessionID
	host      string
	port      int
	name      string

	orch *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc

	backoff *backoffController

	mu     sync.Mutex
	actor  *ConnectionActor
	doneCh chan struct{}
}

func newServerSupervisor(orch *Orchestrator, sessionID SessionID, host string, port int, name string) *ServerSupervisor {
	ctx, cancel := context.WithCancel(orch.ctx)
	return &ServerSupervisor{
		sessionID: sessionID,
		host:      host,
		port:      port,
		name:      name,
		orch:      orch,
		ctx:       ctx,
		cancel:    cancel,
		backoff:   newBackoffController(orch.opts.retryPolicy),
		doneCh:    make(chan struct{}),
	}
}

// addr formats the dial target for logging and net.Dial.
func (s *ServerSupervisor) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// run is the reconnect loop: connect, hand off to a ConnectionActor, wait
// for it to close, reset backoff, reconnect. Retries are unbounded in
// count; only ctx cancellation (Dispose) stops them.
func (s *ServerSupervisor) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := (&net.Dialer{}).DialContext(s.ctx, "tcp", s.addr())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.orch.opts.logger.Warn("hmon: dial failed", "session", s.sessionID, "addr", s.addr(), "err", err)
			s.orch.publishLifecycle(Event{
				Kind:             EventSessionDisconnected,
				SessionID:        s.sessionID,
				DisconnectReason: err.Error(),
			})
			if !s.sleepBackoff() {
				return
			}
			continue
		}

		actor := newConnectionActor(s.sessionID, conn, s.orch.eventsIn, s.orch.opts.logger, s.orch.opts.metrics)
		s.orch.registerActor(s.sessionID, actor)

		initCtx, initCancel := context.WithTimeout(s.ctx, s.orch.opts.defaultCommandTimeout)
		err = actor.Initialize(initCtx)
		initCancel()

		if err != nil {
			s.orch.opts.logger.Warn("hmon: handshake failed", "session", s.sessionID, "addr", s.addr(), "err", err)
			s.orch.unregisterActor(s.sessionID)
			if s.ctx.Err() != nil {
				return
			}
			if !s.sleepBackoff() {
				return
			}
			continue
		}

		s.backoff.reset()
		s.mu.Lock()
		s.actor = actor
		s.mu.Unlock()

		<-actor.Done()

		s.mu.Lock()
		s.actor = nil
		s.mu.Unlock()
		s.orch.unregisterActor(s.sessionID)
		// Drop cached facts on every disconnect rather than letting them ride
		// across a reconnect: a stale Workspace/Threads snapshot from the
		// previous connection instance is worse than a cache miss.
		s.orch.factCache.Forget(s.sessionID)

		if s.ctx.Err() != nil {
			return
		}
	}
}

// sleepBackoff sleeps the next jittered backoff delay, returning false if
// the supervisor was disposed while waiting.
func (s *ServerSupervisor) sleepBackoff() bool {
	s.orch.opts.metrics.IncrementReconnectAttempts()
	delay := s.backoff.next()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// dispose stops the reconnect loop and closes any live actor, then waits
// for run() to exit.
func (s *ServerSupervisor) dispose() {
	s.cancel()
	s.mu.Lock()
	actor := s.actor
	s.mu.Unlock()
	if actor != nil {
		_ = actor.Close()
	}
	<-s.doneCh
}
