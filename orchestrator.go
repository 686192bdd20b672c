package hmon

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// eventQueue is an unbounded single-consumer queue. push never blocks its
// caller; pop blocks until an item is available or the queue is closed. An
// unbounded queue (rather than a fixed-capacity channel) is deliberate: a
// ConnectionActor's reader loop must never stall mid-publish waiting for a
// slow Events() consumer, since that would stall the socket read and, with
// it, the pending-request completions sharing that goroutine.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, ev)
	q.cond.Signal()
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return Event{}, false
	}
	ev := q.buf[0]
	q.buf[0] = Event{}
	q.buf = q.buf[1:]
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Orchestrator is the aggregate root of one monitoring fleet: it owns every
// dialer ServerSupervisor, the optional ListenerSupervisor, every live
// ConnectionActor, the FactCache, and the unified event stream.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts *OrchestratorOptions

	factCache *FactCache

	// eventsIn is the single ingress point every ConnectionActor and
	// ServerSupervisor publishes to. pumpIn drains it as fast as frames
	// arrive, so no producer ever blocks on a slow consumer of Events().
	eventsIn chan Event
	queue    *eventQueue
	outCh    chan Event

	mu      sync.Mutex
	actors  map[SessionID]*ConnectionActor
	servers map[SessionID]*ServerSupervisor
	listen  *ListenerSupervisor

	disposeOnce sync.Once
	disposeErr  error
}

// NewOrchestrator constructs an Orchestrator ready to register servers,
// start a listener, and stream events. Callers must call Dispose when done.
func NewOrchestrator(opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		ctx:      ctx,
		cancel:   cancel,
		opts:     newOrchestratorOptions(opts),
		eventsIn: make(chan Event),
		queue:    newEventQueue(),
		outCh:    make(chan Event),
		actors:   make(map[SessionID]*ConnectionActor),
		servers:  make(map[SessionID]*ServerSupervisor),
	}
	o.factCache = NewFactCache(o.opts.factCacheTTL)
	go o.pumpIn()
	go o.pumpOut()
	return o
}

// pumpIn drains eventsIn into the unbounded queue, refreshing the fact
// cache for every FactsReceived event before it becomes visible to
// consumers (spec §4.7: "every FactsReceived event, before being yielded to
// the consumer, updates FactCache"). It exits once Dispose closes eventsIn,
// which only happens after every producer has been confirmed stopped.
func (o *Orchestrator) pumpIn() {
	for ev := range o.eventsIn {
		if ev.Kind == EventFactsReceived {
			o.cacheFacts(ev.SessionID, ev.Facts)
		}
		o.queue.push(ev)
	}
	o.queue.close()
}

// pumpOut drains the unbounded queue onto the public Events() channel,
// closing it once pumpIn has stopped and the backlog is empty.
func (o *Orchestrator) pumpOut() {
	defer close(o.outCh)
	for {
		ev, ok := o.queue.pop()
		if !ok {
			return
		}
		o.outCh <- ev
	}
}

func (o *Orchestrator) cacheFacts(session SessionID, facts []Fact) {
	now := time.Now()
	for _, f := range facts {
		o.factCache.Put(session, f, now)
	}
}

// registerActor records a newly handshaken connection, called by both
// supervisor kinds once Initialize succeeds.
func (o *Orchestrator) registerActor(id SessionID, actor *ConnectionActor) {
	o.mu.Lock()
	o.actors[id] = actor
	o.mu.Unlock()
}

// unregisterActor removes a connection's entry once it terminates.
func (o *Orchestrator) unregisterActor(id SessionID) {
	o.mu.Lock()
	delete(o.actors, id)
	o.mu.Unlock()
}

// publishLifecycle emits an event with no backing ConnectionActor, e.g. the
// SessionDisconnected a ServerSupervisor raises after a failed dial.
func (o *Orchestrator) publishLifecycle(ev Event) {
	o.eventsIn <- ev
}

func (o *Orchestrator) actorFor(id SessionID) (*ConnectionActor, error) {
	o.mu.Lock()
	actor, ok := o.actors[id]
	o.mu.Unlock()
	if !ok {
		return nil, &SessionNotFoundError{ID: id}
	}
	return actor, nil
}

func (o *Orchestrator) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return o.opts.defaultCommandTimeout
}

// AddServer registers a dialer-mode target and starts its reconnect loop
// immediately. The returned SessionId is stable across every reconnect of
// this target until RemoveServer or Dispose. name is a caller-assigned
// label; callers that don't need one pass "".
func (o *Orchestrator) AddServer(host string, port int, name string) SessionID {
	id := NewSessionID()
	if o.ctx.Err() != nil {
		return id
	}
	sup := newServerSupervisor(o, id, host, port, name)
	o.mu.Lock()
	o.servers[id] = sup
	o.mu.Unlock()
	go sup.run()
	return id
}

// RemoveServer stops the supervisor for id and disposes its active
// connection, if any. Returns SessionNotFoundError for an unknown id.
func (o *Orchestrator) RemoveServer(id SessionID) error {
	o.mu.Lock()
	sup, ok := o.servers[id]
	if ok {
		delete(o.servers, id)
	}
	o.mu.Unlock()
	if !ok {
		return &SessionNotFoundError{ID: id}
	}
	sup.dispose()
	return nil
}

// StartListener binds a TCP listener on addr:port and begins accepting
// connections, each minted a fresh SessionId on handshake success. Only one
// listener may be active at a time; a second call replaces the first.
func (o *Orchestrator) StartListener(addr string, port int) error {
	target := net.JoinHostPort(addr, strconv.Itoa(port))
	ln, err := net.Listen("tcp", target)
	if err != nil {
		return &ConnectionFailedError{Addr: target, Err: err}
	}

	sup := newListenerSupervisor(o, ln)
	o.mu.Lock()
	prev := o.listen
	o.listen = sup
	o.mu.Unlock()
	if prev != nil {
		prev.dispose()
	}
	go sup.run()
	return nil
}

// GetFacts requests a one-shot fact snapshot and blocks for the reply. The
// reply also refreshes the fact cache; it is never additionally published
// to Events() (spec §4.3: correlated replies are consumed, not published).
func (o *Orchestrator) GetFacts(ctx context.Context, id SessionID, types []FactType, timeout time.Duration) ([]Fact, error) {
	actor, err := o.actorFor(id)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"Facts": factTypeInts(types)}
	ev, err := actor.Send(ctx, cmdGetFacts, args, o.effectiveTimeout(timeout))
	if err != nil {
		return nil, err
	}
	o.cacheFacts(id, ev.Facts)
	return ev.Facts, nil
}

// GetLastKnownState requests the high-priority status snapshot and blocks
// for the reply, refreshing the fact cache from any facts it carries.
func (o *Orchestrator) GetLastKnownState(ctx context.Context, id SessionID, timeout time.Duration) (*LastKnownStatePayload, error) {
	actor, err := o.actorFor(id)
	if err != nil {
		return nil, err
	}
	ev, err := actor.Send(ctx, cmdGetLastKnownState, nil, o.effectiveTimeout(timeout))
	if err != nil {
		return nil, err
	}
	if ev.LastKnownState != nil {
		o.cacheFacts(id, ev.LastKnownState.Facts)
	}
	return ev.LastKnownState, nil
}

// PollFacts starts periodic remote-driven pushes of the given fact types
// and blocks for the initial acknowledgement. Subsequent pushes arrive as
// unsolicited FactsReceived events on Events(), not as replies to this
// call. interval is sent to the remote in milliseconds and is not clamped
// here; the remote enforces a 500ms floor on intervals below it.
func (o *Orchestrator) PollFacts(ctx context.Context, id SessionID, types []FactType, interval time.Duration, timeout time.Duration) error {
	actor, err := o.actorFor(id)
	if err != nil {
		return err
	}
	args := map[string]any{
		"Facts":    factTypeInts(types),
		"Interval": int(interval / time.Millisecond),
	}
	_, err = actor.Send(ctx, cmdPollFacts, args, o.effectiveTimeout(timeout))
	return err
}

// StopFactsPolling stops a previously started poll. The command carries no
// UID, so there is no reply to wait for; timeout bounds only the write.
func (o *Orchestrator) StopFactsPolling(ctx context.Context, id SessionID, timeout time.Duration) error {
	actor, err := o.actorFor(id)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, o.effectiveTimeout(timeout))
	defer cancel()
	return actor.SendUncorrelated(wctx, cmdStopFacts, nil)
}

// BumpFacts requests an out-of-cycle push during an active poll. Like
// StopFactsPolling, the command carries no UID.
func (o *Orchestrator) BumpFacts(ctx context.Context, id SessionID, timeout time.Duration) error {
	actor, err := o.actorFor(id)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, o.effectiveTimeout(timeout))
	defer cancel()
	return actor.SendUncorrelated(wctx, cmdBumpFacts, nil)
}

// Subscribe replaces the remote's current event subscription set and
// blocks for the acknowledgement.
func (o *Orchestrator) Subscribe(ctx context.Context, id SessionID, events []SubscriptionEvent, timeout time.Duration) (*SubscribedPayload, error) {
	actor, err := o.actorFor(id)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"Events": subscriptionInts(events)}
	ev, err := actor.Send(ctx, cmdSubscribe, args, o.effectiveTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return ev.Subscribed, nil
}

// ConnectRide instructs the remote to open its secondary (RIDE debugger)
// channel toward address:port and blocks for the acknowledgement.
func (o *Orchestrator) ConnectRide(ctx context.Context, id SessionID, address string, port int, timeout time.Duration) (*RideConnectionPayload, error) {
	actor, err := o.actorFor(id)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"Address": address, "Port": port}
	ev, err := actor.Send(ctx, cmdConnectRide, args, o.effectiveTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return ev.RideConnection, nil
}

// DisconnectRide instructs the remote to close its secondary channel. The
// protocol has no dedicated disconnect command; per the decided reading of
// the source behavior (DESIGN.md), this issues ConnectRide with an empty
// address and zero port, which the remote treats as "tear down".
func (o *Orchestrator) DisconnectRide(ctx context.Context, id SessionID, timeout time.Duration) (*RideConnectionPayload, error) {
	return o.ConnectRide(ctx, id, "", 0, timeout)
}

// GetFact is a non-blocking, TTL-checked read of the latest cached value
// for (id, variant). It never initiates I/O.
func (o *Orchestrator) GetFact(id SessionID, variant FactType) (Fact, bool) {
	return o.factCache.Get(id, variant)
}

// GetFactWithTimestamp is GetFact plus the cache entry's last-updated time.
func (o *Orchestrator) GetFactWithTimestamp(id SessionID, variant FactType) (Fact, time.Time, bool) {
	return o.factCache.GetWithTimestamp(id, variant)
}

// Events returns the unified event stream. It closes once Dispose has
// stopped every producer and the backlog has drained.
func (o *Orchestrator) Events() <-chan Event {
	return o.outCh
}

// Dispose stops the listener, every ServerSupervisor, and every registered
// ConnectionActor, then closes the event stream. Safe to call more than
// once; only the first call does work. Teardown of independent supervisors
// runs concurrently via errgroup so one supervisor's dispose doesn't
// serialize behind another's. None of the teardown steps reports an error,
// so the returned error is always nil.
func (o *Orchestrator) Dispose() error {
	o.disposeOnce.Do(func() {
		o.mu.Lock()
		listener := o.listen
		o.listen = nil
		servers := make([]*ServerSupervisor, 0, len(o.servers))
		for _, s := range o.servers {
			servers = append(servers, s)
		}
		o.servers = make(map[SessionID]*ServerSupervisor)
		o.mu.Unlock()

		g := new(errgroup.Group)
		if listener != nil {
			g.Go(func() error { listener.dispose(); return nil })
		}
		for _, s := range servers {
			s := s
			g.Go(func() error { s.dispose(); return nil })
		}
		o.disposeErr = g.Wait()

		// Close any actor still registered (e.g. one registered directly
		// rather than through a supervisor) while eventsIn is still open, so
		// its SessionDisconnected publish has a consumer.
		o.mu.Lock()
		actors := make([]*ConnectionActor, 0, len(o.actors))
		for _, a := range o.actors {
			actors = append(actors, a)
		}
		o.mu.Unlock()
		for _, a := range actors {
			_ = a.Close()
		}

		o.cancel()
		close(o.eventsIn)
	})
	return o.disposeErr
}
