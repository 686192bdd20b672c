package hmon

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registeredActorPair wires a net.Pipe-backed ConnectionActor directly into
// orch's registry, bypassing ServerSupervisor/ListenerSupervisor so command
// round-trips can be tested without a real reconnect loop.
func registeredActorPair(t *testing.T, orch *Orchestrator) (SessionID, *fakePeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	id := NewSessionID()
	actor := newConnectionActor(id, clientConn, orch.eventsIn, DiscardLogger(), NewDefaultMetrics())
	peer := newFakePeer(t, serverConn)

	handshakeDone := make(chan struct{})
	go func() {
		peer.runHandshake(t)
		close(handshakeDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, actor.Initialize(ctx))
	<-handshakeDone

	orch.registerActor(id, actor)
	drainEvent(t, orch, EventSessionConnected)

	t.Cleanup(func() {
		_ = actor.Close()
		_ = serverConn.Close()
	})
	return id, peer
}

func drainEvent(t *testing.T, orch *Orchestrator, want EventKind) Event {
	t.Helper()
	select {
	case ev := <-orch.Events():
		require.Equal(t, want, ev.Kind)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return Event{}
	}
}

// decodeArgsFrom unmarshals the args half of a [name, args] envelope the
// actor wrote, for asserting on outbound request shape.
func decodeArgsFrom(t *testing.T, payload []byte, dst any) string {
	t.Helper()
	var envelope [2]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	require.NoError(t, json.Unmarshal(envelope[1], dst))
	var name string
	require.NoError(t, json.Unmarshal(envelope[0], &name))
	return name
}

func TestOrchestratorGetFactsRoundTrip(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()
	id, peer := registeredActorPair(t, orch)

	go func() {
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args struct {
			UID   string `json:"UID"`
			Facts []int  `json:"Facts"`
		}
		name := decodeArgsFrom(t, payload, &args)
		require.Equal(t, cmdGetFacts, name)
		require.Equal(t, []int{int(FactHost)}, args.Facts)
		peer.send(t, []byte(`["Facts",{"UID":"`+args.UID+`","Facts":[{"ID":1,"Name":"Host","Value":{"Name":"box1"}}]}]`))
	}()

	facts, err := orch.GetFacts(context.Background(), id, []FactType{FactHost}, time.Second)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "box1", facts[0].Host.Name)

	cached, ok := orch.GetFact(id, FactHost)
	require.True(t, ok)
	assert.Equal(t, "box1", cached.Host.Name)
}

func TestOrchestratorSubscribeRoundTrip(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()
	id, peer := registeredActorPair(t, orch)

	go func() {
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args struct {
			UID    string `json:"UID"`
			Events []int  `json:"Events"`
		}
		decodeArgsFrom(t, payload, &args)
		require.Equal(t, []int{int(SubscriptionAll)}, args.Events)
		peer.send(t, []byte(`["Subscribed",{"UID":"`+args.UID+`","Events":[6]}]`))
	}()

	resp, err := orch.Subscribe(context.Background(), id, []SubscriptionEvent{SubscriptionAll}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []SubscriptionEvent{SubscriptionAll}, resp.Events)
}

func TestOrchestratorConnectRideAndDisconnectRide(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()
	id, peer := registeredActorPair(t, orch)

	go func() {
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args struct {
			UID     string `json:"UID"`
			Address string `json:"Address"`
			Port    int    `json:"Port"`
		}
		decodeArgsFrom(t, payload, &args)
		require.Equal(t, "ride.local", args.Address)
		require.Equal(t, 4599, args.Port)
		peer.send(t, []byte(`["RideConnection",{"UID":"`+args.UID+`","Connected":1}]`))
	}()
	resp, err := orch.ConnectRide(context.Background(), id, "ride.local", 4599, time.Second)
	require.NoError(t, err)
	assert.True(t, bool(resp.Connected))

	go func() {
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args struct {
			UID     string `json:"UID"`
			Address string `json:"Address"`
			Port    int    `json:"Port"`
		}
		decodeArgsFrom(t, payload, &args)
		assert.Equal(t, "", args.Address)
		assert.Equal(t, 0, args.Port)
		peer.send(t, []byte(`["RideConnection",{"UID":"`+args.UID+`","Connected":0}]`))
	}()
	resp, err = orch.DisconnectRide(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, bool(resp.Connected))
}

func TestOrchestratorPollFactsWaitsForAck(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()
	id, peer := registeredActorPair(t, orch)

	go func() {
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args struct {
			UID      string `json:"UID"`
			Facts    []int  `json:"Facts"`
			Interval int    `json:"Interval"`
		}
		decodeArgsFrom(t, payload, &args)
		require.Equal(t, 1000, args.Interval)
		peer.send(t, []byte(`["Facts",{"UID":"`+args.UID+`","Facts":[]}]`))
	}()

	err := orch.PollFacts(context.Background(), id, []FactType{FactWorkspace}, time.Second, time.Second)
	assert.NoError(t, err)
}

func TestOrchestratorStopFactsPollingCarriesNoUID(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()
	id, peer := registeredActorPair(t, orch)

	received := make(chan struct{})
	go func() {
		defer close(received)
		payload, err := peer.decoder.Next()
		require.NoError(t, err)
		var args map[string]any
		name := decodeArgsFrom(t, payload, &args)
		require.Equal(t, cmdStopFacts, name)
		_, hasUID := args["UID"]
		assert.False(t, hasUID)
	}()

	require.NoError(t, orch.StopFactsPolling(context.Background(), id, time.Second))
	<-received
}

func TestOrchestratorUnknownSessionErrors(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()

	unknown := NewSessionID()
	_, err := orch.GetFacts(context.Background(), unknown, []FactType{FactHost}, 0)
	var snf *SessionNotFoundError
	assert.ErrorAs(t, err, &snf)

	assert.ErrorAs(t, orch.RemoveServer(unknown), &snf)
}

func TestOrchestratorCachesFactsFromUnsolicitedEvent(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()

	session := NewSessionID()
	fact := Fact{ID: FactHost, Name: "Host", Host: &HostFact{Name: "box9"}}
	orch.eventsIn <- Event{Kind: EventFactsReceived, SessionID: session, Facts: []Fact{fact}}

	ev := drainEvent(t, orch, EventFactsReceived)
	assert.Equal(t, session, ev.SessionID)

	got, _, ok := orch.GetFactWithTimestamp(session, FactHost)
	require.True(t, ok)
	assert.Equal(t, "box9", got.Host.Name)
}

func TestOrchestratorAddServerThenRemoveServer(t *testing.T) {
	orch := NewOrchestrator()
	defer orch.Dispose()

	id := orch.AddServer("127.0.0.1", 1, "unreachable")
	assert.NoError(t, orch.RemoveServer(id))
}

func TestOrchestratorDisposeIsIdempotent(t *testing.T) {
	orch := NewOrchestrator()
	require.NoError(t, orch.Dispose())
	require.NoError(t, orch.Dispose())

	_, stillOpen := <-orch.Events()
	assert.False(t, stillOpen)
}
