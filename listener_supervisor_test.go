package hmon

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrchestratorListenerAcceptsAndHandshakes(t *testing.T) {
	// Grab a free port, then release it immediately: StartListener binds it
	// itself since Orchestrator.StartListener doesn't expose the net.Listener.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	orch := NewOrchestrator()
	defer orch.Dispose()
	require.NoError(t, orch.StartListener(host, port))

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	peer := newFakePeer(t, conn)
	peer.runHandshake(t)

	ev := drainEvent(t, orch, EventSessionConnected)
	require.NotEqual(t, SessionID{}, ev.SessionID)

	require.NoError(t, conn.Close())
	ev = drainEvent(t, orch, EventSessionDisconnected)
	require.NotEmpty(t, ev.DisconnectReason)
}
