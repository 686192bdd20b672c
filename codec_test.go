package hmon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommandInjectsUID(t *testing.T) {
	payload, err := encodeCommand(cmdGetFacts, map[string]any{"Facts": []int{1, 3}}, "corr-1")
	require.NoError(t, err)

	var envelope [2]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	var name string
	require.NoError(t, json.Unmarshal(envelope[0], &name))
	assert.Equal(t, cmdGetFacts, name)

	var args map[string]any
	require.NoError(t, json.Unmarshal(envelope[1], &args))
	assert.Equal(t, "corr-1", args["UID"])
}

func TestEncodeCommandOmitsUIDWhenEmpty(t *testing.T) {
	payload, err := encodeCommand(cmdStopFacts, nil, "")
	require.NoError(t, err)

	var envelope [2]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	var args map[string]any
	require.NoError(t, json.Unmarshal(envelope[1], &args))
	_, hasUID := args["UID"]
	assert.False(t, hasUID)
}

func TestDecodeEnvelopeFacts(t *testing.T) {
	payload := []byte(`["Facts",{"UID":"abc","Facts":[{"ID":1,"Name":"Host","Value":{"Name":"box1","PID":42}}]}]`)
	ev, uid, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	assert.Equal(t, "abc", uid)
	assert.Equal(t, EventFactsReceived, ev.Kind)
	require.Len(t, ev.Facts, 1)
	assert.Equal(t, FactHost, ev.Facts[0].Variant())
	assert.Equal(t, "box1", ev.Facts[0].Host.Name)
}

func TestDecodeEnvelopeNotification(t *testing.T) {
	payload := []byte(`["Notification",{"Event":{"ID":3,"Name":"UntrappedSignal"},"Tid":7}]`)
	ev, _, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	assert.Equal(t, EventNotificationReceived, ev.Kind)
	require.NotNil(t, ev.Notification)
	assert.Equal(t, SubscriptionUntrappedSignal, ev.Notification.Event.ID)
	assert.Equal(t, 7, ev.Notification.Tid)
}

func TestDecodeEnvelopeSubscribed(t *testing.T) {
	payload := []byte(`["Subscribed",{"UID":"u1","Events":[1,6]}]`)
	ev, uid, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	assert.Equal(t, "u1", uid)
	require.NotNil(t, ev.Subscribed)
	assert.Equal(t, []SubscriptionEvent{SubscriptionWorkspaceCompaction, SubscriptionAll}, ev.Subscribed.Events)
}

func TestDecodeEnvelopeRideConnection(t *testing.T) {
	payload := []byte(`["RideConnection",{"Connected":1}]`)
	ev, _, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	require.NotNil(t, ev.RideConnection)
	assert.True(t, bool(ev.RideConnection.Connected))
}

func TestDecodeEnvelopeUserMessage(t *testing.T) {
	payload := []byte(`["UserMessage",{"Message":"hello"}]`)
	ev, _, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	require.NotNil(t, ev.UserMessage)
	assert.Equal(t, "hello", ev.UserMessage.Message)
}

func TestDecodeEnvelopeRemoteRejectionKinds(t *testing.T) {
	cases := []struct {
		name string
		kind EventKind
	}{
		{inUnknownCommand, EventUnknownCommand},
		{inMalformedCommand, EventMalformedCommand},
		{inInvalidSyntax, EventInvalidSyntax},
		{inDisallowedUID, EventDisallowedUID},
	}
	for _, tc := range cases {
		payload := []byte(`["` + tc.name + `",{"Message":"nope"}]`)
		ev, _, recognized, err := decodeEnvelope(payload)
		require.NoError(t, err)
		require.True(t, recognized)
		assert.Equal(t, tc.kind, ev.Kind)
		require.NotNil(t, ev.RemoteRejection)
		assert.Equal(t, "nope", ev.RemoteRejection.Detail)
	}
}

func TestDecodeEnvelopeUnrecognizedCommandIsIgnoredNotError(t *testing.T) {
	payload := []byte(`["SomeFutureCommand",{"Whatever":1}]`)
	_, _, recognized, err := decodeEnvelope(payload)
	require.NoError(t, err)
	assert.False(t, recognized)
}

func TestDecodeEnvelopeMalformedEnvelopeIsProtocolViolation(t *testing.T) {
	_, _, _, err := decodeEnvelope([]byte(`not json`))
	var pv *ProtocolViolationError
	require.ErrorAs(t, err, &pv)
}

func TestDecodeEnvelopeBadFactBodyIsDecodeError(t *testing.T) {
	payload := []byte(`["Facts",{"Facts":[{"ID":3,"Name":"Workspace","Value":{"Available":"not-a-number"}}]}]`)
	_, _, recognized, err := decodeEnvelope(payload)
	require.True(t, recognized)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}
