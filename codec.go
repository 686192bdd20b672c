package hmon

import (
	"encoding/json"
	"fmt"
)

// Outbound command names (orchestrator -> remote), spec §6.
const (
	cmdGetFacts          = "GetFacts"
	cmdGetLastKnownState = "GetLastKnownState"
	cmdPollFacts         = "PollFacts"
	cmdStopFacts         = "StopFacts"
	cmdBumpFacts         = "BumpFacts"
	cmdSubscribe         = "Subscribe"
	cmdConnectRide       = "ConnectRide"
)

// Inbound command names (remote -> orchestrator), spec §4.3.
const (
	inFacts            = "Facts"
	inNotification     = "Notification"
	inLastKnownState   = "LastKnownState"
	inSubscribed       = "Subscribed"
	inRideConnection   = "RideConnection"
	inUserMessage      = "UserMessage"
	inUnknownCommand   = "UnknownCommand"
	inMalformedCommand = "MalformedCommand"
	inInvalidSyntax    = "InvalidSyntax"
	inDisallowedUID    = "DisallowedUID"
)

// encodeCommand serializes [name, args] as a UTF-8 JSON envelope. When uid
// is non-empty it is injected into args under "UID"; commands that must not
// carry a correlation id (StopFacts, BumpFacts) are called with uid == "".
func encodeCommand(name string, args map[string]any, uid string) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	if uid != "" {
		args["UID"] = uid
	}
	return json.Marshal([2]any{name, args})
}

// decodeEnvelope parses a post-handshake payload's [name, args] array and
// dispatches on name to a typed Event. Unknown command names are reported
// via the bool return (false) so the caller can log and ignore them without
// treating the frame as an error (spec §4.3: "Unknown command names MUST be
// ignored ... to permit protocol evolution").
func decodeEnvelope(payload []byte) (ev Event, uid string, recognized bool, err error) {
	var envelope [2]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, "", false, &ProtocolViolationError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}

	var name string
	if err := json.Unmarshal(envelope[0], &name); err != nil {
		return Event{}, "", false, &ProtocolViolationError{Reason: fmt.Sprintf("malformed command name: %v", err)}
	}
	args := envelope[1]

	var uidHolder struct {
		UID string `json:"UID"`
	}
	_ = json.Unmarshal(args, &uidHolder)
	uid = uidHolder.UID

	switch name {
	case inFacts:
		var body struct {
			Facts []json.RawMessage `json:"Facts"`
		}
		if err := json.Unmarshal(args, &body); err != nil {
			return Event{}, uid, true, &DecodeError{Command: inFacts, Err: err}
		}
		facts := make([]Fact, 0, len(body.Facts))
		for _, raw := range body.Facts {
			f, err := decodeFact(raw)
			if err != nil {
				// A single malformed fact is reported for that frame but
				// does not terminate the connection (spec §4.3).
				return Event{}, uid, true, &DecodeError{Command: inFacts, Err: err}
			}
			facts = append(facts, f)
		}
		return Event{Kind: EventFactsReceived, UID: uid, Facts: facts}, uid, true, nil

	case inNotification:
		var body NotificationPayload
		if err := json.Unmarshal(args, &body); err != nil {
			return Event{}, uid, true, &DecodeError{Command: inNotification, Err: err}
		}
		return Event{Kind: EventNotificationReceived, UID: uid, Notification: &body}, uid, true, nil

	case inLastKnownState:
		body := &LastKnownStatePayload{Raw: args}
		var wrapper struct {
			Facts []json.RawMessage `json:"Facts"`
		}
		if err := json.Unmarshal(args, &wrapper); err == nil {
			for _, raw := range wrapper.Facts {
				if f, err := decodeFact(raw); err == nil {
					body.Facts = append(body.Facts, f)
				}
			}
		}
		return Event{Kind: EventLastKnownStateReceived, UID: uid, LastKnownState: body}, uid, true, nil

	case inSubscribed:
		var body SubscribedPayload
		if err := json.Unmarshal(args, &body); err != nil {
			return Event{}, uid, true, &DecodeError{Command: inSubscribed, Err: err}
		}
		return Event{Kind: EventSubscribedResponseReceived, UID: uid, Subscribed: &body}, uid, true, nil

	case inRideConnection:
		var body RideConnectionPayload
		if err := json.Unmarshal(args, &body); err != nil {
			return Event{}, uid, true, &DecodeError{Command: inRideConnection, Err: err}
		}
		return Event{Kind: EventRideConnectionReceived, UID: uid, RideConnection: &body}, uid, true, nil

	case inUserMessage:
		var body UserMessagePayload
		if err := json.Unmarshal(args, &body); err != nil {
			return Event{}, uid, true, &DecodeError{Command: inUserMessage, Err: err}
		}
		return Event{Kind: EventUserMessageReceived, UID: uid, UserMessage: &body}, uid, true, nil

	case inUnknownCommand, inMalformedCommand, inInvalidSyntax, inDisallowedUID:
		kind := map[string]EventKind{
			inUnknownCommand:   EventUnknownCommand,
			inMalformedCommand: EventMalformedCommand,
			inInvalidSyntax:    EventInvalidSyntax,
			inDisallowedUID:    EventDisallowedUID,
		}[name]
		detail := struct {
			Message string `json:"Message"`
		}{}
		_ = json.Unmarshal(args, &detail)
		return Event{
			Kind: kind,
			UID:  uid,
			RemoteRejection: &RemoteRejectionPayload{
				Command: name,
				Detail:  detail.Message,
			},
		}, uid, true, nil

	default:
		return Event{}, uid, false, nil
	}
}

// factTypeInts converts FactType values to their wire integer form for
// GetFacts/PollFacts argument construction.
func factTypeInts(types []FactType) []int {
	out := make([]int, len(types))
	for i, t := range types {
		out[i] = int(t)
	}
	return out
}

// subscriptionInts converts SubscriptionEvent values to their wire integer form.
func subscriptionInts(events []SubscriptionEvent) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = int(e)
	}
	return out
}
