// Package hmon implements a monitoring orchestrator and protocol client for
// a fleet of long-running Dyalog APL interpreter processes. Each interpreter
// exposes HMON, a length-prefixed JSON request/response protocol carried
// over DRP-T framing on top of TCP.
//
// The orchestrator dials or accepts connections, drives each through the
// HMON handshake, issues correlated commands (GetFacts, PollFacts,
// Subscribe, ...), forwards unsolicited notifications, and merges
// everything into one ordered Event stream while keeping a TTL'd cache of
// the latest fact values.
package hmon
