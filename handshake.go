package hmon

import (
	"bytes"
	"context"
	"fmt"
)

const (
	handshakeSupportedProtocols = "SupportedProtocols=2"
	handshakeUsingProtocol      = "UsingProtocol=2"
)

// handshakeWriter is the narrow surface performHandshake needs to write a
// raw (non-enveloped) frame; ConnectionActor's writer satisfies it.
type handshakeWriter interface {
	writeRaw(ctx context.Context, payload []byte) error
}

// performHandshake executes the fixed four-frame HMON version handshake:
// send SupportedProtocols=2, expect it echoed, send UsingProtocol=2, expect
// it echoed. Any mismatch, premature EOF, or I/O error fails the handshake;
// no payload frame is written before this returns successfully.
func performHandshake(ctx context.Context, w handshakeWriter, decoder *FrameDecoder) error {
	if err := w.writeRaw(ctx, []byte(handshakeSupportedProtocols)); err != nil {
		return &HandshakeFailedError{Stage: "send SupportedProtocols", Err: err}
	}

	payload, err := decoder.Next()
	if err != nil {
		return &HandshakeFailedError{Stage: "recv SupportedProtocols", Err: err}
	}
	if !bytes.Equal(payload, []byte(handshakeSupportedProtocols)) {
		return &HandshakeFailedError{
			Stage: "recv SupportedProtocols",
			Err:   fmt.Errorf("unexpected payload %q", payload),
		}
	}

	if err := w.writeRaw(ctx, []byte(handshakeUsingProtocol)); err != nil {
		return &HandshakeFailedError{Stage: "send UsingProtocol", Err: err}
	}

	payload, err = decoder.Next()
	if err != nil {
		return &HandshakeFailedError{Stage: "recv UsingProtocol", Err: err}
	}
	if !bytes.Equal(payload, []byte(handshakeUsingProtocol)) {
		return &HandshakeFailedError{
			Stage: "recv UsingProtocol",
			Err:   fmt.Errorf("unexpected payload %q", payload),
		}
	}

	return nil
}
