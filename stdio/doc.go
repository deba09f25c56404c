// Package stdio carries bridge envelopes as newline-delimited JSON over a
// reader/writer pair. It is intended for embedding a capability provider as a
// subprocess, local development, and tests.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 session
//	Session id       : OS user by default, or WithSessionID
//	Framing          : one JSON-RPC envelope per line
//
// The server side is a Handler attached to a transport.Hub:
//
//	h := stdio.NewHandler(hub, stdio.WithIO(child.Stdout, child.Stdin))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// The client side wraps the opposite ends with NewConn and hands the result
// to client.Runtime.Serve.
package stdio
