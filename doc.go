// Package capbridge defines the data model of the capability bridge: the
// protocol by which a server-side agent asks one connected client session to
// run a named capability and waits for exactly one settled outcome.
//
// The bridge is split into small packages that are wired together by the
// host process:
//
//   - capability: the client-side registry of executable capabilities.
//   - client: the client-side runtime that executes requests and reports results.
//   - correlator: server-side table of in-flight invocations keyed by id.
//   - transport: the session hub that queues requests per session and routes
//     results back to the correlator.
//   - delegation: the agent-facing Broker whose Invoke never returns a Go error.
//   - streaminghttp, wsbridge, stdio: connection adapters for the hub.
//
// # Outcomes
//
// Every invocation settles exactly once with an Outcome. An Outcome either
// carries a JSON value or an *Error whose Kind is one of KindRejected,
// KindUnavailable, KindUnsendable or KindTimeout. Expected failures are values,
// never panics or Go errors, so an agent can always recover and continue its
// turn.
//
// # Wire format
//
// Envelopes are JSON-RPC 2.0 messages multiplexed on the session channel:
//
//	server -> client  {"jsonrpc":"2.0","id":"…","method":"capabilities/invoke","params":{"name":…,"args":…,"deadline":…}}
//	client -> server  {"jsonrpc":"2.0","id":"…","result":{"ok":true,"value":…}}
//	client -> server  {"jsonrpc":"2.0","method":"capabilities/declare","params":{"capabilities":[…]}}
//	server -> client  {"jsonrpc":"2.0","method":"capabilities/cancel","params":{"id":"…"}}
package capbridge
