// Package streaminghttp exposes bridge sessions over plain HTTP: a
// long-lived Server-Sent Events stream carries requests to the client and
// short POSTs carry its results and declarations back.
//
// Endpoints (relative to the configured path, "/bridge" by default):
//
//	GET    stream the session's outbound envelopes as text/event-stream
//	POST   submit one JSON-RPC envelope (result or capabilities/declare)
//	DELETE detach the session
//
// The session is identified by the Bridge-Session-Id header or, for
// EventSource clients that cannot set headers, the "session" query
// parameter. The session stays attached for as long as the GET stream is
// open; when the stream ends every invocation still pending for the session
// settles as unsendable.
//
// Example:
//
//	hub := transport.NewHub(memory.New(), calls)
//	mux.Handle("/bridge", streaminghttp.New(hub))
package streaminghttp
