// Package auth authenticates the agent side of the bridge with short-lived
// HS256 bearer tokens signed by a shared secret.
//
// The same SharedSecret both verifies tokens presented to the agent API and
// mints tokens the server attaches when it proxies requests to the agent, so
// the two processes only need to agree on one secret file.
//
//	keys, err := secret.Open("/run/secrets/agent")
//	a := auth.NewSharedSecret(keys, auth.WithIssuer("capbridge"))
//	mux.Handle("/v1/", auth.Middleware(a, "capbridge", logger)(api))
//
// End-user authentication of browser sessions is out of scope.
package auth
