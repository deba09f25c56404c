package agentapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/auth"
	"github.com/ggoodman/capbridge-go/auth/authtest"
	"github.com/ggoodman/capbridge-go/broker/memory"
	"github.com/ggoodman/capbridge-go/correlator"
	"github.com/ggoodman/capbridge-go/delegation"
	"github.com/ggoodman/capbridge-go/transport"
)

type call struct {
	session, name string
	args          any
	timeout       time.Duration
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []call
	outcome capbridge.Outcome
}

func (f *fakeInvoker) Invoke(ctx context.Context, sessionID, name string, args any, timeout time.Duration) capbridge.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sessionID, name, args, timeout})
	return f.outcome
}

type fakeDirectory map[string][]capbridge.Declaration

func (d fakeDirectory) Sessions() []string {
	out := make([]string, 0, len(d))
	for id := range d {
		out = append(out, id)
	}
	return out
}

func (d fakeDirectory) Capabilities(id string) ([]capbridge.Declaration, bool) {
	decls, ok := d[id]
	return decls, ok
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvoke_ReturnsOutcome(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: capbridge.Ok(json.RawMessage(`{"latitude":1,"longitude":2}`))}
	h := New(inv, fakeDirectory{})

	rec := do(t, h, http.MethodPost, "/v1/sessions/s1/invocations", "application/json",
		`{"name":"get_user_location","args":{"highAccuracy":true},"timeoutMs":1500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var o capbridge.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatal(err)
	}
	if !o.OK() || string(o.Value) != `{"latitude":1,"longitude":2}` {
		t.Fatalf("unexpected outcome %+v", o)
	}

	c := inv.calls[0]
	if c.session != "s1" || c.name != "get_user_location" || c.timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected call %+v", c)
	}
	if raw, ok := c.args.(json.RawMessage); !ok || string(raw) != `{"highAccuracy":true}` {
		t.Fatalf("args not forwarded verbatim: %#v", c.args)
	}
}

func TestInvoke_FailureIsStill200(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: capbridge.Fail(capbridge.KindRejected, "Geolocation is not supported")}
	rec := do(t, New(inv, fakeDirectory{}), http.MethodPost, "/v1/sessions/s1/invocations", "", `{"name":"get_user_location"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := `{"error":{"kind":"rejected","message":"Geolocation is not supported"}}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Fatalf("body = %s, want %s", got, want)
	}
	if inv.calls[0].args != nil || inv.calls[0].timeout != 0 {
		t.Fatalf("absent args/timeout should pass as zero values: %+v", inv.calls[0])
	}
}

func TestInvoke_BadRequests(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	h := New(inv, fakeDirectory{}, WithMaxBodySize(64))

	tests := []struct {
		name, ct, body string
		want           int
	}{
		{"empty body", "application/json", "", http.StatusBadRequest},
		{"not json", "application/json", "{", http.StatusBadRequest},
		{"missing name", "application/json", `{"args":{}}`, http.StatusBadRequest},
		{"negative timeout", "application/json", `{"name":"x","timeoutMs":-1}`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"name":"x"}`, http.StatusUnsupportedMediaType},
		{"too large", "application/json", `{"name":"` + strings.Repeat("x", 100) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/v1/sessions/s1/invocations", tt.ct, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, rec.Code)
		}
	}
	if len(inv.calls) != 0 {
		t.Fatalf("rejected requests reached the invoker: %+v", inv.calls)
	}
}

func TestSessionsAndCapabilities(t *testing.T) {
	t.Parallel()

	dir := fakeDirectory{
		"s1": {{Name: "get_user_location", Description: "Where am I"}},
		"s2": nil,
	}
	h := New(&fakeInvoker{}, dir)

	rec := do(t, h, http.MethodGet, "/v1/sessions", "", "")
	var sessions struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil || len(sessions.Sessions) != 2 {
		t.Fatalf("unexpected sessions response %s (%v)", rec.Body, err)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/s1/capabilities", "", "")
	var caps struct {
		Capabilities []capbridge.Declaration `json:"capabilities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &caps); err != nil {
		t.Fatal(err)
	}
	if len(caps.Capabilities) != 1 || caps.Capabilities[0].Name != "get_user_location" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/s2/capabilities", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"capabilities":[]`) {
		t.Fatalf("attached session without declarations: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/nope/capabilities", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRequiresToken(t *testing.T) {
	t.Parallel()

	ss := auth.NewSharedSecret(authtest.StaticKey("0123456789abcdef0123456789abcdef"))
	h := auth.Middleware(ss, "capbridge", nil)(New(&fakeInvoker{}, fakeDirectory{}))

	rec := do(t, h, http.MethodGet, "/v1/sessions", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, err := ss.Sign("agent")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec2.Code)
	}
}

func TestInvoke_NullArgsAreAbsent(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: capbridge.Ok(nil)}
	rec := do(t, New(inv, fakeDirectory{}), http.MethodPost, "/v1/sessions/s1/invocations", "application/json",
		`{"name":"get_user_location","args":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if inv.calls[0].args != nil {
		t.Fatalf("null args should be forwarded as absent, got %#v", inv.calls[0].args)
	}
}

func TestInvoke_HugeTimeoutSaturates(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: capbridge.Ok(nil)}
	h := New(inv, fakeDirectory{})
	for _, ms := range []string{"18446744073710", "9223372036854775807"} {
		rec := do(t, h, http.MethodPost, "/v1/sessions/s1/invocations", "application/json",
			`{"name":"x","timeoutMs":`+ms+`}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("timeoutMs=%s: expected 200, got %d", ms, rec.Code)
		}
	}
	for _, c := range inv.calls {
		if c.timeout != time.Duration(math.MaxInt64) {
			t.Fatalf("expected saturated timeout, got %v", c.timeout)
		}
	}
}

func TestInvoke_HugeTimeoutIsCappedNotExpired(t *testing.T) {
	t.Parallel()

	calls := correlator.New()
	defer calls.Close(capbridge.SessionUnavailable())
	hub := transport.NewHub(memory.New(), calls)
	b := delegation.New(hub, calls, delegation.WithMaxTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := hub.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	// A client that answers every request after 50ms.
	go func() {
		_ = sess.Outbound(ctx, func(ctx context.Context, _ string, data []byte) error {
			env, err := capbridge.DecodeEnvelope(data)
			if err != nil || env.Kind != capbridge.EnvelopeInvoke {
				return nil
			}
			time.Sleep(50 * time.Millisecond)
			res, err := capbridge.EncodeInvokeResult(capbridge.ResultFromOutcome(env.Request.ID, capbridge.Ok(json.RawMessage(`"done"`))))
			if err != nil {
				return err
			}
			return sess.HandleInbound(ctx, res)
		})
	}()

	rec := do(t, New(b, hub), http.MethodPost, "/v1/sessions/s1/invocations", "application/json",
		`{"name":"slow","timeoutMs":18446744073710}`)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"value":"done"}` {
		t.Fatalf("body = %s", got)
	}
}
