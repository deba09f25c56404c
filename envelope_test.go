package capbridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelope_InvokeRoundTrip(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := EncodeInvokeRequest(InvokeRequest{ID: "abc", Name: "get_user_location", Args: json.RawMessage(`{}`), Deadline: deadline})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != EnvelopeInvoke || env.Request == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Request.ID != "abc" || env.Request.Name != "get_user_location" || !env.Request.Deadline.Equal(deadline) {
		t.Fatalf("unexpected request: %+v", env.Request)
	}
}

func TestEnvelope_Results(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		raw      string
		wantKind ErrorKind
		wantMsg  string
	}{
		{"ok", `{"jsonrpc":"2.0","id":"1","result":{"ok":true,"value":{"latitude":1}}}`, "", ""},
		{"rejected", `{"jsonrpc":"2.0","id":"1","result":{"ok":false,"error":{"kind":"rejected","message":"Geolocation is not supported"}}}`, KindRejected, "Geolocation is not supported"},
		{"unavailable", `{"jsonrpc":"2.0","id":"1","result":{"ok":false,"error":{"kind":"unavailable","message":"no such capability"}}}`, KindUnavailable, "no such capability"},
		{"forged timeout", `{"jsonrpc":"2.0","id":"1","result":{"ok":false,"error":{"kind":"timeout","message":"slow"}}}`, KindRejected, "slow"},
		{"missing error", `{"jsonrpc":"2.0","id":"1","result":{"ok":false}}`, KindRejected, "malformed result: missing error"},
		{"jsonrpc error", `{"jsonrpc":"2.0","id":"1","error":{"code":-32603,"message":"boom"}}`, KindRejected, "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Kind != EnvelopeResult || env.Result.ID != "1" {
				t.Fatalf("unexpected envelope: %+v", env)
			}
			o := env.Result.Outcome()
			if o.Kind() != tc.wantKind {
				t.Fatalf("kind = %q, want %q", o.Kind(), tc.wantKind)
			}
			if tc.wantKind != "" && o.Error.Message != tc.wantMsg {
				t.Fatalf("message = %q, want %q", o.Error.Message, tc.wantMsg)
			}
		})
	}
}

func TestEnvelope_DeclareAndCancel(t *testing.T) {
	t.Parallel()

	data, err := EncodeDeclare([]Declaration{{Name: "a", ParameterSchema: json.RawMessage(`{"type":"object"}`)}})
	if err != nil {
		t.Fatalf("encode declare: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil || env.Kind != EnvelopeDeclare || len(env.Declarations) != 1 || env.Declarations[0].Name != "a" {
		t.Fatalf("declare: %+v %v", env, err)
	}

	data, err = EncodeCancel("xyz")
	if err != nil {
		t.Fatalf("encode cancel: %v", err)
	}
	env, err = DecodeEnvelope(data)
	if err != nil || env.Kind != EnvelopeCancel || env.CancelID != "xyz" {
		t.Fatalf("cancel: %+v %v", env, err)
	}
}

func TestEnvelope_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"jsonrpc":"2.0","id":"1","method":"other/method"}`,
		`{"jsonrpc":"2.0","method":"capabilities/invoke","params":{"name":"x"}}`,
		`{"jsonrpc":"2.0","id":"1","method":"capabilities/invoke","params":{}}`,
		`{"jsonrpc":"2.0","method":"capabilities/cancel","params":{}}`,
		`garbage`,
	} {
		if _, err := DecodeEnvelope([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%s: expected ErrMalformedMessage, got %v", raw, err)
		}
	}
}

func TestOutcome_Helpers(t *testing.T) {
	t.Parallel()

	ok := Ok(json.RawMessage(`{"latitude":37.77,"longitude":-122.41}`))
	var pos struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := ok.Decode(&pos); err != nil || pos.Latitude != 37.77 || pos.Longitude != -122.41 {
		t.Fatalf("decode: %+v %v", pos, err)
	}

	to := TimedOut()
	if to.OK() || to.Kind() != KindTimeout {
		t.Fatalf("unexpected timeout outcome: %+v", to)
	}
	if !errors.Is(to.Err(), &Error{Kind: KindTimeout}) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(to.Err(), &Error{Kind: KindRejected}) {
		t.Fatal("errors.Is should not match a different kind")
	}
	if string(Ok(nil).Value) != "null" {
		t.Fatal("nil value should normalize to null")
	}
}
