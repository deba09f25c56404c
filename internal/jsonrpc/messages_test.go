package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestDecode_Types(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"request", `{"jsonrpc":"2.0","id":"a","method":"m"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"m","params":{}}`, "notification"},
		{"result", `{"jsonrpc":"2.0","id":"a","result":{"ok":true}}`, "response"},
		{"error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, "response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := msg.Type(); got != tc.want {
				t.Fatalf("type = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		`[{"jsonrpc":"2.0","method":"m"}]`,
		`{"jsonrpc":"1.0","method":"m"}`,
		`{"jsonrpc":"2.0","id":"a","method":"m","result":1}`,
		`{"jsonrpc":"2.0","id":"a"}`,
		`{"jsonrpc":"2.0","result":1}`,
		`not json`,
	}
	for _, raw := range bad {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("expected error decoding %s", raw)
		}
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`"abc"`, `42`} {
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(out) != raw {
			t.Fatalf("round trip %s -> %s", raw, out)
		}
	}

	if NewRequestID("x").String() != "x" || NewRequestID(int64(3)).String() != "3" {
		t.Fatal("unexpected String() output")
	}
	var nilID *RequestID
	if !nilID.IsNil() || nilID.String() != "" {
		t.Fatal("nil id should be empty")
	}
}
