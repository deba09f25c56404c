package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", Transport: "ws"})
	ctx = WithInvocationData(ctx, &InvocationData{InvocationID: "i1", Capability: "get_user_location"})
	log.InfoContext(ctx, "invoke.settle")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" || sess["transport"] != "ws" {
		t.Fatalf("missing session group: %v", rec)
	}
	inv, _ := rec["inv"].(map[string]any)
	if inv["id"] != "i1" || inv["capability"] != "get_user_location" {
		t.Fatalf("missing invocation group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
}

func TestWrap_Idempotent(t *testing.T) {
	l := Wrap(nil)
	if Wrap(l) != l {
		t.Fatal("wrapping a decorated logger should return it unchanged")
	}
}
