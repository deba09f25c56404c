package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/broker/memory"
	"github.com/ggoodman/capbridge-go/correlator"
)

func newHub(t *testing.T) (*Hub, *correlator.Correlator) {
	t.Helper()
	corr := correlator.New()
	t.Cleanup(func() { corr.Close(capbridge.SessionUnavailable()) })
	return NewHub(memory.New(), corr), corr
}

func request(id string) capbridge.InvokeRequest {
	return capbridge.InvokeRequest{ID: id, Name: "get_user_location", Deadline: time.Now().Add(time.Minute)}
}

func drain(t *testing.T, c *Conn, n int) []capbridge.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []capbridge.Envelope
	err := c.Outbound(ctx, func(ctx context.Context, id string, data []byte) error {
		env, err := capbridge.DecodeEnvelope(data)
		if err != nil {
			return err
		}
		out = append(out, env)
		if len(out) == n {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("outbound: %v", err)
	}
	if len(out) != n {
		t.Fatalf("expected %d outbound messages, got %d", n, len(out))
	}
	return out
}

func TestHub_SendToDetachedSession(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	if err := h.Send(context.Background(), "nobody", request("1")); !errors.Is(err, capbridge.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}
	if err := h.Cancel(context.Background(), "nobody", "1"); !errors.Is(err, capbridge.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}
}

func TestHub_AttachOnce(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Attach(ctx, "s1"); !errors.Is(err, ErrSessionAttached) {
		t.Fatalf("expected ErrSessionAttached, got %v", err)
	}
	if _, err := h.Attach(ctx, ""); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}

	c.Close()
	c.Close()
	if h.Connected("s1") {
		t.Fatal("session still connected after close")
	}
	if _, err := h.Attach(ctx, "s1"); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
}

func TestHub_OutboundPreservesSendOrder(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i := 0; i < 20; i++ {
		if err := h.Send(ctx, "s1", request(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Cancel(ctx, "s1", "3"); err != nil {
		t.Fatal(err)
	}

	envs := drain(t, c, 21)
	for i := 0; i < 20; i++ {
		if envs[i].Kind != capbridge.EnvelopeInvoke || envs[i].Request.ID != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %+v", i, envs[i])
		}
	}
	if envs[20].Kind != capbridge.EnvelopeCancel || envs[20].CancelID != "3" {
		t.Fatalf("expected trailing cancel, got %+v", envs[20])
	}
}

func TestHub_InboundResultSettlesCall(t *testing.T) {
	t.Parallel()

	h, corr := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	call, err := corr.Register("abc", "s1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	data, _ := capbridge.EncodeInvokeResult(capbridge.InvokeResult{ID: "abc", OK: true, Value: []byte(`{"latitude":1}`)})
	if err := c.HandleInbound(ctx, data); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-call.Done():
		if !o.OK() || string(o.Value) != `{"latitude":1}` {
			t.Fatalf("unexpected outcome %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("call not settled")
	}

	// A duplicate is dropped without error.
	if err := c.HandleInbound(ctx, data); err != nil {
		t.Fatalf("duplicate result: %v", err)
	}
}

func TestHub_ResultFromOtherSessionIgnored(t *testing.T) {
	t.Parallel()

	h, corr := newHub(t)
	ctx := context.Background()
	other, err := h.Attach(ctx, "s2")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if _, err := corr.Register("abc", "s1", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	data, _ := capbridge.EncodeInvokeResult(capbridge.InvokeResult{ID: "abc", OK: true})
	if err := other.HandleInbound(ctx, data); err != nil {
		t.Fatal(err)
	}
	if !corr.Pending("abc") {
		t.Fatal("another session settled the call")
	}
}

func TestHub_DeclarationsTrackLatestSet(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	data, _ := capbridge.EncodeDeclare([]capbridge.Declaration{{Name: "a"}, {Name: "get_user_location"}})
	if err := c.HandleInbound(ctx, data); err != nil {
		t.Fatal(err)
	}
	data, _ = capbridge.EncodeDeclare([]capbridge.Declaration{{Name: "get_user_location"}})
	if err := c.HandleInbound(ctx, data); err != nil {
		t.Fatal(err)
	}

	decls, ok := h.Capabilities("s1")
	if !ok || len(decls) != 1 || decls[0].Name != "get_user_location" {
		t.Fatalf("unexpected declarations %+v (attached=%v)", decls, ok)
	}

	c.Close()
	if _, ok := h.Capabilities("s1"); ok {
		t.Fatal("declarations survived detach")
	}
}

func TestHub_InboundRejectsMalformed(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.HandleInbound(ctx, []byte(`{not json`)); !errors.Is(err, capbridge.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	data, _ := capbridge.EncodeInvokeRequest(request("x"))
	if err := c.HandleInbound(ctx, data); !errors.Is(err, capbridge.ErrMalformedMessage) {
		t.Fatalf("client-originated invoke should be rejected, got %v", err)
	}
}

func TestHub_CloseCancelsPendingAndQueue(t *testing.T) {
	t.Parallel()

	h, corr := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	call, err := corr.Register("abc", "s1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Send(ctx, "s1", request("abc")); err != nil {
		t.Fatal(err)
	}

	outboundDone := make(chan error, 1)
	go func() {
		outboundDone <- c.Outbound(ctx, func(ctx context.Context, id string, data []byte) error { return nil })
	}()

	c.Close()

	select {
	case o := <-call.Done():
		if o.Kind() != capbridge.KindUnsendable {
			t.Fatalf("expected unsendable, got %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled")
	}
	select {
	case err := <-outboundDone:
		if err != nil {
			t.Fatalf("outbound should end cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound did not end on close")
	}

	// The request queued for the old connection is not replayed to a new one.
	c2, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if err := h.Send(ctx, "s1", request("fresh")); err != nil {
		t.Fatal(err)
	}
	envs := drain(t, c2, 1)
	if envs[0].Request.ID != "fresh" {
		t.Fatalf("stale request replayed: %+v", envs[0].Request)
	}
}

func TestHub_SendRacingCloseLeavesNothingPending(t *testing.T) {
	t.Parallel()

	h, corr := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprint(i)
			if _, err := corr.Register(id, "s1", time.Now().Add(time.Minute)); err != nil {
				t.Error(err)
				return
			}
			if err := h.Send(ctx, "s1", request(id)); err != nil {
				corr.Deliver(id, capbridge.SessionUnavailable())
			}
		}(i)
		if i == 100 {
			c.Close()
		}
	}
	wg.Wait()

	if n := corr.Len(); n != 0 {
		t.Fatalf("expected no pending calls, got %d", n)
	}
}

func TestHub_Sessions(t *testing.T) {
	t.Parallel()

	h, _ := newHub(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if _, err := h.Attach(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	got := h.Sessions()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected sessions %v", got)
	}
	h.Close()
	if len(h.Sessions()) != 0 {
		t.Fatal("sessions left after hub close")
	}
}

func TestHub_InboundAndDetachBySessionID(t *testing.T) {
	t.Parallel()

	h, corr := newHub(t)
	ctx := context.Background()
	c, err := h.Attach(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	call, err := corr.Register("abc", "s1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := capbridge.EncodeInvokeResult(capbridge.InvokeResult{ID: "abc", Error: &capbridge.Error{Kind: capbridge.KindRejected, Message: "nope"}})
	if err := h.HandleInbound(ctx, "s1", data); err != nil {
		t.Fatal(err)
	}
	if o := <-call.Done(); o.Kind() != capbridge.KindRejected || o.Error.Message != "nope" {
		t.Fatalf("unexpected outcome %+v", o)
	}

	if err := h.HandleInbound(ctx, "other", data); !errors.Is(err, capbridge.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", err)
	}

	if !h.Detach("s1") {
		t.Fatal("detach reported no connection")
	}
	if h.Detach("s1") {
		t.Fatal("second detach reported a connection")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("conn not closed by detach")
	}
	if err := c.HandleInbound(ctx, data); !errors.Is(err, capbridge.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable after close, got %v", err)
	}
}

// gatedCleanup holds every Cleanup until release is closed.
type gatedCleanup struct {
	*memory.Broker
	started chan string
	release chan struct{}
}

func (g *gatedCleanup) Cleanup(ctx context.Context, ns string) error {
	g.started <- ns
	<-g.release
	return g.Broker.Cleanup(ctx, ns)
}

func TestHub_TeardownDoesNotBlockOtherSessions(t *testing.T) {
	t.Parallel()

	b := &gatedCleanup{Broker: memory.New(), started: make(chan string, 8), release: make(chan struct{})}
	corr := correlator.New()
	t.Cleanup(func() { corr.Close(capbridge.SessionUnavailable()) })
	h := NewHub(b, corr)
	ctx := context.Background()

	a, err := h.Attach(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	other, err := h.Attach(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	select {
	case <-b.started:
	case <-time.After(time.Second):
		t.Fatal("cleanup never started")
	}

	// Session a's broker cleanup is stuck; everything else keeps moving.
	start := time.Now()
	if err := h.Send(ctx, "b", request("b-1")); err != nil {
		t.Fatal(err)
	}
	if err := h.Send(ctx, "a", request("a-1")); !errors.Is(err, capbridge.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable for the detached session, got %v", err)
	}
	again, err := h.Attach(ctx, "a")
	if err != nil {
		t.Fatalf("reattach during cleanup: %v", err)
	}
	defer again.Close()
	if err := h.Send(ctx, "a", request("a-2")); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("traffic blocked behind teardown for %v", elapsed)
	}

	close(b.release)
	<-closed

	// The late cleanup belonged to the old attachment only.
	if envs := drain(t, again, 1); envs[0].Request.ID != "a-2" {
		t.Fatalf("unexpected request %+v", envs[0].Request)
	}
	if envs := drain(t, other, 1); envs[0].Request.ID != "b-1" {
		t.Fatalf("unexpected request %+v", envs[0].Request)
	}
}
