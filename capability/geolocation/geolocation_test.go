package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/capbridge-go/capability"
)

func register(t *testing.T, loc Locator, opts Options) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	if err := r.Register(New(loc, opts)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestLocate_Success(t *testing.T) {
	t.Parallel()

	r := register(t, Static(Position{Latitude: 37.77, Longitude: -122.41}), Options{})
	out, err := r.Execute(context.Background(), Name, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var p Position
	if err := json.Unmarshal(out, &p); err != nil {
		t.Fatal(err)
	}
	if p.Latitude != 37.77 || p.Longitude != -122.41 {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestLocate_Unsupported(t *testing.T) {
	t.Parallel()

	r := register(t, nil, Options{})
	_, err := r.Execute(context.Background(), Name, nil)
	if !errors.Is(err, ErrUnsupported) || err.Error() != "Geolocation is not supported" {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLocate_DeniedPassesThrough(t *testing.T) {
	t.Parallel()

	r := register(t, LocatorFunc(func(ctx context.Context, _ bool) (Position, error) {
		return Position{}, ErrPermissionDenied
	}), Options{})
	if _, err := r.Execute(context.Background(), Name, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestLocate_BoundsItsOwnWait(t *testing.T) {
	t.Parallel()

	hang := LocatorFunc(func(ctx context.Context, _ bool) (Position, error) {
		<-ctx.Done()
		return Position{}, ctx.Err()
	})

	r := register(t, hang, Options{Timeout: 30 * time.Millisecond})
	start := time.Now()
	_, err := r.Execute(context.Background(), Name, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("executor waited too long: %v", elapsed)
	}

	// The caller's deadline wins when it is tighter than Options.Timeout.
	r = register(t, hang, Options{Timeout: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Execute(ctx, Name, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout under caller deadline, got %v", err)
	}
}

func TestLocate_MaximumAgeUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	loc := LocatorFunc(func(ctx context.Context, _ bool) (Position, error) {
		calls.Add(1)
		return Position{Latitude: 1, Longitude: 2}, nil
	})
	r := register(t, loc, Options{MaximumAge: time.Minute})
	for i := 0; i < 3; i++ {
		if _, err := r.Execute(context.Background(), Name, nil); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single device fix, got %d", calls.Load())
	}
}

func TestLocate_HighAccuracyArgument(t *testing.T) {
	t.Parallel()

	var got atomic.Bool
	loc := LocatorFunc(func(ctx context.Context, high bool) (Position, error) {
		got.Store(high)
		return Position{}, nil
	})
	r := register(t, loc, Options{})
	if _, err := r.Execute(context.Background(), Name, json.RawMessage(`{"highAccuracy":true}`)); err != nil {
		t.Fatal(err)
	}
	if !got.Load() {
		t.Fatal("highAccuracy argument not forwarded")
	}
	if _, err := r.Execute(context.Background(), Name, json.RawMessage(`{"bogus":1}`)); err == nil {
		t.Fatal("unknown argument should be rejected")
	}
}
