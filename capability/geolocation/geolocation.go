// Package geolocation provides the get_user_location capability: a client
// executor backed by a device position source with its own latency and
// failure modes.
package geolocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go/capability"
)

// Name is the capability name agents invoke.
const Name = "get_user_location"

var (
	// ErrUnsupported is returned when the device has no position source.
	ErrUnsupported = errors.New("Geolocation is not supported")
	// ErrPermissionDenied is returned when the user refused location access.
	ErrPermissionDenied = errors.New("User denied the request for Geolocation")
	// ErrPositionUnavailable is returned when the source could not produce a fix.
	ErrPositionUnavailable = errors.New("Location information is unavailable")
	// ErrTimeout is returned when no fix arrived within the executor's own bound.
	ErrTimeout = errors.New("The request to get user location timed out")
)

// Position is the value returned to the agent.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Options mirror the knobs a device position source offers.
type Options struct {
	// Timeout bounds a single fix. Zero means DefaultTimeout. The executor
	// further clamps it to the invocation context's deadline.
	Timeout time.Duration
	// MaximumAge allows a cached fix no older than this to be returned.
	MaximumAge time.Duration
	// HighAccuracy is forwarded to the Locator.
	HighAccuracy bool
}

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Locator obtains a position fix. Implementations should return one of the
// package errors for recoverable failures.
type Locator interface {
	Locate(ctx context.Context, highAccuracy bool) (Position, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, highAccuracy bool) (Position, error)

func (f LocatorFunc) Locate(ctx context.Context, highAccuracy bool) (Position, error) {
	return f(ctx, highAccuracy)
}

type args struct {
	HighAccuracy *bool `json:"highAccuracy,omitempty" jsonschema:"description=Request a high accuracy fix when the device supports it"`
}

type source struct {
	loc  Locator
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	last    Position
	lastAt  time.Time
	hasLast bool
}

// New returns the get_user_location capability. A nil Locator produces a
// capability that always fails with ErrUnsupported.
func New(loc Locator, opts Options) capability.Capability {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	s := &source{loc: loc, opts: opts, now: time.Now}
	return capability.NewTyped(Name, s.locate,
		capability.WithDescription("Get the user's current location from their device"),
	)
}

func (s *source) locate(ctx context.Context, a args) (Position, error) {
	if s.loc == nil {
		return Position{}, ErrUnsupported
	}

	if p, ok := s.cached(); ok {
		return p, nil
	}

	timeout := s.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return Position{}, ErrTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	high := s.opts.HighAccuracy
	if a.HighAccuracy != nil {
		high = *a.HighAccuracy
	}

	type fix struct {
		pos Position
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		p, err := s.loc.Locate(ctx, high)
		ch <- fix{p, err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			if errors.Is(f.err, context.DeadlineExceeded) {
				return Position{}, ErrTimeout
			}
			return Position{}, f.err
		}
		s.remember(f.pos)
		return f.pos, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Position{}, ErrTimeout
		}
		return Position{}, ctx.Err()
	}
}

func (s *source) cached() (Position, bool) {
	if s.opts.MaximumAge <= 0 {
		return Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLast || s.now().Sub(s.lastAt) > s.opts.MaximumAge {
		return Position{}, false
	}
	return s.last, true
}

func (s *source) remember(p Position) {
	s.mu.Lock()
	s.last, s.lastAt, s.hasLast = p, s.now(), true
	s.mu.Unlock()
}

// Static is a Locator that always reports the same position.
func Static(p Position) Locator {
	return LocatorFunc(func(ctx context.Context, _ bool) (Position, error) {
		return p, nil
	})
}
