// Package memory provides an in-memory broker.Broker suitable for single-node
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/capbridge-go/broker"
)

// DefaultMaxLen bounds the number of retained messages per namespace.
// The bridge queues one namespace per attached session, so this is also the
// most requests a session can have waiting on a slow reader.
const DefaultMaxLen = 1024

// Broker implements broker.Broker with process-local state.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	counter    atomic.Int64
	maxLen     int
}

type namespace struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	// base is the absolute position of messages[0].
	base   int
	notify chan struct{}
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxLen sets how many messages each namespace retains. Publishing past
// the limit drops the oldest messages whether or not a subscriber has seen
// them yet; invocations whose requests are dropped this way are not failed
// early and settle only at their deadline. Zero disables the limit.
func WithMaxLen(n int) Option {
	return func(b *Broker) { b.maxLen = n }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{namespaces: make(map[string]*namespace), maxLen: DefaultMaxLen}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{notify: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	// Ids are allocated under the namespace lock so they increase in publish order.
	eventID := strconv.FormatInt(b.counter.Add(1), 10)
	ns.messages = append(ns.messages, broker.MessageEnvelope{ID: eventID, Data: append([]byte(nil), data...)})
	if b.maxLen > 0 && len(ns.messages) > b.maxLen {
		drop := len(ns.messages) - b.maxLen
		ns.messages = append([]broker.MessageEnvelope(nil), ns.messages[drop:]...)
		ns.base += drop
	}
	close(ns.notify)
	ns.notify = make(chan struct{})
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, afterEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	next := ns.base
	if afterEventID != "" {
		found := false
		for i, m := range ns.messages {
			if m.ID == afterEventID {
				next = ns.base + i + 1
				found = true
				break
			}
		}
		if !found {
			ns.mu.Unlock()
			return broker.ErrEventNotFound
		}
	}
	ns.mu.Unlock()

	for {
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return broker.ErrNamespaceClosed
		}
		if next < ns.base {
			next = ns.base
		}
		var batch []broker.MessageEnvelope
		if idx := next - ns.base; idx < len(ns.messages) {
			batch = append(batch, ns.messages[idx:]...)
			next += len(batch)
		}
		wait := ns.notify
		ns.mu.Unlock()

		for _, env := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	if ok {
		delete(b.namespaces, namespaceName)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	ns.closed = true
	ns.messages = nil
	close(ns.notify)
	ns.notify = make(chan struct{})
	ns.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
