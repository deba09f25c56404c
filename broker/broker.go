// Package broker defines the per-session outbound queue used by the bridge
// transport. Every session owns one namespace; messages published into a
// namespace are delivered to its subscribers in publish order.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrNamespaceClosed is returned by Subscribe when the namespace is cleaned
	// up while the subscription is active.
	ErrNamespaceClosed = errors.New("namespace closed")
	// ErrEventNotFound is returned when resuming after an event id that is not
	// retained.
	ErrEventNotFound = errors.New("event id not found")
)

// Broker provides namespace isolation and ordered delivery within each
// namespace.
type Broker interface {
	// Publish appends data to the namespace and returns its event id.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for every message in the namespace, in order,
	// starting after afterEventID. An empty afterEventID starts at the oldest
	// retained message. Subscribe blocks until ctx ends, handler returns an
	// error, or the namespace is cleaned up.
	Subscribe(ctx context.Context, namespace string, afterEventID string, handler MessageHandler) error

	// Cleanup removes all retained messages for the namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler consumes one envelope. Returning an error ends the subscription.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with its event id.
type MessageEnvelope struct {
	// ID is unique and increasing within the namespace.
	ID string `json:"id"`
	// Data is the encoded bridge message.
	Data []byte `json:"data"`
}
