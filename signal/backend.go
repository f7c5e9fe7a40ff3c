package signal

import (
	"context"
	"strings"

	"github.com/timzifer/beamio/config"
)

// Backend is the per-channel contract a transport binding supplies.
type Backend interface {
	// Source is the canonical transport://address of the channel.
	Source() string
	Connect(ctx context.Context) error
	GetDescriptor(ctx context.Context) (Descriptor, error)
	GetReading(ctx context.Context) (Reading, error)
	Put(ctx context.Context, value any, wait bool) error
	// Monitor subscribes to updates. The first callback carries the current value.
	// onErr is called at most once when the subscription fails permanently.
	Monitor(cb Callback, onErr ErrorHandler) (Monitor, error)
}

// Provider creates backends for one transport.
type Provider interface {
	Transport() string
	NewBackend(address string, kind config.ValueKind) (Backend, error)
}

const sourceSeparator = "://"

// CanonicalSource joins a transport and address into a source string.
func CanonicalSource(transport, address string) string {
	return transport + sourceSeparator + address
}

// SplitSource separates a source into transport and address. ok is false for
// bare addresses without a transport prefix.
func SplitSource(source string) (transport, address string, ok bool) {
	transport, address, ok = strings.Cut(source, sourceSeparator)
	if !ok {
		return "", source, false
	}
	return transport, address, true
}
