package transports

import "context"

// Transport exposes conversation actors to clients. Implementations own
// their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	// Stop closes the listener, waiting up to ctx for open requests.
	Stop(ctx context.Context) error
	// SetDraining refuses new work while open requests finish.
	SetDraining(v bool)
}

// ReadyReporter allows transports to expose readiness metadata (e.g. the
// listen address). Implementations are optional and used for the banner.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
