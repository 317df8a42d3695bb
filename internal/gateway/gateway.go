// Package gateway defines the interface every API entry point implements.
package gateway

import "context"

// Gateway is a serving surface for the action management API. The HTTP
// gateway is the only implementation today; the interface keeps the server
// wiring independent of the transport.
type Gateway interface {
	// Start launches the gateway's serve loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
