// Package delivery defines the servers started by the calsync binaries.
package delivery

import "context"

// Delivery is a long-running server that is started once the fx graph is built.
type Delivery interface {
	Serve(ctx context.Context) error
}
