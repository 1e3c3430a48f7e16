package endpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointLost matches every *LostError.
	ErrEndpointLost = errors.New("endpoint lost")
	// ErrClosed is returned by Settle once the registry is closed.
	ErrClosed = errors.New("endpoint: registry closed")
)

// LostError is published when every connection of an endpoint's pool has died and the
// endpoint was removed from the registry.
type LostError struct {
	Endpoint string
}

func (e *LostError) Error() string {
	return fmt.Sprintf("%s's pool had all connections closed, deleted %s", e.Endpoint, e.Endpoint)
}

func (e *LostError) Unwrap() error {
	return ErrEndpointLost
}
