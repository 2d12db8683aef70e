package client

import (
	"context"

	"github.com/menta2k/morpheus/pkg/types"
)

// SessionClient is the contract of a real-time transformation session.
// Implementations must be safe for concurrent use.
type SessionClient interface {
	Status() types.Status
	// Watch returns a channel receiving every status change and a func that
	// stops the subscription.
	Watch() (<-chan types.Status, func())
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendCommand(ctx context.Context, name string, payload map[string]any) error
	Stats() (types.Stats, bool)
}
