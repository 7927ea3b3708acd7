// Package transport defines the external transport contract and the Redis
// Pub/Sub implementation used for cross-instance message fan-out.
package transport

import (
	"context"

	"github.com/acgs/agentbus/internal/model"
)

// Callback consumes messages arriving from the transport.
type Callback func(ctx context.Context, msg *model.AgentMessage)

// Transport is the optional external fan-out contract. When attached, the
// bus prefers it over the in-process queue for delivery.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	SendMessage(ctx context.Context, msg *model.AgentMessage) (bool, error)
	Subscribe(cb Callback)
}
