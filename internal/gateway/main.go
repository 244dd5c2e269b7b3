package gateway

import (
	"context"
)

// Gateway describes a text-message transport.
type Gateway interface {
	GatewayName() string
	GetConcurrencyMax() int
}

// SenderClient submits text messages through a gateway.
// PreSend opens whatever connection Send needs, PostSend releases it.
type SenderClient interface {
	Gateway
	PreSend(ctx context.Context) error
	Send(ctx context.Context, to string, msg string) error
	PostSend(ctx context.Context) error
}
