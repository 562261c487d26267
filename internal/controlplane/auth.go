package controlplane

import (
	"context"

	"google.golang.org/grpc/credentials"
)

// TokenCredentials attaches TOKEN_ID/TOKEN_SECRET to every RPC as request
// metadata, the way the startup contract's credential env vars are meant to
// reach the control plane.
type TokenCredentials struct {
	TokenID     string
	TokenSecret string
	// Insecure, when false, refuses to attach credentials over a connection
	// that isn't transport-secure (matches credentials.PerRPCCredentials'
	// documented contract).
	Insecure bool
}

var _ credentials.PerRPCCredentials = TokenCredentials{}

func (c TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token-id":     c.TokenID,
		"x-token-secret": c.TokenSecret,
	}, nil
}

func (c TokenCredentials) RequireTransportSecurity() bool { return !c.Insecure }
