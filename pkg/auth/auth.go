// Package auth validates bearer tokens into Subjects. Every per-user check
// in the engine hangs off the subject returned here.
package auth

import (
	"context"

	"github.com/jaeaeich/poiesis/pkg/config"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Subject is the authenticated principal.
type Subject struct {
	UserID string
}

// Provider turns a raw bearer token into a Subject, or fails.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (Subject, error)
}

// New picks the provider selected by AUTH_TYPE.
func New(ctx context.Context, conf config.Config) (Provider, error) {
	switch conf.AuthType {
	case config.AuthDummy:
		return &Dummy{}, nil
	case config.AuthOIDC:
		return NewOIDC(ctx, conf.OIDC)
	default:
		return nil, xe.Errorf("unknown AUTH_TYPE: %s", conf.AuthType)
	}
}
