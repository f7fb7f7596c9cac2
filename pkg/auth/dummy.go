package auth

import (
	"context"

	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Dummy accepts any non-empty token; the subject is the literal token
// string. Development and tests only.
type Dummy struct{}

var _ Provider = &Dummy{}

func (d *Dummy) ValidateToken(_ context.Context, token string) (Subject, error) {
	if token == "" {
		return Subject{}, xe.New("empty bearer token")
	}
	return Subject{UserID: token}, nil
}
