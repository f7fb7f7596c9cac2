package auth_test

import (
	"context"
	"testing"

	"github.com/jaeaeich/poiesis/pkg/auth"
	"github.com/jaeaeich/poiesis/pkg/config"
)

func TestDummy(t *testing.T) {
	provider := &auth.Dummy{}
	ctx := context.Background()

	t.Run("any non-empty token is its own subject", func(t *testing.T) {
		subject, err := provider.ValidateToken(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if subject.UserID != "alice" {
			t.Errorf("user id = %s", subject.UserID)
		}
	})

	t.Run("empty tokens are rejected", func(t *testing.T) {
		if _, err := provider.ValidateToken(ctx, ""); err == nil {
			t.Error("expected error")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("dummy selects the Dummy provider", func(t *testing.T) {
		conf := config.Config{AuthType: config.AuthDummy}
		provider, err := auth.New(context.Background(), conf)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := provider.(*auth.Dummy); !ok {
			t.Errorf("provider = %T", provider)
		}
	})

	t.Run("unknown types are rejected", func(t *testing.T) {
		conf := config.Config{AuthType: "ldap"}
		if _, err := auth.New(context.Background(), conf); err == nil {
			t.Error("expected error")
		}
	})
}
