package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jaeaeich/poiesis/pkg/config"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// OIDC verifies JWTs against the issuer's JWKS: signature, exp, iss and
// aud must all hold. The subject is the token's `sub` claim.
type OIDC struct {
	issuer   string
	clientID string
	keys     jwt.Keyfunc
}

var _ Provider = &OIDC{}

// NewOIDC discovers the issuer's JWKS endpoint and starts a cached,
// self-refreshing key set.
func NewOIDC(ctx context.Context, conf config.OIDC) (*OIDC, error) {
	jwksURI, err := discoverJWKS(ctx, conf.Issuer)
	if err != nil {
		return nil, err
	}

	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, xe.WrapWithNote("fetching JWKS "+jwksURI, err)
	}

	return &OIDC{
		issuer:   conf.Issuer,
		clientID: conf.ClientID,
		keys:     keys.Keyfunc,
	}, nil
}

func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", xe.Wrap(err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", xe.WrapWithNote("fetching OIDC discovery document", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xe.Errorf("OIDC discovery at %s: %s", wellKnown, resp.Status)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", xe.WrapWithNote("parsing OIDC discovery document", err)
	}
	if doc.JWKSURI == "" {
		return "", xe.New("OIDC discovery document carries no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (o *OIDC) ValidateToken(_ context.Context, token string) (Subject, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, o.keys,
		jwt.WithIssuer(o.issuer),
		jwt.WithAudience(o.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Subject{}, xe.WrapWithNote("token rejected", err)
	}
	if !parsed.Valid {
		return Subject{}, xe.New("token rejected")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Subject{}, fmt.Errorf("token carries no subject")
	}
	return Subject{UserID: sub}, nil
}
