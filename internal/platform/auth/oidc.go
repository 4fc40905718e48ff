package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// discovery is the slice of an OpenID Connect discovery document the bearer
// verifier reads.
type discovery struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

var discoveryClient = resty.New().
	SetTimeout(5 * time.Second).
	SetRetryCount(2).
	SetRetryWaitTime(250 * time.Millisecond)

// DiscoverJWKSURL resolves the signing key endpoint of issuer from its
// .well-known/openid-configuration. It is used when AUTH_ISSUER is set
// without AUTH_JWKS_URL.
func DiscoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	issuer = strings.TrimRight(issuer, "/")
	if issuer == "" {
		return "", errors.New("oidc: issuer is empty")
	}

	var doc discovery
	resp, err := discoveryClient.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return "", fmt.Errorf("oidc: fetch discovery document: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("oidc: discovery returned %d", resp.StatusCode())
	}
	if doc.JWKSURI == "" {
		return "", errors.New("oidc: discovery document has no jwks_uri")
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("oidc: issuer mismatch: discovered %q, configured %q", doc.Issuer, issuer)
	}
	return doc.JWKSURI, nil
}
