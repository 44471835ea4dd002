package idp

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseClaims extracts identity attributes from an access token's JWT payload.
//
// The signature is deliberately not verified: this service consumes tokens
// issued for upstream APIs and cannot hold the provider's signing keys. The
// token is only trusted as far as the provider round-trip that delivered it.
//
// Parameters:
//   - accessToken: Raw compact JWT
//
// Returns:
//   - Claims: Subject, name, email, and group memberships
//   - error: If the token is not a parseable JWT
func ParseClaims(accessToken string) (Claims, error) {
	parser := jwt.NewParser()

	var mapClaims jwt.MapClaims
	if _, _, err := parser.ParseUnverified(accessToken, &mapClaims); err != nil {
		return Claims{}, fmt.Errorf("parsing access token: %w", err)
	}

	claims := Claims{
		Subject: stringClaim(mapClaims, "oid"),
		Name:    stringClaim(mapClaims, "name"),
		Email:   stringClaim(mapClaims, "preferred_username"),
		Groups:  stringSliceClaim(mapClaims, "groups"),
	}

	if claims.Subject == "" {
		claims.Subject = stringClaim(mapClaims, "sub")
	}
	if claims.Email == "" {
		claims.Email = stringClaim(mapClaims, "email")
	}
	if claims.Email == "" {
		claims.Email = stringClaim(mapClaims, "upn")
	}

	return claims, nil
}

// stringClaim reads a string claim, returning "" when absent or mistyped.
func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// stringSliceClaim reads a string-array claim, skipping mistyped entries.
func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
