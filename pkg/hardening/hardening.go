// Package hardening checks deploy-time configuration before a service
// starts serving. The checks only bind in production-like environments
// with STRICT_PROD_SECURITY enabled; development setups pass untouched.
package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	AuthMode              string
	AuthSecret            string
	AuthJWKSURL           string
}

// ValidateProduction rejects configurations that would weaken an
// authorization service in production: plaintext database or Redis
// links, permissive CORS, or a token verifier without key material.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolEnv(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !boolEnv(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolEnv(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: production requires REDIS_REQUIRE_TLS=true", service)
		}
		if boolEnv(o.RedisTLSInsecure, false) || boolEnv(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: production forbids REDIS_TLS_INSECURE and REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := checkCORSOrigins(service, o.CORSAllowedOrigins); err != nil {
		return err
	}
	return checkAuth(service, o)
}

func checkAuth(service string, o Options) error {
	switch strings.ToLower(strings.TrimSpace(o.AuthMode)) {
	case "", "off":
		return fmt.Errorf("%s: production requires AUTH_MODE=oidc_hs256 or oidc_rs256", service)
	case "oidc_hs256":
		if strings.TrimSpace(o.AuthSecret) == "" {
			return fmt.Errorf("%s: AUTH_MODE=oidc_hs256 requires OIDC_HS256_SECRET", service)
		}
	case "oidc_rs256":
		url := strings.ToLower(strings.TrimSpace(o.AuthJWKSURL))
		if url == "" {
			return fmt.Errorf("%s: AUTH_MODE=oidc_rs256 requires OIDC_JWKS_URL", service)
		}
		if !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s: production requires an HTTPS OIDC_JWKS_URL, got %q", service, o.AuthJWKSURL)
		}
	default:
		return fmt.Errorf("%s: unknown AUTH_MODE %q", service, o.AuthMode)
	}
	return nil
}

func checkCORSOrigins(service, raw string) error {
	seen := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: production forbids the CORS wildcard origin", service)
		case isLoopbackOrigin(lower):
			return fmt.Errorf("%s: production forbids loopback CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: production requires HTTPS CORS origins, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if strings.HasPrefix(lower, "http://"+host) || strings.HasPrefix(lower, "https://"+host) {
			return true
		}
	}
	return false
}

func boolEnv(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
