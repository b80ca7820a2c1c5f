package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func hs256Token(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := encodeSegment(t, map[string]string{"alg": "HS256", "typ": "JWT"})
	payload := encodeSegment(t, claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func rs256Token(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := encodeSegment(t, map[string]string{"alg": "RS256", "kid": kid})
	payload := encodeSegment(t, claims)
	digest := sha256.Sum256([]byte(header + "." + payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func baseClaims() map[string]any {
	return map[string]any{
		"sub":    "alice@example.com",
		"roles":  []string{"admin"},
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyHS256Token(t *testing.T) {
	token := hs256Token(t, "secret", baseClaims())
	claims, err := VerifyHS256Token(token, "secret", time.Now().UTC(), "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice@example.com" || claims.Tenant != "acme" {
		t.Fatalf("claims %+v", claims)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"admin"}) {
		t.Fatalf("roles %v", claims.Roles)
	}
}

func TestVerifyHS256TokenCognitoGroups(t *testing.T) {
	c := baseClaims()
	delete(c, "roles")
	c["cognito:groups"] = []string{"securityadmin", "operator"}
	claims, err := VerifyHS256Token(hs256Token(t, "secret", c), "secret", time.Now().UTC(), "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"securityadmin", "operator"}) {
		t.Fatalf("roles %v", claims.Roles)
	}
}

func TestVerifyHS256TokenMergesRoleSources(t *testing.T) {
	c := baseClaims()
	c["roles"] = "operator"
	c["cognito:groups"] = []string{"admin"}
	claims, err := VerifyHS256Token(hs256Token(t, "secret", c), "secret", time.Now().UTC(), "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"operator", "admin"}) {
		t.Fatalf("roles %v", claims.Roles)
	}
}

func TestVerifyHS256TokenRejections(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name  string
		token func() string
		iss   string
		aud   string
	}{
		{"bad signature", func() string { return hs256Token(t, "other", baseClaims()) }, "", ""},
		{"expired", func() string {
			c := baseClaims()
			c["exp"] = now.Add(-time.Hour).Unix()
			return hs256Token(t, "secret", c)
		}, "", ""},
		{"missing exp", func() string {
			c := baseClaims()
			delete(c, "exp")
			return hs256Token(t, "secret", c)
		}, "", ""},
		{"not yet active", func() string {
			c := baseClaims()
			c["nbf"] = now.Add(time.Hour).Unix()
			return hs256Token(t, "secret", c)
		}, "", ""},
		{"missing subject", func() string {
			c := baseClaims()
			delete(c, "sub")
			return hs256Token(t, "secret", c)
		}, "", ""},
		{"issuer mismatch", func() string { return hs256Token(t, "secret", baseClaims()) }, "https://idp.example.com", ""},
		{"audience mismatch", func() string { return hs256Token(t, "secret", baseClaims()) }, "", "vams-api"},
		{"malformed", func() string { return "a.b" }, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyHS256Token(tc.token(), "secret", now, tc.iss, tc.aud); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestVerifyHS256TokenIssuerAndAudience(t *testing.T) {
	c := baseClaims()
	c["iss"] = "https://idp.example.com"
	c["aud"] = []string{"other", "vams-api"}
	token := hs256Token(t, "secret", c)
	if _, err := VerifyHS256Token(token, "secret", time.Now().UTC(), "https://idp.example.com", "vams-api"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyHS256TokenRequiresSecret(t *testing.T) {
	if _, err := VerifyHS256Token("x.y.z", "", time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected rejection without a secret")
	}
}

func TestVerifyHS256TokenRejectsWrongAlg(t *testing.T) {
	header := encodeSegment(t, map[string]string{"alg": "none"})
	payload := encodeSegment(t, baseClaims())
	token := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
	if _, err := VerifyHS256Token(token, "secret", time.Now().UTC(), "", ""); err == nil {
		t.Fatal("alg none must be rejected")
	}
}

func jwksServer(t *testing.T, kid string, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyRS256Token(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, "key-1", key)
	cache := newJWKSCache(srv.URL, time.Second)

	token := rs256Token(t, key, "key-1", baseClaims())
	claims, err := VerifyRS256Token(token, time.Now().UTC(), cache, "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice@example.com" {
		t.Fatalf("claims %+v", claims)
	}
}

func TestVerifyRS256TokenUnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, "key-1", key)
	cache := newJWKSCache(srv.URL, time.Second)
	token := rs256Token(t, key, "key-2", baseClaims())
	if _, err := VerifyRS256Token(token, time.Now().UTC(), cache, "", ""); err == nil {
		t.Fatal("unknown kid must be rejected")
	}
}

func TestVerifyRS256TokenBadSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, "key-1", key)
	cache := newJWKSCache(srv.URL, time.Second)
	token := rs256Token(t, otherKey, "key-1", baseClaims())
	if _, err := VerifyRS256Token(token, time.Now().UTC(), cache, "", ""); err == nil {
		t.Fatal("foreign signature must be rejected")
	}
}

func TestVerifyRS256TokenMissingKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	header := encodeSegment(t, map[string]string{"alg": "RS256"})
	payload := encodeSegment(t, baseClaims())
	token := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
	cache := newJWKSCache(jwksServer(t, "key-1", key).URL, time.Second)
	if _, err := VerifyRS256Token(token, time.Now().UTC(), cache, "", ""); err == nil {
		t.Fatal("missing kid must be rejected")
	}
}

func TestJWKSCacheRequiresURL(t *testing.T) {
	cache := newJWKSCache("", time.Second)
	if _, err := cache.key(t.Context(), "kid", time.Now()); err == nil {
		t.Fatal("empty url must fail")
	}
	var nilCache *jwksCache
	if _, err := nilCache.key(t.Context(), "kid", time.Now()); err == nil {
		t.Fatal("nil cache must fail")
	}
}

func TestRSAFromJWKInvalidExponent(t *testing.T) {
	if _, err := rsaFromJWK(base64.RawURLEncoding.EncodeToString([]byte{1}), base64.RawURLEncoding.EncodeToString([]byte{1})); err == nil {
		t.Fatal("exponent 1 must be rejected")
	}
	if _, err := rsaFromJWK("!!!", "AQAB"); err == nil {
		t.Fatal("bad modulus encoding must be rejected")
	}
}

func TestMiddlewareOffMode(t *testing.T) {
	var got Principal
	handler := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.Subject != "anonymous" {
		t.Fatalf("principal %+v", got)
	}
}

func TestMiddlewareHS256(t *testing.T) {
	var got Principal
	handler := Middleware("oidc_hs256", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+hs256Token(t, "secret", baseClaims()))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if got.Subject != "alice@example.com" || got.Tenant != "acme" {
		t.Fatalf("principal %+v", got)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler := Middleware("oidc_hs256", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	handler := Middleware("oidc_hs256", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestMiddlewareUnsupportedMode(t *testing.T) {
	handler := Middleware("saml", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+hs256Token(t, "secret", baseClaims()))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestBearerTokenCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "BEARER abc")
	token, ok := bearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("token %q ok=%v", token, ok)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"Admin", " operator "}}
	if !HasAnyRole(p, "admin") {
		t.Fatal("case-insensitive match expected")
	}
	if !HasAnyRole(p, "viewer", "operator") {
		t.Fatal("any-of match expected")
	}
	if HasAnyRole(p, "viewer") {
		t.Fatal("unheld role must not match")
	}
	if !HasAnyRole(p) {
		t.Fatal("no requirement means pass")
	}
}

func TestPrincipalFromContextAbsent(t *testing.T) {
	if _, ok := PrincipalFromContext(t.Context()); ok {
		t.Fatal("expected no principal")
	}
}
