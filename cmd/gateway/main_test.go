package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type stubGatewayDB struct{}

func (stubGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 1"), nil
}

func (stubGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (stubGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (stubGatewayDB) Close() {}

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunGatewayStartsAndListens(t *testing.T) {
	var listened bool
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubGatewayDB{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error {
			listened = true
			if server.ReadHeaderTimeout != 5*time.Second {
				t.Fatalf("unexpected read header timeout: %v", server.ReadHeaderTimeout)
			}
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if !listened {
		t.Fatal("expected listen to be invoked")
	}
}

func TestRunGatewayTelemetryFailure(t *testing.T) {
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return stubGatewayDB{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected telemetry error")
	}
}

func TestRunGatewayDBFailure(t *testing.T) {
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("db down") },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected db error")
	}
}

func TestRunGatewayRejectsInsecureAuthOff(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubGatewayDB{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected AUTH_MODE=off rejection")
	}
}

func TestParseBypassRoutes(t *testing.T) {
	got := parseBypassRoutes("GET /version, POST /x , bad, ,GET /config")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %v", got)
	}
	if _, ok := got["GET /version"]; !ok {
		t.Fatalf("missing GET /version: %v", got)
	}
	if _, ok := got["POST /x"]; !ok {
		t.Fatalf("missing POST /x: %v", got)
	}
}

func TestParseCIDRs(t *testing.T) {
	got := parseCIDRs("10.0.0.0/8, 192.0.2.7, bad, ::1")
	if len(got) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(got))
	}
	if !got[0].Contains(mustIP(t, "10.1.2.3")) {
		t.Fatal("cidr should contain 10.1.2.3")
	}
	if !got[1].Contains(mustIP(t, "192.0.2.7")) || got[1].Contains(mustIP(t, "192.0.2.8")) {
		t.Fatal("bare IP should become a /32")
	}
}

func TestClientIPTrustsOnlyConfiguredProxies(t *testing.T) {
	s := &Server{TrustedProxyCIDRs: parseCIDRs("10.0.0.0/8")}

	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.1.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.1.1")
	if got := s.clientIP(r); got != "203.0.113.9" {
		t.Fatalf("trusted proxy should yield forwarded ip, got %q", got)
	}

	r.RemoteAddr = "198.51.100.4:5000"
	if got := s.clientIP(r); got != "198.51.100.4" {
		t.Fatalf("untrusted remote must ignore XFF, got %q", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "value")
	t.Setenv("GW_TEST_INT", "7")
	t.Setenv("GW_TEST_BADINT", "seven")
	if env("GW_TEST_STR", "def") != "value" || env("GW_TEST_MISSING", "def") != "def" {
		t.Fatal("env lookup broken")
	}
	if envInt("GW_TEST_INT", 1) != 7 || envInt("GW_TEST_BADINT", 1) != 1 {
		t.Fatal("envInt lookup broken")
	}
	if envDurationSec("GW_TEST_INT", 1) != 7*time.Second {
		t.Fatal("envDurationSec broken")
	}
}

func mustIP(t *testing.T, raw string) net.IP {
	t.Helper()
	ip := net.ParseIP(raw)
	if ip == nil {
		t.Fatalf("bad test ip %s", raw)
	}
	return ip
}
