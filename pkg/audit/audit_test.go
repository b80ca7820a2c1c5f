package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	queryFn  func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return nil, pgx.ErrNoRows
}

func TestAppendWritesAllFields(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	rec := Record{
		At:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		PrincipalID: "u-1",
		RoutePath:   "/database/med-data/assets",
		HTTPMethod:  "GET",
		ObjectType:  "asset",
		Action:      "GET",
		Decision:    "allow",
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO decision_audit") {
		t.Fatalf("unexpected SQL: %s", db.execSQL)
	}
	if db.execArgs[1] != "u-1" || db.execArgs[6] != "allow" {
		t.Fatalf("unexpected args: %v", db.execArgs)
	}
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	if err := w.Append(context.Background(), Record{PrincipalID: "u-1", Decision: "deny", DeniedTier: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	at, ok := db.execArgs[0].(time.Time)
	if !ok || at.IsZero() {
		t.Fatalf("expected timestamp default, got %v", db.execArgs[0])
	}
	if db.execArgs[7] != 1 {
		t.Fatalf("expected denied tier persisted, got %v", db.execArgs[7])
	}
}

func TestAppendRedactsPrincipalAndDetail(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt"), Redact: true}

	detail, _ := json.Marshal(map[string]string{"assetId": "secret-asset"})
	if err := w.Append(context.Background(), Record{PrincipalID: "u-1", Decision: "deny", Detail: detail}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	principal, _ := db.execArgs[1].(string)
	if principal == "u-1" || len(principal) != 64 {
		t.Fatalf("expected hashed principal, got %q", principal)
	}
	raw, _ := db.execArgs[8].(json.RawMessage)
	if strings.Contains(string(raw), "secret-asset") {
		t.Fatalf("detail leaked through redaction: %s", raw)
	}
	if !strings.Contains(string(raw), "detail_hash") {
		t.Fatalf("expected detail hash, got %s", raw)
	}
}

func TestRedactIsDeterministicPerSalt(t *testing.T) {
	a := hashString("u-1", []byte("salt"))
	b := hashString("u-1", []byte("salt"))
	c := hashString("u-1", []byte("pepper"))
	if a != b {
		t.Fatal("same salt must hash identically")
	}
	if a == c {
		t.Fatal("different salt must change the hash")
	}
}

func TestListForPrincipalClampsLimit(t *testing.T) {
	var gotLimit any
	db := &fakeAuditDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotLimit = args[1]
		return nil, pgx.ErrNoRows
	}}
	w := &Writer{DB: db}

	_, _ = w.ListForPrincipal(context.Background(), "u-1", -5)
	if gotLimit != 100 {
		t.Fatalf("expected clamped limit 100, got %v", gotLimit)
	}
	_, _ = w.ListForPrincipal(context.Background(), "u-1", 5000)
	if gotLimit != 100 {
		t.Fatalf("expected clamped limit 100, got %v", gotLimit)
	}
}
