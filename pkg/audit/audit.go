// Package audit appends access decisions to the decision_audit table.
// Writes are best-effort from the caller's point of view: the gateway logs
// append failures but never turns an allow into an error because the audit
// insert failed.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	At          time.Time       `json:"at"`
	PrincipalID string          `json:"principalId"`
	RoutePath   string          `json:"routePath"`
	HTTPMethod  string          `json:"httpMethod"`
	ObjectType  string          `json:"objectType,omitempty"`
	Action      string          `json:"action,omitempty"`
	Decision    string          `json:"decision"`
	DeniedTier  int             `json:"deniedTier,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_audit
		(at, principal_id, route_path, http_method, object_type, action, decision, denied_tier, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.At, rec.PrincipalID, rec.RoutePath, rec.HTTPMethod, rec.ObjectType, rec.Action, rec.Decision, rec.DeniedTier, rec.Detail)
	return err
}

// ListForPrincipal returns the most recent decisions for a principal, newest
// first. When redaction is on, lookup happens by the hashed id.
func (w *Writer) ListForPrincipal(ctx context.Context, principalID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if w.Redact {
		principalID = hashString(principalID, w.HashSalt)
	}
	rows, err := w.DB.Query(ctx, `
		SELECT at, principal_id, route_path, http_method, COALESCE(object_type,''), COALESCE(action,''), decision, COALESCE(denied_tier,0), detail
		FROM decision_audit WHERE principal_id=$1
		ORDER BY at DESC LIMIT $2
	`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var detail []byte
		if err := rows.Scan(&rec.At, &rec.PrincipalID, &rec.RoutePath, &rec.HTTPMethod, &rec.ObjectType, &rec.Action, &rec.Decision, &rec.DeniedTier, &detail); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			rec.Detail = json.RawMessage(detail)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
