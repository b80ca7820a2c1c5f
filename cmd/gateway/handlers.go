package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/audit"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/auth"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/enforce"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/httpx"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{"service": "gateway", "version": s.Version})
}

// resolvePrincipal binds the evaluated principal to the authenticated token.
// Delegated mode lets a trusted upstream service evaluate on behalf of its
// own callers by naming them in the request body.
func (s *Server) resolvePrincipal(r *http.Request, req models.DecisionRequest) (policy.Principal, bool) {
	if strings.EqualFold(s.AuthMode, "off") || s.TrustDelegated {
		if req.PrincipalID != "" {
			return policy.Principal{
				UserID:              req.PrincipalID,
				RoleNames:           req.RoleNames,
				DirectConstraintIDs: req.DirectConstraintIDs,
			}, true
		}
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return policy.Principal{}, false
	}
	return policy.Principal{
		UserID:              principal.Subject,
		RoleNames:           principal.Roles,
		DirectConstraintIDs: req.DirectConstraintIDs,
	}, true
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.DecisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.RoutePath == "" || req.HTTPMethod == "" {
		httpx.Error(w, 400, "routePath and httpMethod required")
		return
	}
	if req.ObjectType != "" && !models.ValidObjectType(req.ObjectType) {
		httpx.Error(w, 400, "unknown objectType")
		return
	}
	if req.Action != "" && !models.ValidAction(req.Action) {
		httpx.Error(w, 400, "unknown action")
		return
	}
	principal, ok := s.resolvePrincipal(r, req)
	if !ok {
		httpx.Error(w, 401, "unauthenticated")
		return
	}

	objects := req.Objects
	if len(req.ObjectAttributes) > 0 {
		objects = append(objects, req.ObjectAttributes)
	}
	result, err := s.Enforcer.Enforce(r.Context(), enforce.Request{
		Principal:  principal,
		RoutePath:  req.RoutePath,
		HTTPMethod: req.HTTPMethod,
		ObjectType: req.ObjectType,
		Action:     req.Action,
		Objects:    objects,
	})
	if err != nil {
		httpx.Error(w, 500, "decision failed")
		return
	}

	s.Metrics.IncDecision(string(result.Decision))
	if result.DeniedTier > 0 {
		s.Metrics.IncTierDeny(result.DeniedTier)
	}
	if req.ObjectType != "" {
		s.Metrics.IncObjectType(string(req.ObjectType))
	}
	s.appendAudit(r.Context(), principal, req, result)
	s.publishDecision(principal, req, result)

	httpx.WriteJSON(w, 200, models.DecisionResponse{
		Decision:   string(result.Decision),
		DeniedTier: result.DeniedTier,
	})
}

func (s *Server) handleProbeRoutes(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.RouteProbeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Routes) == 0 {
		httpx.Error(w, 400, "routes required")
		return
	}
	principal, ok := s.resolvePrincipal(r, models.DecisionRequest{
		PrincipalID: req.PrincipalID,
		RoleNames:   req.RoleNames,
	})
	if !ok {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	allowed, err := s.Enforcer.ProbeRoutes(r.Context(), principal, req.Routes)
	if err != nil {
		httpx.Error(w, 500, "probe failed")
		return
	}
	httpx.WriteJSON(w, 200, models.RouteProbeResponse{AllowedRoutes: allowed})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok && !strings.EqualFold(s.AuthMode, "off") {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	subject := r.URL.Query().Get("principalId")
	if subject == "" {
		subject = principal.Subject
	}
	if subject != principal.Subject && !auth.HasAnyRole(principal, "admin", "securityadmin") {
		httpx.Error(w, 403, "forbidden")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.Audit.ListForPrincipal(r.Context(), subject, limit)
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"records": records})
}

func (s *Server) appendAudit(ctx context.Context, principal policy.Principal, req models.DecisionRequest, result enforce.Result) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		PrincipalID: principal.UserID,
		RoutePath:   req.RoutePath,
		HTTPMethod:  strings.ToUpper(req.HTTPMethod),
		ObjectType:  string(req.ObjectType),
		Action:      string(req.Action),
		Decision:    string(result.Decision),
		DeniedTier:  result.DeniedTier,
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

func (s *Server) publishDecision(principal policy.Principal, req models.DecisionRequest, result enforce.Result) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(stream.TypeDecision, models.DecisionEvent{
		PrincipalID: principal.UserID,
		ObjectType:  req.ObjectType,
		Action:      req.Action,
		Decision:    string(result.Decision),
		DeniedTier:  result.DeniedTier,
		RoutePath:   req.RoutePath,
		At:          time.Now().UTC(),
	}))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
