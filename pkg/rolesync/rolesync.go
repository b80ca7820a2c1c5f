// Package rolesync consumes membership and policy change events and drops
// the affected cached constraint sets, so decisions pick up role edits
// without waiting for TTL expiry.
package rolesync

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Invalidator is the cache surface the runner needs; satisfied by
// *store.CachedStore.
type Invalidator interface {
	InvalidateRole(ctx context.Context, roleName string)
	InvalidateUser(ctx context.Context, userID string)
}

const (
	EventUserRolesChanged  = "userRolesChanged"
	EventRoleChanged       = "roleChanged"
	EventConstraintChanged = "constraintChanged"
)

// changeEvent is the wire shape published by the admin service after any
// write that affects reachability. A constraintChanged event carries every
// group the constraint referenced before and after the write.
type changeEvent struct {
	EventType string   `json:"eventType"`
	UserID    string   `json:"userId,omitempty"`
	RoleName  string   `json:"roleName,omitempty"`
	GroupIDs  []string `json:"groupIds,omitempty"`
	UserIDs   []string `json:"userIds,omitempty"`
}

var logf = log.Printf

type Runner struct {
	Bus   Consumer
	Cache Invalidator

	// RetryDelay spaces out reads after a bus error. Zero means 500ms.
	RetryDelay time.Duration
}

// Run consumes until ctx is cancelled. Decode failures and unknown event
// types are logged and skipped; the loop never stops on bad input.
func (r *Runner) Run(ctx context.Context) {
	delay := r.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for {
		msg, err := r.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logf("rolesync read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		r.apply(ctx, msg.Value)
	}
}

func (r *Runner) apply(ctx context.Context, raw []byte) {
	var evt changeEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		logf("rolesync decode error: %v", err)
		return
	}
	switch evt.EventType {
	case EventUserRolesChanged:
		if evt.UserID == "" {
			logf("rolesync: userRolesChanged without userId")
			return
		}
		r.Cache.InvalidateUser(ctx, evt.UserID)
		for _, role := range evt.GroupIDs {
			r.Cache.InvalidateRole(ctx, role)
		}
	case EventRoleChanged:
		if evt.RoleName == "" {
			logf("rolesync: roleChanged without roleName")
			return
		}
		r.Cache.InvalidateRole(ctx, evt.RoleName)
	case EventConstraintChanged:
		for _, role := range evt.GroupIDs {
			r.Cache.InvalidateRole(ctx, role)
		}
		for _, user := range evt.UserIDs {
			r.Cache.InvalidateUser(ctx, user)
		}
	default:
		logf("rolesync: unknown event type %q", evt.EventType)
	}
}
