// Package sse implements the SSE Bridge (C11): long-lived GET
// /subscribe/{topic} streams off the Event Bus, admission-checked the same
// way as an emit (spec §4.11). Follows pkg/api/middleware.go's
// streaming-response handling, generalized to server-sent events per
// spec §6's framing.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/aegate/internal/apierr"
	"github.com/Mindburn-Labs/aegate/internal/authctx"
	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
	"github.com/Mindburn-Labs/aegate/internal/policy"
	"github.com/Mindburn-Labs/aegate/internal/session"
)

// HeartbeatInterval is how often a ping comment is flushed to keep idle
// connections alive (spec §6: "Heartbeat comment ': ping\n\n' every 15s").
const HeartbeatInterval = 15 * time.Second

// Bridge serves admission-checked SSE streams off a Bus.
type Bridge struct {
	Sessions *session.Issuer
	Keyring  *keyring.Store
	Policy   *policy.Engine
	Bus      *bus.Bus
	Audit    auditlog.Logger
}

// Subscribe admits and, on success, serves a long-lived stream for topic.
// Admission order mirrors the emit pipeline: grant valid, subject trusted,
// can_subscribe allow (spec §4.11).
func (b *Bridge) Subscribe(w http.ResponseWriter, r *http.Request, bearer, topic string) {
	ctx := r.Context()

	claims, err := b.Sessions.Validate(bearer)
	if err != nil {
		aerr := apierr.New(apierr.Unauthenticated, err.Error())
		b.deny(ctx, "unknown", topic, aerr)
		apierr.Write(w, r, aerr)
		return
	}

	rec, err := b.Keyring.Get(ctx, claims.Subject)
	if err != nil || !rec.Usable() {
		aerr := apierr.New(apierr.NotTrusted, "principal is not trusted")
		b.deny(ctx, claims.Subject, topic, aerr)
		apierr.Write(w, r, aerr)
		return
	}

	roles := authctx.EffectiveRoles(rec.Roles, claims.Roles)
	if decision := b.Policy.CanSubscribe(claims.Subject, topic, roles); decision != policy.Allow {
		aerr := apierr.New(apierr.Forbidden, "subscribe denied").WithReason(decision.String())
		b.deny(ctx, claims.Subject, topic, aerr)
		apierr.Write(w, r, aerr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.Write(w, r, apierr.New(apierr.Internal, "streaming unsupported"))
		return
	}

	sub := b.Bus.Subscribe(topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var meta map[string]any
	if flagged, note := b.Policy.Annotate(claims.Subject, topic, roles, "subscribe"); flagged {
		meta = map[string]any{"cel_annotation": note}
	}
	_ = b.Audit.Record(ctx, claims.Subject, "subscribe", topic, auditlog.DecisionAccepted, "", meta)

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Subject, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (b *Bridge) deny(ctx context.Context, actor, topic string, aerr *apierr.Error) {
	_ = b.Audit.Record(ctx, actor, "subscribe", topic, auditlog.DecisionDenied, aerr.Reason, nil)
}
