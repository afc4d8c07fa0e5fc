// Package emit implements the Verified-Emit Pipeline (C10): the single
// canonical order in which an incoming /emit request is checked before a
// message reaches the bus (spec §4.10). Follows pkg/api/middleware.go's
// request-pipeline composition and pkg/envelope/gate.go's stage-ordered
// verification, generalized to this spec's exact 10-stage sequence; the
// ordering itself is load-bearing for security (cheap checks before the
// CPU-bound signature check) and must not be reordered.
package emit

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/Mindburn-Labs/aegate/internal/apierr"
	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/authctx"
	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/envelope"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
	"github.com/Mindburn-Labs/aegate/internal/policy"
	"github.com/Mindburn-Labs/aegate/internal/session"
)

// Pipeline wires together every component the Verified-Emit Pipeline
// orchestrates.
type Pipeline struct {
	Sessions *session.Issuer
	Keyring  *keyring.Store
	Policy   *policy.Engine
	Bus      *bus.Bus
	Audit    auditlog.Logger
}

// Result is returned on a successful emit.
type Result struct {
	Envelope *envelope.Envelope
	Digest   string
}

// Emit runs stages 1-10 of the pipeline against bearer and rawEnvelope.
// Stages 1-7 are side-effect-free on failure except for the audit record
// each failure path writes; stage 8 onward only runs once every prior
// check has passed. If ctx is canceled before stage 9, no "Accepted"
// audit record is written (spec §5: "An emit request canceled mid-
// verification MUST NOT produce an audit 'Accepted' record").
func (p *Pipeline) Emit(ctx context.Context, bearer string, rawEnvelope []byte) (*Result, error) {
	// Stage 1: extract bearer grant.
	if bearer == "" {
		return nil, p.deny(ctx, "unknown", "", apierr.New(apierr.Unauthenticated, "missing bearer grant"))
	}

	// Stage 2: validate grant.
	claims, err := p.Sessions.Validate(bearer)
	if err != nil {
		return nil, p.deny(ctx, "unknown", "", apierr.New(apierr.Unauthenticated, err.Error()))
	}

	// Stage 3: parse envelope.
	env, err := envelope.ParseAndValidate(rawEnvelope)
	if err != nil {
		return nil, p.deny(ctx, claims.Subject, "", apierr.New(apierr.BadRequest, err.Error()))
	}

	// Stage 4: producer must match the authenticated subject.
	if env.Producer != claims.Subject {
		return nil, p.deny(ctx, claims.Subject, env.Subject, apierr.New(apierr.SubjectMismatch,
			fmt.Sprintf("envelope producer %q != grant subject %q", env.Producer, claims.Subject)))
	}

	// Stage 5: keyring trust.
	rec, err := p.Keyring.Get(ctx, claims.Subject)
	if err != nil || !rec.Usable() {
		return nil, p.deny(ctx, claims.Subject, env.Subject, apierr.New(apierr.NotTrusted, "principal is not trusted"))
	}

	// Stage 6: policy check.
	roles := authctx.EffectiveRoles(rec.Roles, claims.Roles)
	decision := p.Policy.CanPublish(claims.Subject, env.Subject, roles)
	if decision != policy.Allow {
		return nil, p.deny(ctx, claims.Subject, env.Subject, apierr.New(apierr.Forbidden, "publish denied").WithReason(decision.String()))
	}

	// Stage 7: signature verification. Deliberately after trust/policy so
	// compute spent on hostile input is bounded by cheaper checks first.
	sigBytes, err := env.SignatureBytes()
	if err != nil {
		return nil, p.deny(ctx, claims.Subject, env.Subject, apierr.New(apierr.BadSignature, "malformed signature encoding"))
	}
	if !ed25519.Verify(rec.PublicKey, env.SigningBytes(), sigBytes) {
		return nil, p.deny(ctx, claims.Subject, env.Subject, apierr.New(apierr.BadSignature, "signature verification failed"))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 8: publish. Best-effort against subscribers; succeeds from the
	// producer's viewpoint once stages 1-7 pass.
	p.Bus.Publish(env.Subject, env)

	digest := env.Digest()

	// Stage 9: append Accepted audit record before acknowledging. A CEL
	// role-attribute rule may flag this publish as an audit-only advisory
	// (spec §3's "unused-in-core" attribute bag); it never alters the
	// allow decision already reached at stage 6.
	meta := map[string]any{"digest": digest}
	if flagged, note := p.Policy.Annotate(claims.Subject, env.Subject, roles, "publish"); flagged {
		meta["cel_annotation"] = note
	}
	if err := p.Audit.Record(ctx, claims.Subject, "emit", env.Subject, auditlog.DecisionAccepted, "", meta); err != nil {
		return nil, apierr.New(apierr.Internal, "audit write failed")
	}

	// Stage 10: success.
	return &Result{Envelope: env, Digest: digest}, nil
}

func (p *Pipeline) deny(ctx context.Context, actor, subject string, aerr *apierr.Error) error {
	_ = p.Audit.Record(ctx, actor, "emit", subject, auditlog.DecisionDenied, aerr.Reason, nil)
	return aerr
}
