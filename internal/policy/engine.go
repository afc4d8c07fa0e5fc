package policy

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Decision is the outcome of a can_publish/can_subscribe check.
type Decision int

const (
	Allow Decision = iota
	DenyUnknownSubject
	DenyNotAuthorized
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnknownSubject:
		return "unknown_subject"
	case DenyNotAuthorized:
		return "not_authorized"
	default:
		return "unknown"
	}
}

// effectiveSubject is the merged static+dynamic membership for one
// subject, derived fresh on every rebuild and never mutated in place
// (spec §3: "Effective Policy ... derived, never stored").
type effectiveSubject struct {
	pubs map[string]bool
	subs map[string]bool
}

// snapshot is the Engine's immutable, atomically-published view (spec
// §4.8/§5: "rebuilds are atomic: readers see either the old or the new
// snapshot, never a partial one").
type snapshot struct {
	subjects map[string]effectiveSubject
}

// Engine is the Policy Engine (C8): pure decision logic over the merge of
// a Loader's static document and a CapabilityStore's dynamic
// declarations.
type Engine struct {
	static *Loader
	caps   *CapabilityStore

	current atomic.Pointer[snapshot]

	annotator *RoleAnnotator
}

// NewEngine wires static and caps together. Callers must arrange for
// static's onReload and caps' onChange to call Rebuild (done by Wire,
// below, for the common case).
func NewEngine(static *Loader, caps *CapabilityStore) *Engine {
	return &Engine{static: static, caps: caps}
}

// Wire builds an Engine and registers the rebuild callbacks on both
// inputs, then performs the initial build. Static's Load must already
// have been called once before Wire, so the initial Rebuild has a
// document to read.
func Wire(ctx context.Context, staticLoader *Loader, capStore *CapabilityStore) (*Engine, error) {
	e := NewEngine(staticLoader, capStore)
	staticLoader.onReload = func(*StaticDoc) { e.Rebuild(ctx) }
	capStore.onChange = func() { e.Rebuild(ctx) }
	e.Rebuild(ctx)
	return e, nil
}

// WithAnnotator attaches an optional CEL-based role-attribute annotator
// (DESIGN.md Open Question #1). It never changes an allow/deny verdict;
// callers use Annotate after a decision to enrich the audit record.
func (e *Engine) WithAnnotator(a *RoleAnnotator) *Engine {
	e.annotator = a
	return e
}

// Annotate evaluates the static policy's optional per-role "cel" expression
// (spec §3's "unused-in-core attribute bag") against aeID/subject/action for
// each of roles, purely to surface a non-binding audit note. It reports
// (flagged, note) where note names the first role whose CEL rule matched;
// callers must never treat a false return as a deny, nor a true return as an
// allow override. A nil annotator or absent/invalid "cel" attribute is a
// silent no-op.
func (e *Engine) Annotate(aeID, subject string, roles []string, action string) (bool, string) {
	if e.annotator == nil {
		return false, ""
	}
	doc := e.static.Current()
	if doc == nil {
		return false, ""
	}
	for _, role := range roles {
		attrs, ok := doc.Roles[role]
		if !ok {
			continue
		}
		expr, ok := attrs["cel"].(string)
		if !ok || expr == "" {
			continue
		}
		matched, err := e.annotator.Annotate(expr, aeID, map[string]any{
			"subject": subject,
			"action":  action,
			"attrs":   attrs,
		})
		if err != nil || !matched {
			continue
		}
		return true, fmt.Sprintf("role %q cel rule matched for action %q on subject %q", role, action, subject)
	}
	return false, ""
}

// Rebuild recomputes the Effective Policy and atomically publishes it.
// Safe to call concurrently; readers never observe a torn snapshot.
func (e *Engine) Rebuild(ctx context.Context) {
	doc := e.static.Current()
	subjects := make(map[string]effectiveSubject)

	ensure := func(subj string) effectiveSubject {
		s, ok := subjects[subj]
		if !ok {
			s = effectiveSubject{pubs: map[string]bool{}, subs: map[string]bool{}}
			subjects[subj] = s
		}
		return s
	}

	if doc != nil {
		for subj, rule := range doc.Subjects {
			s := ensure(subj)
			for _, ae := range rule.Pubs {
				s.pubs[ae] = true
			}
			for _, ae := range rule.Subs {
				s.subs[ae] = true
			}
		}
	}

	if e.caps != nil {
		caps, err := e.caps.List(ctx)
		if err == nil {
			for _, c := range caps {
				for _, subj := range c.Publishes {
					ensure(subj).pubs[c.AEID] = true
				}
				for _, subj := range c.Subscribes {
					ensure(subj).subs[c.AEID] = true
				}
			}
		}
	}

	e.current.Store(&snapshot{subjects: subjects})
}

// CanPublish decides whether aeID may publish to subject (spec §4.8).
// roles is accepted for forward compatibility but the core decision is
// identity-based, per spec.
func (e *Engine) CanPublish(aeID, subject string, roles []string) Decision {
	return e.decide(aeID, subject, roles, func(s effectiveSubject) (map[string]bool, bool) {
		return s.pubs, len(s.pubs) > 0 || len(s.subs) > 0
	})
}

// CanSubscribe decides whether aeID may subscribe to subject.
func (e *Engine) CanSubscribe(aeID, subject string, roles []string) Decision {
	return e.decide(aeID, subject, roles, func(s effectiveSubject) (map[string]bool, bool) {
		return s.subs, len(s.pubs) > 0 || len(s.subs) > 0
	})
}

func (e *Engine) decide(aeID, subject string, _ []string, pick func(effectiveSubject) (map[string]bool, bool)) Decision {
	snap := e.current.Load()
	if snap == nil {
		return DenyUnknownSubject
	}
	s, known := snap.subjects[subject]
	if !known {
		return DenyUnknownSubject
	}
	members, hasAny := pick(s)
	if !hasAny {
		return DenyUnknownSubject
	}
	if members[aeID] {
		return Allow
	}
	return DenyNotAuthorized
}
