// Package policy implements the Static Policy Loader (C6), Dynamic
// Capability Store (C7), and Policy Engine (C8) (spec §4.6–§4.8).
// Follows pkg/policyloader/loader.go's mtime-poll file watcher with
// fail-closed-to-previous-good-snapshot reload, and
// pkg/governance/policy_evaluator_cel.go (CEL environment/program-cache
// pattern, reused here as a non-authoritative annotator per DESIGN.md's
// Open Question decision).
package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
)

// StaticRule is one subject's static publisher/subscriber membership
// (spec §3: "mapping from subject string to {publishers, subscribers,
// labels}").
type StaticRule struct {
	Pubs   []string `yaml:"pubs"`
	Subs   []string `yaml:"subs"`
	Labels []string `yaml:"labels"`
}

// StaticDoc is the parsed policy file (spec §6: "YAML document with
// subjects: {...} and roles: {...}").
type StaticDoc struct {
	Subjects map[string]StaticRule    `yaml:"subjects"`
	Roles    map[string]map[string]any `yaml:"roles"`
}

// Loader parses the static policy file at startup and on each detected
// mtime change. A failed reparse leaves the previously good document in
// effect and never crashes the service (spec §4.6).
type Loader struct {
	path         string
	pollInterval time.Duration
	audit        auditlog.Logger
	annotator    *RoleAnnotator

	current  atomic.Pointer[StaticDoc]
	lastMod  time.Time
	onReload func(*StaticDoc)
}

// NewLoader returns a Loader for the file at path, polling every
// pollInterval for mtime changes. onReload, if non-nil, is invoked after
// every successful (re)load with the new document, so the Policy Engine
// can trigger a rebuild (spec §4.8: "rebuild signal invoked by C6
// reloads").
func NewLoader(path string, pollInterval time.Duration, audit auditlog.Logger, onReload func(*StaticDoc)) *Loader {
	return &Loader{path: path, pollInterval: pollInterval, audit: audit, onReload: onReload}
}

// WithCELAnnotator stores an optional CEL-based role-attribute annotator
// on the Loader. The Loader does not consult it; audit annotations come
// from the annotator attached with Engine.WithAnnotator (DESIGN.md Open
// Question #1).
func (l *Loader) WithCELAnnotator(a *RoleAnnotator) *Loader {
	l.annotator = a
	return l
}

// Load performs the initial synchronous parse. Callers should call this
// once at startup before Watch, so the gateway never serves requests
// against a nil policy.
func (l *Loader) Load(ctx context.Context) error {
	doc, mod, err := l.parse()
	if err != nil {
		return fmt.Errorf("policy: initial load: %w", err)
	}
	l.current.Store(doc)
	l.lastMod = mod
	if l.onReload != nil {
		l.onReload(doc)
	}
	return nil
}

// Watch polls the file's mtime every pollInterval until ctx is canceled.
func (l *Loader) Watch(ctx context.Context) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reloadIfChanged(ctx)
		}
	}
}

func (l *Loader) reloadIfChanged(ctx context.Context) {
	info, err := os.Stat(l.path)
	if err != nil {
		l.recordReloadFailure(ctx, err)
		return
	}
	if !info.ModTime().After(l.lastMod) {
		return
	}

	doc, mod, err := l.parse()
	if err != nil {
		l.recordReloadFailure(ctx, err)
		return
	}
	l.current.Store(doc)
	l.lastMod = mod
	if l.onReload != nil {
		l.onReload(doc)
	}
}

func (l *Loader) recordReloadFailure(ctx context.Context, cause error) {
	if l.audit != nil {
		_ = l.audit.Record(ctx, "system", "policy.reload", l.path, auditlog.DecisionDenied, cause.Error(), nil)
	}
}

func (l *Loader) parse() (*StaticDoc, time.Time, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var doc StaticDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("yaml: %w", err)
	}
	if doc.Subjects == nil {
		doc.Subjects = map[string]StaticRule{}
	}
	return &doc, info.ModTime(), nil
}

// Current returns the most recently loaded document. Never nil once Load
// has succeeded once.
func (l *Loader) Current() *StaticDoc {
	return l.current.Load()
}
