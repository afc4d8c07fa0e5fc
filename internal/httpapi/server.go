package httpapi

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/aegate/internal/apierr"
	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/authctx"
	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/config"
	"github.com/Mindburn-Labs/aegate/internal/emit"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
	"github.com/Mindburn-Labs/aegate/internal/nonce"
	"github.com/Mindburn-Labs/aegate/internal/policy"
	"github.com/Mindburn-Labs/aegate/internal/session"
	"github.com/Mindburn-Labs/aegate/internal/sse"
)

const adminRole = "admin"

// Server holds every component the HTTP surface dispatches to and builds
// the routed http.Handler (spec §6).
type Server struct {
	Config   *config.Config
	Sessions *session.Issuer
	Keyring  *keyring.Store
	Nonces   nonce.Cache
	Caps     *policy.CapabilityStore
	Policy   *policy.Engine
	Bus      *bus.Bus
	Audit    auditlog.Logger
	Emit     *emit.Pipeline
	SSE      *sse.Bridge
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	limiter := newIPRateLimiter(s.Config.RegisterRPS, s.Config.RegisterBurst)

	mux.Handle("POST /register", limiter.middleware(http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /verify", limiter.middleware(http.HandlerFunc(s.handleVerify)))
	mux.HandleFunc("POST /emit", s.handleEmit)
	mux.HandleFunc("POST /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /subscribe/{topic}", s.handleSubscribe)
	mux.HandleFunc("GET /audit/stream", s.handleAudit)
	mux.HandleFunc("GET /admin/keys/list", s.handleAdminListKeys)
	mux.HandleFunc("POST /admin/keys/add", s.handleAdminAddKey)
	mux.HandleFunc("POST /admin/keys/revoke", s.handleAdminRevokeKey)

	var handler http.Handler = mux
	handler = corsMiddleware(s.Config.CORSOrigins)(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

type registerRequest struct {
	AEID string `json:"ae_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AEID == "" {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}

	ctx := r.Context()
	if _, err := s.Keyring.Get(ctx, req.AEID); err != nil {
		apierr.Write(w, r, apierr.Newf(apierr.BadRequest, "unknown ae_id %q", req.AEID))
		return
	}

	n, err := s.Nonces.Issue(ctx, req.AEID)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, "nonce issuance failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"nonce": n})
}

type verifyRequest struct {
	AEID        string `json:"ae_id"`
	SignedNonce string `json:"signed_nonce"` // hex-encoded Ed25519 signature over the nonce
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AEID == "" || req.SignedNonce == "" {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}

	ctx := r.Context()
	rec, err := s.Keyring.Get(ctx, req.AEID)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, "unknown ae_id"))
		return
	}
	if rec.State == keyring.Revoked || (rec.Expiry != nil && time.Now().After(*rec.Expiry)) {
		reason := "principal is not trusted"
		_ = s.Audit.Record(ctx, req.AEID, "admission.verify", req.AEID, auditlog.DecisionDenied, reason, nil)
		apierr.Write(w, r, apierr.New(apierr.NotTrusted, reason))
		return
	}

	sig, err := hex.DecodeString(req.SignedNonce)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, "malformed signature"))
		return
	}

	// /verify's wire contract carries only {ae_id, signed_nonce}, never the
	// plaintext nonce, so the outstanding challenge is recovered via Peek
	// before the signature over it can be checked.
	candidate, found := s.Nonces.Peek(ctx, req.AEID)
	if !found {
		reason := "expired nonce"
		_ = s.Audit.Record(ctx, req.AEID, "admission.verify", req.AEID, auditlog.DecisionDenied, reason, nil)
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, reason))
		return
	}
	if !ed25519.Verify(rec.PublicKey, []byte(candidate), sig) {
		reason := "bad signature"
		_ = s.Audit.Record(ctx, req.AEID, "admission.verify", req.AEID, auditlog.DecisionDenied, reason, nil)
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, reason))
		return
	}
	if err := s.Nonces.Consume(ctx, req.AEID, candidate); err != nil {
		reason := "nonce already consumed or expired"
		_ = s.Audit.Record(ctx, req.AEID, "admission.verify", req.AEID, auditlog.DecisionDenied, reason, nil)
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, reason))
		return
	}

	if err := s.Keyring.SetState(ctx, req.AEID, req.AEID, keyring.Trusted); err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, "trust elevation failed"))
		return
	}

	grant, err := s.Sessions.Issue(req.AEID, rec.Roles, "standard")
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, err.Error()))
		return
	}

	_ = s.Audit.Record(ctx, req.AEID, "admission.verified", req.AEID, auditlog.DecisionAccepted, "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"grant": grant})
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "could not read request body"))
		return
	}
	res, err := s.Emit.Emit(r.Context(), bearerToken(r), body)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "digest": res.Digest})
}

type capabilitiesRequest struct {
	Publishes  []string       `json:"publishes"`
	Subscribes []string       `json:"subscribes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := s.Sessions.Validate(bearerToken(r))
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, err.Error()))
		return
	}

	var req capabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}

	if err := s.Caps.Put(ctx, claims.Subject, req.Publishes, req.Subscribes, req.Meta); err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, "capability write failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	s.SSE.Subscribe(w, r, bearerToken(r), topic)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.Audit.Stream(r.Context(), w); err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, "stream failed"))
	}
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	recs, err := s.Keyring.List(r.Context())
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, "list failed"))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type adminAddKeyRequest struct {
	AEID   string   `json:"ae_id"`
	PubKey string   `json:"pubkey"` // hex-encoded
	Roles  []string `json:"roles"`
}

func (s *Server) handleAdminAddKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireAdminClaims(w, r)
	if !ok {
		return
	}

	var req adminAddKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AEID == "" {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}
	pub, err := hex.DecodeString(req.PubKey)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid pubkey encoding"))
		return
	}

	if err := s.Keyring.Upsert(r.Context(), claims.Subject, req.AEID, ed25519.PublicKey(pub), req.Roles, nil, true); err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type adminRevokeKeyRequest struct {
	AEID string `json:"ae_id"`
}

func (s *Server) handleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireAdminClaims(w, r)
	if !ok {
		return
	}

	var req adminRevokeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AEID == "" {
		apierr.Write(w, r, apierr.New(apierr.BadRequest, "invalid request body"))
		return
	}

	if err := s.Keyring.SetState(r.Context(), claims.Subject, req.AEID, keyring.Revoked); err != nil {
		apierr.Write(w, r, apierr.New(apierr.Internal, err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	_, ok := s.requireAdminClaims(w, r)
	return ok
}

// requireAdminClaims validates the bearer grant and checks the admin role
// against the keyring's authoritative role set, never the grant's own
// roles claim (spec §9: role precedence).
func (s *Server) requireAdminClaims(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	claims, err := s.Sessions.Validate(bearerToken(r))
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.Unauthenticated, err.Error()))
		return session.Claims{}, false
	}

	rec, err := s.Keyring.Get(r.Context(), claims.Subject)
	if err != nil || !rec.Usable() {
		apierr.Write(w, r, apierr.New(apierr.NotTrusted, "principal is not trusted"))
		return session.Claims{}, false
	}

	roles := authctx.EffectiveRoles(rec.Roles, claims.Roles)
	if !hasRole(roles, adminRole) {
		apierr.Write(w, r, apierr.New(apierr.Forbidden, "admin role required"))
		return session.Claims{}, false
	}
	return claims, true
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
