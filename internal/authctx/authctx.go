// Package authctx holds the small set of identity types shared across the
// HTTP layer and the Verified-Emit Pipeline: the authenticated Principal
// for a request and the keyring-over-session role precedence rule (spec
// §3: "Roles held in the keyring override roles asserted by a session
// token"; spec §9: "the authoritative role set is always re-read from the
// keyring at decision time").
package authctx

// Principal is the authenticated identity attached to a request once its
// bearer grant has been validated (spec §4.10 stage 2).
type Principal struct {
	AEID    string
	Roles   []string
	Profile string
}

// EffectiveRoles returns the role set that MUST be used for any
// authorization decision: the keyring's roles when the ae_id has a
// keyring record, never the session grant's roles. A grant can be issued
// under roles that have since changed in the keyring; the keyring is
// re-read at decision time rather than trusting the grant's claim.
func EffectiveRoles(keyringRoles, grantRoles []string) []string {
	if keyringRoles != nil {
		return keyringRoles
	}
	return grantRoles
}
