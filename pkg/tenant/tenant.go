// Package tenant defines TenantContext, the {env, tenant, team?, user?,
// correlation_id?, trace_id?} tuple that identifies the multi-tenant scope
// of a message, and the two constructors allowed to build one: one at
// ingress (from request coordinates), one that lifts a stored envelope's
// context back into scope on the egress side without re-deriving values.
//
// Every envelope that crosses the bus carries a Context built by exactly one
// of these two constructors; nothing else in this module is allowed to
// construct one.
package tenant

import (
	"errors"
	"strings"
)

// DefaultEnv is used when no env is configured or supplied.
const DefaultEnv = "dev"

// Context is immutable after creation. Env is always populated; Tenant is
// non-empty; Team is sanitised (non-empty printable) or absent.
type Context struct {
	Env           string `json:"env"`
	Tenant        string `json:"tenant"`
	Team          string `json:"team,omitempty"`
	User          string `json:"user,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// ErrEmptyTenant is returned when New is asked to build a Context for an
// empty tenant; a bug at the call site, not an operational failure, but an
// HTTP-reachable constructor returns an error rather than panicking so the
// ingress gateway can turn it into a 400.
var ErrEmptyTenant = errors.New("tenant: tenant must not be empty")

func sanitizeTeam(team string) string {
	team = strings.TrimSpace(team)
	for _, r := range team {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return team
}

func sanitizeEnv(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return DefaultEnv
	}
	return env
}

// New is the ingress-side constructor: env comes from process
// configuration (defaulting to "dev"), tenant and team from the URL path,
// user from a request header. Called exactly once per inbound request.
func New(env, tenantID, team, user string) (Context, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Context{}, ErrEmptyTenant
	}
	return Context{
		Env:    sanitizeEnv(env),
		Tenant: tenantID,
		Team:   sanitizeTeam(team),
		User:   strings.TrimSpace(user),
	}, nil
}

// WithCorrelation returns a copy of ctx with CorrelationID/TraceID set. It
// does not re-derive Env/Tenant/Team/User, preserving the "never rebuilt"
// invariant: this is a decoration of an already-constructed Context, not a
// third constructor.
func (c Context) WithCorrelation(correlationID, traceID string) Context {
	c.CorrelationID = correlationID
	c.TraceID = traceID
	return c
}

// FromStored is the egress-side constructor: it lifts a Context that was
// already embedded in a stored/bus-transiting envelope back into scope
// without re-deriving any field. It exists only so call sites are explicit
// about which of the two allowed construction paths they're on.
func FromStored(stored Context) Context {
	return stored
}
