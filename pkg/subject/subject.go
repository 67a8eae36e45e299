// Package subject provides the single, pure mapping from routing
// coordinates (env, tenant, team, platform, chat) to message-bus subjects.
// Every component that needs a subject string routes through here; raw
// string concatenation of subjects elsewhere is forbidden.
package subject

import (
	"errors"
	"fmt"
	"strings"
)

// Default prefixes, overridable via configuration (INGRESS_PREFIX,
// EGRESS_OUT_PREFIX).
const (
	DefaultIngressPrefix    = "greentic.messaging.ingress"
	DefaultEgressPrefix     = "greentic.messaging.egress"
	DefaultEgressOutPrefix  = "greentic.messaging.egress.out"
	DefaultTeam             = "default"
)

// ErrEmptyTenant and ErrEmptyEnv are returned when required coordinates are
// missing. A subject namer called with an empty tenant/env is a caller bug,
// not an operational failure.
var (
	ErrEmptyTenant   = errors.New("subject: tenant must not be empty")
	ErrEmptyEnv      = errors.New("subject: env must not be empty")
	ErrEmptyPlatform = errors.New("subject: platform must not be empty")
	ErrEmptyStage    = errors.New("subject: stage must not be empty")
)

// Namer builds subjects with configurable prefixes. The zero value uses the
// package defaults.
type Namer struct {
	IngressPrefix   string
	EgressPrefix    string
	EgressOutPrefix string
}

// NewNamer returns a Namer seeded with the default prefixes; overrides (from
// INGRESS_PREFIX / EGRESS_OUT_PREFIX) can be applied on the returned value.
func NewNamer() Namer {
	return Namer{
		IngressPrefix:   DefaultIngressPrefix,
		EgressPrefix:    DefaultEgressPrefix,
		EgressOutPrefix: DefaultEgressOutPrefix,
	}
}

func (n Namer) ingressPrefix() string {
	if n.IngressPrefix == "" {
		return DefaultIngressPrefix
	}
	return n.IngressPrefix
}

func (n Namer) egressPrefix() string {
	if n.EgressPrefix == "" {
		return DefaultEgressPrefix
	}
	return n.EgressPrefix
}

func (n Namer) egressOutPrefix() string {
	if n.EgressOutPrefix == "" {
		return DefaultEgressOutPrefix
	}
	return n.EgressOutPrefix
}

func sanitizeTeam(team string) string {
	team = strings.TrimSpace(team)
	if team == "" {
		return DefaultTeam
	}
	return team
}

// Ingress builds `{ingressPrefix}.{env}.{tenant}.{team}.{platform}`.
func (n Namer) Ingress(env, tenant, team, platform string) (string, error) {
	if err := requireNonEmpty(env, tenant, platform); err != nil {
		return "", err
	}
	team = sanitizeTeam(team)
	return fmt.Sprintf("%s.%s.%s.%s.%s", n.ingressPrefix(), env, tenant, team, platform), nil
}

// EgressWildcard builds the wildcard subject the egress worker consumes:
// `{egressPrefix}.{env}.>`.
func (n Namer) EgressWildcard(env string) (string, error) {
	if env == "" {
		return "", ErrEmptyEnv
	}
	return fmt.Sprintf("%s.%s.>", n.egressPrefix(), env), nil
}

// EgressInput builds a concrete egress input subject used by producers that
// enqueue OutMessages for the egress worker:
// `{egressPrefix}.{env}.{tenant}.{team}.{platform}`.
func (n Namer) EgressInput(env, tenant, team, platform string) (string, error) {
	if err := requireNonEmpty(env, tenant, platform); err != nil {
		return "", err
	}
	team = sanitizeTeam(team)
	return fmt.Sprintf("%s.%s.%s.%s.%s", n.egressPrefix(), env, tenant, team, platform), nil
}

// EgressOut builds `{egressOutPrefix}.{tenant}.{platform}`, the subject the
// egress worker publishes runner results to.
func (n Namer) EgressOut(tenant, platform string) (string, error) {
	if tenant == "" {
		return "", ErrEmptyTenant
	}
	if platform == "" {
		return "", ErrEmptyPlatform
	}
	return fmt.Sprintf("%s.%s.%s", n.egressOutPrefix(), tenant, platform), nil
}

// DLQ builds `dlq.{tenant}.{stage}`.
func (n Namer) DLQ(tenant, stage string) (string, error) {
	if tenant == "" {
		return "", ErrEmptyTenant
	}
	if stage == "" {
		return "", ErrEmptyStage
	}
	return fmt.Sprintf("dlq.%s.%s", tenant, stage), nil
}

// Replay builds `replay.{tenant}.{stage}`.
func (n Namer) Replay(tenant, stage string) (string, error) {
	if tenant == "" {
		return "", ErrEmptyTenant
	}
	if stage == "" {
		return "", ErrEmptyStage
	}
	return fmt.Sprintf("replay.%s.%s", tenant, stage), nil
}

func requireNonEmpty(env, tenant, platform string) error {
	if env == "" {
		return ErrEmptyEnv
	}
	if tenant == "" {
		return ErrEmptyTenant
	}
	if platform == "" {
		return ErrEmptyPlatform
	}
	return nil
}

// ParsedIngress is the decomposition of an ingress subject, the inverse of
// Namer.Ingress.
type ParsedIngress struct {
	Prefix   string
	Env      string
	Tenant   string
	Team     string
	Platform string
}

// ParseIngress decomposes a subject produced by Ingress. The prefix may
// itself contain dots (e.g. "greentic.messaging.ingress"), so parsing works
// from the right: the last three dot-separated segments are
// platform/team/tenant, the one before that is env, and everything
// remaining is the prefix.
func (n Namer) ParseIngress(subj string) (ParsedIngress, error) {
	parts := strings.Split(subj, ".")
	if len(parts) < 5 {
		return ParsedIngress{}, fmt.Errorf("subject: %q has too few segments for an ingress subject", subj)
	}
	platform := parts[len(parts)-1]
	team := parts[len(parts)-2]
	tenant := parts[len(parts)-3]
	env := parts[len(parts)-4]
	prefix := strings.Join(parts[:len(parts)-4], ".")
	if platform == "" || team == "" || tenant == "" || env == "" {
		return ParsedIngress{}, fmt.Errorf("subject: %q has empty segments", subj)
	}
	return ParsedIngress{Prefix: prefix, Env: env, Tenant: tenant, Team: team, Platform: platform}, nil
}
