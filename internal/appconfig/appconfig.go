// Package appconfig centralises the environment-variable configuration
// shared by every cmd/ entrypoint.
package appconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/greentic/messaging-core/pkg/subject"
)

// EnvOr returns the value of the environment variable key, or fallback if
// unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DurationOr parses the environment variable key as a Go duration, or
// returns fallback if unset or unparseable.
func DurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// IntOr parses the environment variable key as an int, or returns fallback.
func IntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// BoolOr parses the environment variable key as a bool, or returns fallback.
func BoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Common holds the configuration options every entrypoint shares.
type Common struct {
	Env    string
	BusURL string
}

// LoadCommon reads ENV and BUS_URL.
func LoadCommon() Common {
	return Common{
		Env:    EnvOr("ENV", "dev"),
		BusURL: EnvOr("BUS_URL", "nats://127.0.0.1:4222"),
	}
}

// LoadNamer builds the subject namer with the INGRESS_PREFIX and
// EGRESS_OUT_PREFIX overrides applied.
func LoadNamer() subject.Namer {
	n := subject.NewNamer()
	n.IngressPrefix = EnvOr("INGRESS_PREFIX", n.IngressPrefix)
	n.EgressOutPrefix = EnvOr("EGRESS_OUT_PREFIX", n.EgressOutPrefix)
	return n
}
