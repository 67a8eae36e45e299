package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/adapter/platforms"
)

// builtinAdapters holds one instance of every compiled-in platform adapter,
// keyed by provider id. Packs select from this set; they cannot introduce
// provider types the binary does not ship.
func builtinAdapters() map[string]adapter.Adapter {
	all := []adapter.Adapter{
		&platforms.Slack{},
		&platforms.Teams{},
		&platforms.Webex{},
		&platforms.WhatsApp{},
		&platforms.Telegram{},
		&platforms.Local{},
		&platforms.WebChat{},
	}
	byID := make(map[string]adapter.Adapter, len(all))
	for _, a := range all {
		byID[a.ProviderID()] = a
	}
	return byID
}

// BuiltinAdapters registers every compiled-in platform adapter. This is the
// registry dev setups and the test suite use when no packs are configured.
func BuiltinAdapters(logger *slog.Logger, strict bool) *adapter.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := adapter.NewRegistry(logger, strict)
	for _, a := range builtinAdapters() {
		if err := reg.Register(a); err != nil {
			logger.Error("adapter registration failed", "provider", a.ProviderID(), "err", err)
		}
	}
	return reg
}

// LoadAdapters builds the adapter registry from the packs named by
// PACKS_ROOT and ADAPTER_PACK_PATHS. With neither configured, every
// compiled-in adapter is registered, which is what dev and the test suite
// want. In strict mode any unreadable pack or unknown provider type is
// fatal (exit code 2 at the entrypoints); otherwise it is logged and
// skipped.
func LoadAdapters(logger *slog.Logger, strict bool) (*adapter.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := adapter.NewRegistry(logger, strict)
	builtins := builtinAdapters()

	roots := splitPaths(os.Getenv("PACKS_ROOT"))
	explicit := splitPaths(os.Getenv("ADAPTER_PACK_PATHS"))

	if len(roots) == 0 && len(explicit) == 0 {
		return BuiltinAdapters(logger, strict), nil
	}

	packs, err := adapter.DiscoverPacks(roots, explicit, logger, strict)
	if err != nil {
		return nil, err
	}
	for _, p := range packs {
		for _, d := range p.Providers {
			a, ok := builtins[d.ProviderType]
			if !ok {
				if strict {
					return nil, fmt.Errorf("appconfig: pack %s names unknown provider type %q", p.Path, d.ProviderType)
				}
				logger.Warn("appconfig: unknown provider type in pack, skipping", "pack", p.Name, "provider_type", d.ProviderType)
				continue
			}
			if err := reg.Register(a); err != nil {
				return nil, err
			}
			reg.SetDescriptor(a.Platform(), d)
			logger.Info("appconfig: adapter registered from pack", "pack", p.Name, "provider_type", d.ProviderType, "component_ref", d.ComponentRef)
		}
	}
	return reg, nil
}

func splitPaths(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, string(os.PathListSeparator))
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
