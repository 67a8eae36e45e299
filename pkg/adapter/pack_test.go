package adapter

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/greentic/messaging-core/pkg/envelope"
)

const packYAML = `name: core-messaging
provider-extension:
  - provider_type: slack
    component_ref: adapters/slack@v1
    capabilities: [ingress, egress]
    flows: [default]
  - provider_type: webex
    component_ref: adapters/webex@v1
`

func writePackFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	return path
}

func TestLoadPackYAML(t *testing.T) {
	path := writePackFile(t, "core.yaml", packYAML)

	p, err := LoadPackFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "core-messaging" {
		t.Fatalf("got name %q", p.Name)
	}
	if len(p.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(p.Providers))
	}
	if p.Providers[0].ProviderType != "slack" || p.Providers[0].ComponentRef != "adapters/slack@v1" {
		t.Fatalf("unexpected first provider %+v", p.Providers[0])
	}
	if len(p.Providers[0].Capabilities) != 2 {
		t.Fatalf("capabilities not parsed: %+v", p.Providers[0])
	}
}

func TestLoadPackNameDefaultsToFilename(t *testing.T) {
	path := writePackFile(t, "telegram-pack.yml", "provider-extension:\n  - provider_type: telegram\n")

	p, err := LoadPackFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "telegram-pack" {
		t.Fatalf("got name %q", p.Name)
	}
}

func TestLoadPackZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("pack.yaml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write([]byte(packYAML)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	p, err := LoadPackFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(p.Providers))
	}
}

func TestLoadPackZipWithoutManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("readme.txt")
	w.Write([]byte("nothing here"))
	zw.Close()
	f.Close()

	if _, err := LoadPackFile(path); err == nil {
		t.Fatal("expected a manifest-less archive to error")
	}
}

func TestLoadPackMissingProviderType(t *testing.T) {
	path := writePackFile(t, "bad.yaml", "provider-extension:\n  - component_ref: adapters/mystery@v1\n")
	if _, err := LoadPackFile(path); err == nil {
		t.Fatal("expected missing provider_type to error")
	}
}

func TestDiscoverPacksSkipsInvalidUnlessStrict(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "good.yaml"), []byte(packYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "bad.yaml"), []byte(":\nnot yaml {{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	packs, err := DiscoverPacks([]string{root}, nil, nil, false)
	if err != nil {
		t.Fatalf("non-strict discovery should skip invalid packs: %v", err)
	}
	if len(packs) != 1 {
		t.Fatalf("got %d packs, want 1", len(packs))
	}

	if _, err := DiscoverPacks([]string{root}, nil, nil, true); err == nil {
		t.Fatal("expected strict discovery to error on the invalid pack")
	}
}

func TestDiscoverPacksExplicitPaths(t *testing.T) {
	path := writePackFile(t, "solo.yaml", packYAML)

	packs, err := DiscoverPacks(nil, []string{path}, nil, true)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(packs) != 1 || packs[0].Path != path {
		t.Fatalf("got %+v", packs)
	}
}

func TestDescriptorFirstWins(t *testing.T) {
	reg := NewRegistry(nil, false)
	reg.Register(&fakeAdapter{id: "slack", platform: envelope.PlatformSlack})

	reg.SetDescriptor(envelope.PlatformSlack, Descriptor{ProviderType: "slack", ComponentRef: "adapters/slack@v1"})
	reg.SetDescriptor(envelope.PlatformSlack, Descriptor{ProviderType: "slack", ComponentRef: "adapters/slack@v2"})

	d, ok := reg.DescriptorFor("slack")
	if !ok {
		t.Fatal("descriptor not recorded")
	}
	if d.ComponentRef != "adapters/slack@v1" {
		t.Fatalf("expected first descriptor to win, got %q", d.ComponentRef)
	}
}
