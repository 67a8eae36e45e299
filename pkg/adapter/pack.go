package adapter

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// Descriptor is one provider entry from a pack's provider-extension block.
// ComponentRef names the component implementing the provider and is handed
// to the flow runner on every egress invocation.
type Descriptor struct {
	ProviderType string   `json:"provider_type"`
	ComponentRef string   `json:"component_ref"`
	Capabilities []string `json:"capabilities,omitempty"`
	Flows        []string `json:"flows,omitempty"`
}

// Pack is a declarative adapter bundle discovered at startup: either a YAML
// file or a zipped archive containing one.
type Pack struct {
	Name      string       `json:"name"`
	Providers []Descriptor `json:"provider-extension"`

	// Path is where the pack was loaded from, for logs.
	Path string `json:"-"`
}

// maxPackBytes bounds a single pack manifest so a corrupt archive can't
// balloon startup memory.
const maxPackBytes = 1 << 20

// ErrNoManifest is returned for a zip archive that contains no YAML
// manifest.
var ErrNoManifest = errors.New("adapter: pack archive contains no yaml manifest")

// LoadPackFile reads one pack from disk. `.zip` archives are searched for
// the first `*.yaml`/`*.yml` entry; anything else is parsed as YAML
// directly.
func LoadPackFile(path string) (Pack, error) {
	var (
		raw []byte
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		raw, err = readZipManifest(path)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return Pack{}, fmt.Errorf("adapter: read pack %s: %w", path, err)
	}
	if len(raw) > maxPackBytes {
		return Pack{}, fmt.Errorf("adapter: pack %s exceeds %d bytes", path, maxPackBytes)
	}

	var p Pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Pack{}, fmt.Errorf("adapter: parse pack %s: %w", path, err)
	}
	p.Path = path
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for i, d := range p.Providers {
		if d.ProviderType == "" {
			return Pack{}, fmt.Errorf("adapter: pack %s: provider-extension entry %d has no provider_type", path, i)
		}
	}
	return p, nil
}

func readZipManifest(path string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(io.LimitReader(rc, maxPackBytes+1))
		rc.Close()
		return raw, err
	}
	return nil, ErrNoManifest
}

// DiscoverPacks loads every pack found under the given roots plus the
// explicitly listed files. In strict mode the first unreadable or invalid
// pack aborts discovery; otherwise it is logged and skipped so a broken
// pack never takes the whole process down.
func DiscoverPacks(roots, explicit []string, logger *slog.Logger, strict bool) ([]Pack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	paths := make([]string, 0, len(explicit))
	for _, root := range roots {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml", ".zip":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			if strict {
				return nil, fmt.Errorf("adapter: scan packs root %s: %w", root, err)
			}
			logger.Warn("adapter: packs root not scannable, skipping", "root", root, "err", err)
		}
	}
	for _, p := range explicit {
		if p != "" {
			paths = append(paths, p)
		}
	}

	packs := make([]Pack, 0, len(paths))
	for _, path := range paths {
		p, err := LoadPackFile(path)
		if err != nil {
			if strict {
				return nil, err
			}
			logger.Warn("adapter: invalid pack, skipping", "path", path, "err", err)
			continue
		}
		packs = append(packs, p)
	}
	return packs, nil
}
