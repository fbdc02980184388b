package packconfig

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Paths locates the config files under one base directory.
type Paths struct {
	BaseDir string // e.g. /etc/loot
}

func (p Paths) DefaultPath() string { return filepath.Join(p.BaseDir, "default.yaml") }
func (p Paths) PacksDir() string    { return filepath.Join(p.BaseDir, "packs") }
func (p Paths) PackPath(name string) string {
	return filepath.Join(p.PacksDir(), name+".yaml")
}
func (p Paths) ItemsPath() string { return filepath.Join(p.BaseDir, "items.yaml") }

// Loader reads YAML files and merges default.yaml under every pack.
type Loader struct {
	paths Paths
}

func NewLoader(baseDir string) *Loader {
	return &Loader{paths: Paths{BaseDir: baseDir}}
}

func (l *Loader) Paths() Paths { return l.paths }

// Load reads every pack and the item catalog. Packs that fail validation
// are left out and reported in the returned error, which carries
// gacha.ErrConfig; the valid remainder is still returned.
func (l *Loader) Load() (Bundle, error) {
	var def RawPack
	if err := readYAML(l.paths.DefaultPath(), &def); err != nil {
		return Bundle{}, errors.Wrap(err, "read default")
	}
	names, err := l.packNames()
	if err != nil {
		return Bundle{}, err
	}
	if len(names) == 0 {
		return Bundle{}, errors.Newf("no pack files in %s", l.paths.PacksDir())
	}

	b := Bundle{Versions: make(map[string]string, len(names))}
	var errs []error
	for _, name := range names {
		var raw RawPack
		if err := readYAML(l.paths.PackPath(name), &raw); err != nil {
			errs = append(errs, errors.Wrapf(err, "pack %q", name))
			continue
		}
		merged := mergeRaw(def, raw)
		pack, err := toPack(name, merged)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.Packs = append(b.Packs, pack)
		b.Versions[name] = merged.Version
	}

	var items RawItems
	if err := readYAML(l.paths.ItemsPath(), &items); err != nil {
		errs = append(errs, errors.Wrap(err, "read items"))
	} else {
		its, err := toItems(items)
		if err != nil {
			errs = append(errs, err)
		}
		b.Items = its
	}
	return b, configError(errs)
}

func (l *Loader) packNames() ([]string, error) {
	entries, err := os.ReadDir(l.paths.PacksDir())
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", l.paths.PacksDir())
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// readYAML decodes path into out. A missing file leaves out untouched.
func readYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "parse %s", filepath.Base(path))
	}
	return nil
}

// mergeRaw overlays b on a: set fields in b win, tiers merge per field.
func mergeRaw(a, b RawPack) RawPack {
	out := a
	if b.Version != "" {
		out.Version = b.Version
	}
	if b.Notes != "" {
		out.Notes = b.Notes
	}
	if b.PityPool != "" {
		out.PityPool = b.PityPool
	}

	switch {
	case out.Price == nil && b.Price != nil:
		c := *b.Price
		out.Price = &c
	case out.Price != nil && b.Price != nil:
		c := *out.Price
		if b.Price.Currency != "" {
			c.Currency = b.Price.Currency
		}
		if b.Price.PerPack != nil {
			c.PerPack = b.Price.PerPack
		}
		if b.Price.PerBundle != nil {
			c.PerBundle = b.Price.PerBundle
		}
		if b.Price.BundleSize != nil {
			c.BundleSize = b.Price.BundleSize
		}
		out.Price = &c
	}

	out.Tiers = make(map[string]*RawTier, len(a.Tiers)+len(b.Tiers))
	for name, t := range a.Tiers {
		if t != nil {
			c := *t
			out.Tiers[name] = &c
		}
	}
	for name, t := range b.Tiers {
		if t == nil {
			continue
		}
		cur, ok := out.Tiers[name]
		if !ok {
			c := *t
			out.Tiers[name] = &c
			continue
		}
		if t.Weight != nil {
			cur.Weight = t.Weight
		}
		if t.Pity != nil {
			cur.Pity = t.Pity
		}
		if t.Bonus != nil {
			bc := *t.Bonus
			cur.Bonus = &bc
		}
		cur.Disabled = t.Disabled
	}
	return out
}
