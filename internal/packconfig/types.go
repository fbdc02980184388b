package packconfig

import "github.com/xtding233/gacha-economy/internal/gacha"

// RawPack is one pack file as written in YAML. default.yaml has the same
// shape; pack files override it field by field.
type RawPack struct {
	Version  string              `yaml:"version"`
	PityPool string              `yaml:"pity_pool,omitempty"`
	Price    *RawPrice           `yaml:"price,omitempty"`
	Tiers    map[string]*RawTier `yaml:"tiers,omitempty"`
	Notes    string              `yaml:"notes,omitempty"`
}

type RawPrice struct {
	Currency   string  `yaml:"currency,omitempty"`
	PerPack    *uint64 `yaml:"per_pack,omitempty"`
	PerBundle  *uint64 `yaml:"per_bundle,omitempty"`
	BundleSize *uint32 `yaml:"bundle_size,omitempty"`
}

type RawTier struct {
	Weight   *float64           `yaml:"weight,omitempty"`
	Pity     *uint32            `yaml:"pity,omitempty"`
	Bonus    *gacha.BonusConfig `yaml:"bonus,omitempty"`
	Disabled bool               `yaml:"disabled,omitempty"` // drop a tier inherited from default.yaml
}

// RawItems is items.yaml.
type RawItems struct {
	Items []RawItem `yaml:"items"`
}

type RawItem struct {
	ID        string  `yaml:"id"`
	Tier      string  `yaml:"tier"`
	MaxOwners *uint32 `yaml:"max_owners,omitempty"`
	Weight    float64 `yaml:"weight,omitempty"`
	Value     uint64  `yaml:"value,omitempty"`
}

// Bundle is everything one load produced.
type Bundle struct {
	Packs []gacha.PackType
	Items []gacha.ItemCatalogEntry
	// Versions maps pack name to its effective config version for tracing.
	Versions map[string]string
}
