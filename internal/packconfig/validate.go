package packconfig

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/token"
)

// ValidateRaw checks a merged pack for every problem at once, so one
// reload reports everything wrong with a file.
func ValidateRaw(name string, cfg RawPack) error {
	var errs []string

	if cfg.Price == nil || cfg.Price.PerPack == nil {
		errs = append(errs, "price.per_pack is required")
	} else if *cfg.Price.PerPack == 0 {
		errs = append(errs, "price.per_pack must be > 0")
	} else if cfg.Price.PerBundle != nil && *cfg.Price.PerBundle > 0 &&
		(cfg.Price.BundleSize == nil || *cfg.Price.BundleSize < 2) {
		errs = append(errs, "price.bundle_size must be >= 2 when per_bundle is set")
	}

	live := 0
	for _, tn := range sortedTiers(cfg.Tiers) {
		t := cfg.Tiers[tn]
		if t.Disabled {
			continue
		}
		live++
		if _, err := gacha.ParseTier(tn); err != nil {
			errs = append(errs, fmt.Sprintf("tiers.%s: unknown tier", tn))
			continue
		}
		if t.Weight == nil {
			errs = append(errs, fmt.Sprintf("tiers.%s.weight is required", tn))
		} else if w := *t.Weight; !(w > 0) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Sprintf("tiers.%s.weight must be > 0", tn))
		}
		if t.Bonus != nil && (t.Pity == nil || *t.Pity < 2) {
			errs = append(errs, fmt.Sprintf("tiers.%s.bonus requires pity >= 2", tn))
		}
	}
	if live == 0 {
		errs = append(errs, "at least one tier is required")
	}

	if len(errs) > 0 {
		return errors.Mark(errors.Newf("pack %q: %s", name, strings.Join(errs, "; ")), gacha.ErrConfig)
	}
	return nil
}

// toPack converts a merged raw pack. Deeper checks such as bonus ramps
// happen in gacha.NewRarityTable.
func toPack(name string, cfg RawPack) (gacha.PackType, error) {
	if err := ValidateRaw(name, cfg); err != nil {
		return gacha.PackType{}, err
	}
	p := gacha.PackType{
		Name:     name,
		PityPool: cfg.PityPool,
		Price: token.Price{
			Currency: cfg.Price.Currency,
			PerPack:  *cfg.Price.PerPack,
		},
	}
	if cfg.Price.PerBundle != nil {
		p.Price.PerBundle = *cfg.Price.PerBundle
	}
	if cfg.Price.BundleSize != nil {
		p.Price.BundleSize = *cfg.Price.BundleSize
	}
	for _, tn := range sortedTiers(cfg.Tiers) {
		t := cfg.Tiers[tn]
		if t.Disabled {
			continue
		}
		tier, _ := gacha.ParseTier(tn)
		w := gacha.RarityWeight{Tier: tier, BaseWeight: *t.Weight, Bonus: t.Bonus}
		if t.Pity != nil {
			w.PityThreshold = *t.Pity
		}
		p.Weights = append(p.Weights, w)
	}
	sort.Slice(p.Weights, func(i, j int) bool { return p.Weights[i].Tier < p.Weights[j].Tier })
	return p, nil
}

func toItems(raw RawItems) ([]gacha.ItemCatalogEntry, error) {
	var errs []string
	seen := make(map[string]bool, len(raw.Items))
	out := make([]gacha.ItemCatalogEntry, 0, len(raw.Items))
	for i, it := range raw.Items {
		switch {
		case it.ID == "":
			errs = append(errs, fmt.Sprintf("items[%d]: id is required", i))
			continue
		case seen[it.ID]:
			errs = append(errs, fmt.Sprintf("items[%d]: duplicate id %q", i, it.ID))
			continue
		}
		seen[it.ID] = true
		tier, err := gacha.ParseTier(it.Tier)
		if err != nil {
			errs = append(errs, fmt.Sprintf("items[%d] %q: unknown tier %q", i, it.ID, it.Tier))
			continue
		}
		if it.Weight < 0 || math.IsNaN(it.Weight) || math.IsInf(it.Weight, 0) {
			errs = append(errs, fmt.Sprintf("items[%d] %q: weight must be >= 0", i, it.ID))
			continue
		}
		out = append(out, gacha.ItemCatalogEntry{
			ItemID:    it.ID,
			Tier:      tier,
			MaxOwners: it.MaxOwners,
			Weight:    it.Weight,
			Value:     it.Value,
		})
	}
	if len(errs) > 0 {
		return out, errors.Mark(errors.Newf("items: %s", strings.Join(errs, "; ")), gacha.ErrConfig)
	}
	return out, nil
}

func sortedTiers(m map[string]*RawTier) []string {
	names := make([]string, 0, len(m))
	for n, t := range m {
		if t != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func configError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Mark(errors.Join(errs...), gacha.ErrConfig)
}
