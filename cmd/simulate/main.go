package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/packconfig"
	"github.com/xtding233/gacha-economy/internal/pricing"
)

func main() {
	fs := pflag.NewFlagSet("loot-simulate", pflag.ExitOnError)
	dir := fs.String("packs", "configs/packs", "pack config directory")
	pack := fs.StringP("pack", "p", "standard", "pack type to simulate")
	pulls := fs.IntP("pulls", "n", 100000, "number of pulls")
	budget := fs.Uint64("budget", 0, "simulate the pulls this much currency buys instead of --pulls")
	seed := fs.Uint64("seed", 0, "RNG seed, 0 uses crypto randomness")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	_ = fs.Parse(os.Args[1:])

	if err := run(*dir, *pack, *pulls, *budget, *seed, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, pack string, pulls int, budget, seed uint64, asJSON bool) error {
	bundle, err := packconfig.NewLoader(dir).Load()
	if err != nil && len(bundle.Packs) == 0 {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	tbl, err := gacha.NewRarityTable(bundle.Packs...)
	if err != nil {
		return errors.Wrap(err, "build rarity table")
	}
	p, err := tbl.Pack(pack)
	if err != nil {
		return err
	}
	if budget > 0 {
		plan, err := pricing.MaxPullsUnderBudget(p.Price, budget)
		if err != nil {
			return err
		}
		if plan.TotalPulls == 0 {
			return errors.Newf("budget %d buys no %s pulls", budget, pack)
		}
		pulls = int(plan.TotalPulls)
		fmt.Fprintf(os.Stderr, "budget %d %s buys %d pulls for %d:", budget, plan.Currency, plan.TotalPulls, plan.TotalCost)
		for _, pu := range plan.Purchases {
			fmt.Fprintf(os.Stderr, " %dx %s(%d)", pu.Qty, pu.Offer, pu.Pulls)
		}
		fmt.Fprintln(os.Stderr)
	}

	var rng gacha.RandomSource
	if seed != 0 {
		rng = gacha.NewSeededRNG(seed)
	}
	rep, err := gacha.RunMonteCarlo(context.Background(), gacha.StaticTable{T: tbl},
		gacha.SimParams{PackType: pack, Pulls: pulls}, rng)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Printf("pack %s (version %s), %d pulls\n\n", pack, bundle.Versions[pack], rep.Pulls)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "tier\tweight\tobserved\tcount\tgap p50\tgap p90\tgap p99\tgap max\t")
	for _, tier := range gacha.Tiers {
		rule, ok := p.Rule(tier)
		if !ok {
			continue
		}
		g := rep.Gaps[tier]
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%d\t%.0f\t%.0f\t%.0f\t%d\t\n",
			tier, rule.BaseWeight, rep.Frequency[tier], rep.Counts[tier], g.P50, g.P90, g.P99, g.Max)
	}
	return w.Flush()
}
