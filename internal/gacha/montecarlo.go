package gacha

import (
	"context"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// SimParams describes one simulation run.
type SimParams struct {
	PackType string
	Pulls    int // pulls by a single simulated user
	UserID   string
}

// Stats summarizes integer samples.
type Stats struct {
	Mean   float64
	Var    float64
	StdDev float64
	P50    float64
	P90    float64
	P99    float64
	Max    int
	// Optional: raw samples if caller needs histograms/exports
	Samples []int `json:"-"`
}

// SimReport is the outcome of a simulation.
type SimReport struct {
	Pulls     int
	Counts    map[Tier]int
	Frequency map[Tier]float64
	// Gaps holds the pulls needed to get each tier, from one award to the next.
	Gaps map[Tier]Stats
}

// calcStats computes mean/variance/percentiles for integer samples.
func calcStats(xs []int) Stats {
	n := len(xs)
	if n == 0 {
		return Stats{}
	}
	var sum float64
	for _, v := range xs {
		sum += float64(v)
	}
	mean := sum / float64(n)

	// variance (population)
	var acc float64
	for _, v := range xs {
		d := float64(v) - mean
		acc += d * d
	}
	variance := acc / float64(n)

	cp := append([]int(nil), xs...)
	sort.Ints(cp)
	percentile := func(p float64) float64 {
		if n == 1 || p <= 0 {
			return float64(cp[0])
		}
		if p >= 1 {
			return float64(cp[n-1])
		}
		pos := p * float64(n-1)
		i := int(math.Floor(pos))
		f := pos - float64(i)
		if i+1 >= n {
			return float64(cp[i])
		}
		return float64(cp[i])*(1-f) + float64(cp[i+1])*f
	}

	return Stats{
		Mean:    mean,
		Var:     variance,
		StdDev:  math.Sqrt(variance),
		P50:     percentile(0.50),
		P90:     percentile(0.90),
		P99:     percentile(0.99),
		Max:     cp[n-1],
		Samples: xs,
	}
}

// mapPity is a process-local PityStore for simulation.
type mapPity map[string]PityCounter

func (m mapPity) key(userID, pool string, tier Tier) string {
	return userID + "\x00" + pool + "\x00" + tier.String()
}

func (m mapPity) LoadPity(_ context.Context, userID, pool string, tier Tier) (PityCounter, error) {
	return m[m.key(userID, pool, tier)], nil
}

func (m mapPity) SavePity(_ context.Context, c PityCounter) error {
	m[m.key(c.UserID, c.Pool, c.Tier)] = c
	return nil
}

// RunMonteCarlo drives the real resolver through p.Pulls pulls of one pack
// type, without item selection or supply, and reports tier statistics.
func RunMonteCarlo(ctx context.Context, tables TableSource, p SimParams, rng RandomSource) (SimReport, error) {
	if p.Pulls <= 0 {
		return SimReport{}, errors.New("pulls must be > 0")
	}
	if p.UserID == "" {
		p.UserID = "sim"
	}
	r := NewResolver(tables, rng)
	pack, err := r.Pack(p.PackType)
	if err != nil {
		return SimReport{}, err
	}
	tracker := NewPityTracker(mapPity{})

	rep := SimReport{
		Pulls:     p.Pulls,
		Counts:    make(map[Tier]int),
		Frequency: make(map[Tier]float64),
		Gaps:      make(map[Tier]Stats),
	}
	since := make(map[Tier]int)
	gaps := make(map[Tier][]int)
	for i := 0; i < p.Pulls; i++ {
		if err := ctx.Err(); err != nil {
			return SimReport{}, err
		}
		tier, err := r.Plan(ctx, tracker, p.UserID, pack, nil)
		if err != nil {
			return SimReport{}, err
		}
		if err := r.Record(ctx, tracker, p.UserID, pack, tier); err != nil {
			return SimReport{}, err
		}
		rep.Counts[tier]++
		for _, w := range pack.Weights {
			since[w.Tier]++
		}
		gaps[tier] = append(gaps[tier], since[tier])
		since[tier] = 0
	}
	for tier, n := range rep.Counts {
		rep.Frequency[tier] = float64(n) / float64(p.Pulls)
	}
	for tier, xs := range gaps {
		rep.Gaps[tier] = calcStats(xs)
	}
	return rep, nil
}
