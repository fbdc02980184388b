// Package pricing plans how to buy pulls under a pack's bundle pricing.
package pricing

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/token"
)

// MaxPlanPulls bounds the pull counts a plan may cover.
const MaxPlanPulls = 100000

var (
	ErrNoOffers = errors.New("price has no purchasable offer")
	ErrTooLarge = errors.New("plan exceeds pull limit")
)

// Offer is one way to open packs: Pulls pulls in a single opening for Cost.
type Offer struct {
	Name  string `json:"name"`
	Pulls uint32 `json:"pulls"`
	Cost  uint64 `json:"cost"`
}

// Offers lists the openings a price bills as a unit.
func Offers(p token.Price) []Offer {
	var out []Offer
	if p.PerPack > 0 {
		out = append(out, Offer{Name: "single", Pulls: 1, Cost: p.PerPack})
	}
	if p.PerBundle > 0 && p.BundleSize > 1 {
		out = append(out, Offer{Name: "bundle", Pulls: p.BundleSize, Cost: p.PerBundle})
	}
	return out
}

// Purchase is one line of a plan: Qty openings of the named offer.
type Purchase struct {
	Offer    string `json:"offer"`
	Qty      uint32 `json:"qty"`
	Pulls    uint32 `json:"pulls"` // per opening
	Subtotal uint64 `json:"subtotal"`
}

type Plan struct {
	Currency   string     `json:"currency"`
	Purchases  []Purchase `json:"purchases"`
	TotalPulls uint32     `json:"total_pulls"`
	TotalCost  uint64     `json:"total_cost"`
}

// table holds, for every pull count n up to its limit, the minimum cost of
// exactly n pulls and the last offer that reached it.
type table struct {
	offers []Offer
	cost   []uint64
	last   []int
}

const inf = math.MaxUint64

func build(offers []Offer, limit uint32) table {
	t := table{
		offers: offers,
		cost:   make([]uint64, limit+1),
		last:   make([]int, limit+1),
	}
	for n := range t.cost {
		t.cost[n] = inf
		t.last[n] = -1
	}
	t.cost[0] = 0
	for n := uint32(0); n <= limit; n++ {
		if t.cost[n] == inf {
			continue
		}
		for i, o := range offers {
			next := uint64(n) + uint64(o.Pulls)
			if next > uint64(limit) {
				continue
			}
			c := t.cost[n] + o.Cost
			if c < t.cost[n] {
				continue // overflow
			}
			if c < t.cost[next] {
				t.cost[next] = c
				t.last[next] = i
			}
		}
	}
	return t
}

func (t table) plan(n uint32, currency string) Plan {
	counts := make([]uint32, len(t.offers))
	for m := n; m > 0 && t.last[m] != -1; {
		i := t.last[m]
		counts[i]++
		m -= t.offers[i].Pulls
	}
	p := Plan{Currency: currency, TotalPulls: n, TotalCost: t.cost[n]}
	for i, qty := range counts {
		if qty == 0 {
			continue
		}
		o := t.offers[i]
		p.Purchases = append(p.Purchases, Purchase{Offer: o.Name, Qty: qty, Pulls: o.Pulls, Subtotal: o.Cost * uint64(qty)})
	}
	sort.Slice(p.Purchases, func(i, j int) bool { return p.Purchases[i].Pulls > p.Purchases[j].Pulls })
	return p
}

func maxOfferPulls(offers []Offer) uint32 {
	var m uint32
	for _, o := range offers {
		if o.Pulls > m {
			m = o.Pulls
		}
	}
	return m
}

// MinCostAtLeast finds the cheapest set of openings that yields at least
// target pulls. A plan may overshoot when a bigger bundle costs no more.
func MinCostAtLeast(p token.Price, target uint32) (Plan, error) {
	if target == 0 {
		return Plan{Currency: p.Currency}, nil
	}
	if target > MaxPlanPulls {
		return Plan{}, errors.Wrapf(ErrTooLarge, "%d pulls", target)
	}
	offers := Offers(p)
	if len(offers) == 0 {
		return Plan{}, ErrNoOffers
	}
	t := build(offers, target+maxOfferPulls(offers))

	best := uint32(0)
	for n := target; n < uint32(len(t.cost)); n++ {
		if t.cost[n] == inf {
			continue
		}
		if best == 0 || t.cost[n] <= t.cost[best] {
			best = n
		}
	}
	if best == 0 {
		return Plan{}, errors.Wrapf(ErrNoOffers, "no combination reaches %d pulls", target)
	}
	return t.plan(best, p.Currency), nil
}

// MaxPullsUnderBudget finds the most pulls purchasable for budget, preferring
// the cheaper plan among equal pull counts.
func MaxPullsUnderBudget(p token.Price, budget uint64) (Plan, error) {
	offers := Offers(p)
	if len(offers) == 0 {
		return Plan{}, ErrNoOffers
	}
	// cheapest per-pull rate bounds how far the table needs to reach
	var limit uint64
	for _, o := range offers {
		q := budget / o.Cost
		if q > MaxPlanPulls {
			return Plan{}, errors.Wrapf(ErrTooLarge, "budget %d buys more than %d pulls", budget, MaxPlanPulls)
		}
		if n := q * uint64(o.Pulls); n > limit {
			limit = n
		}
	}
	limit += uint64(maxOfferPulls(offers))
	if limit > MaxPlanPulls {
		return Plan{}, errors.Wrapf(ErrTooLarge, "budget %d buys more than %d pulls", budget, MaxPlanPulls)
	}
	t := build(offers, uint32(limit))

	best := uint32(0)
	for n := uint32(len(t.cost)) - 1; n > 0; n-- {
		if t.cost[n] <= budget {
			best = n
			break
		}
	}
	return t.plan(best, p.Currency), nil
}
