package grpcapi

import (
	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/pricing"
	"github.com/xtding233/gacha-economy/internal/stats"
)

type OpenPackRequest struct {
	UserID   string `json:"user_id"`
	PackType string `json:"pack_type"`
	Count    uint32 `json:"count"`
}

type OpenPackResponse struct {
	Pulls      []economy.PullResult `json:"pulls"`
	NewBalance uint64               `json:"new_balance"`
}

type CreditRequest struct {
	UserID string `json:"user_id"`
	Amount uint64 `json:"amount"`
}

type CreditResponse struct {
	Balance uint64 `json:"balance"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type PityStatusResponse struct {
	Pools []stats.PoolPity `json:"pools"`
}

type CollectionResponse struct {
	Collection stats.Collection `json:"collection"`
}

// QuoteRequest asks for the cheapest way to reach Pulls, or the most pulls
// Budget buys when Budget is non-zero.
type QuoteRequest struct {
	PackType string `json:"pack_type"`
	Pulls    uint32 `json:"pulls,omitempty"`
	Budget   uint64 `json:"budget,omitempty"`
}

type QuoteResponse struct {
	Plan pricing.Plan `json:"plan"`
}
