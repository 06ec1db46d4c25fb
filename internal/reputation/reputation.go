// Package reputation tracks per-address trading history for Peertrade.
//
// Reputation is calculated from platform behavior:
// - Completed trade volume and count
// - Completion rate (completed vs entered)
// - Dispute record (losing arbitration is heavily penalized)
//
// Counters are bumped by the trade and arbitration services as trades
// move through their lifecycle; the score is derived on read.
package reputation

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Stats are the raw per-address counters. An address nobody has traded
// with yet has all-zero stats; that is not an error.
type Stats struct {
	Address           string          `json:"address"`
	TradesInitiated   int             `json:"tradesInitiated"`
	TradesAccepted    int             `json:"tradesAccepted"`
	TradesCompleted   int             `json:"tradesCompleted"`
	DisputesInitiated int             `json:"disputesInitiated"`
	DisputesLost      int             `json:"disputesLost"`
	Volume            decimal.Decimal `json:"volume"` // completed trade volume
	FirstSeen         time.Time       `json:"firstSeen,omitempty"`
	LastActive        time.Time       `json:"lastActive,omitempty"`
}

// Delta is a set of counter increments applied atomically.
type Delta struct {
	TradesInitiated   int
	TradesAccepted    int
	TradesCompleted   int
	DisputesInitiated int
	DisputesLost      int
	Volume            decimal.Decimal
}

// Store persists reputation counters
type Store interface {
	// Get returns the stats for an address, zero-valued if unseen.
	Get(ctx context.Context, address string) (*Stats, error)
	// Apply atomically adds a delta to an address's counters.
	Apply(ctx context.Context, address string, d Delta) error
}

// Score represents an address's derived reputation
type Score struct {
	Address      string     `json:"address"`
	Score        float64    `json:"score"` // 0-100
	Tier         Tier       `json:"tier"`
	Components   Components `json:"components"`
	Stats        Stats      `json:"stats"`
	CalculatedAt time.Time  `json:"calculatedAt"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // 0-19: no meaningful history
	TierEmerging    Tier = "emerging"    // 20-39: some activity
	TierEstablished Tier = "established" // 40-59: regular trader
	TierTrusted     Tier = "trusted"     // 60-79: proven track record
	TierElite       Tier = "elite"       // 80-100: top tier
)

// Components breaks down the score
type Components struct {
	VolumeScore     float64 `json:"volumeScore"`     // completed volume
	ActivityScore   float64 `json:"activityScore"`   // completed trade count
	CompletionScore float64 `json:"completionScore"` // completed vs entered
	DisputeScore    float64 `json:"disputeScore"`    // clean dispute record
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Volume     float64
	Activity   float64
	Completion float64
	Dispute    float64
}

// DefaultWeights balances all factors
var DefaultWeights = Weights{
	Volume:     0.20, // Trade volume matters
	Activity:   0.25, // Regular completion matters more
	Completion: 0.30, // Follow-through is critical
	Dispute:    0.25, // Clean arbitration record
}

// Calculator computes reputation scores
type Calculator struct {
	weights Weights
}

// NewCalculator creates a reputation calculator
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// NewCalculatorWithWeights creates a calculator with custom weights
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w}
}

// Calculate derives a score from raw counters
func (c *Calculator) Calculate(address string, s Stats) *Score {
	comp := Components{}

	// Volume score: logarithmic scale, caps at 10k units
	// 0 = 0, 100 = 50, 1k = 75, 10k+ = 100
	vol, _ := s.Volume.Float64()
	if vol > 0 {
		comp.VolumeScore = math.Min(100, 25*math.Log10(vol+1))
	}

	// Activity score: logarithmic scale, caps at 1000 completed trades
	// 0 = 0, 10 = 33, 100 = 66, 1000+ = 100
	if s.TradesCompleted > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(s.TradesCompleted)+1))
	}

	// Completion score: entered trades that actually finished.
	// Under 5 entered = neutral (50), not enough data either way.
	entered := s.TradesInitiated + s.TradesAccepted
	if entered < 5 {
		comp.CompletionScore = 50
	} else {
		comp.CompletionScore = math.Min(100, 100*float64(s.TradesCompleted)/float64(entered))
	}

	// Dispute score: trust earned by a clean record. Nothing completed
	// means nothing earned; losing an arbitration costs far more than
	// raising one.
	if s.TradesCompleted > 0 {
		comp.DisputeScore = math.Max(0,
			100-35*float64(s.DisputesLost)-10*float64(s.DisputesInitiated))
	}

	// Weighted average
	score := c.weights.Volume*comp.VolumeScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Completion*comp.CompletionScore +
		c.weights.Dispute*comp.DisputeScore

	// Clamp to 0-100
	score = math.Max(0, math.Min(100, score))

	return &Score{
		Address:      address,
		Score:        math.Round(score*10) / 10, // 1 decimal place
		Tier:         getTier(score),
		Components:   comp,
		Stats:        s,
		CalculatedAt: time.Now(),
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}
