// Package pricing computes guest prices from a per-person base rate, stacked
// discounts and a deposit policy. Everything here is pure and deterministic.
package pricing

import (
	"errors"
	"math"
	"time"
)

const (
	// DefaultMaxDiscountPercent caps the aggregate discount off the original price
	DefaultMaxDiscountPercent = 40.0
	// DefaultFloorPrice is the minimum final price in currency units
	DefaultFloorPrice = 20.0
)

var (
	ErrInvalidBasePrice    = errors.New("base price must be positive")
	ErrInvalidParticipants = errors.New("participants must be at least 1")
	ErrNegativeLeadTime    = errors.New("tour start is in the past")
)

// Limits bounds the outcome of discount stacking. Zero fields fall back to the defaults.
type Limits struct {
	MaxDiscountPercent float64
	FloorPrice         float64
}

// DefaultLimits returns the standard 40% cap and 20 unit floor
func DefaultLimits() Limits {
	return Limits{
		MaxDiscountPercent: DefaultMaxDiscountPercent,
		FloorPrice:         DefaultFloorPrice,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxDiscountPercent <= 0 {
		l.MaxDiscountPercent = DefaultMaxDiscountPercent
	}
	if l.FloorPrice <= 0 {
		l.FloorPrice = DefaultFloorPrice
	}
	return l
}

// Input is everything ComputePrice needs
type Input struct {
	BasePrice    float64 // per person
	Participants int
	LeadTime     time.Duration // time until the tour starts

	EarlyBird  *EarlyBird
	Group      *GroupDiscount
	LastMinute *LastMinute
	Deposit    DepositPolicy
	Limits     Limits
}

// Breakdown is the priced result. When CapApplied is set the component
// discounts are informational and do not sum to TotalDiscount.
type Breakdown struct {
	BasePrice     float64 `json:"base_price"`
	Participants  int     `json:"participants"`
	OriginalPrice float64 `json:"original_price"`

	EarlyBirdPercent   float64 `json:"early_bird_percent,omitempty"`
	EarlyBirdDiscount  float64 `json:"early_bird_discount,omitempty"`
	GroupPercent       float64 `json:"group_percent,omitempty"`
	GroupDiscount      float64 `json:"group_discount,omitempty"`
	LastMinutePercent  float64 `json:"last_minute_percent,omitempty"`
	LastMinuteDiscount float64 `json:"last_minute_discount,omitempty"`

	TotalDiscount float64 `json:"total_discount"`
	CapApplied    bool    `json:"cap_applied"`
	FloorApplied  bool    `json:"floor_applied"`

	FinalPrice         float64 `json:"final_price"`
	PricePerPerson     float64 `json:"price_per_person"`
	Deposit            float64 `json:"deposit"`
	FinalPaymentAmount float64 `json:"final_payment_amount"`
}

// AmountDueNow is the deposit when one is set, otherwise the full price
func (b Breakdown) AmountDueNow() float64 {
	if b.Deposit > 0 {
		return b.Deposit
	}
	return b.FinalPrice
}

// ComputePrice applies early-bird, group and last-minute discounts in that
// order, each against the running price, then the aggregate cap, the floor
// and finally the deposit split.
func ComputePrice(in Input) (Breakdown, error) {
	if in.BasePrice <= 0 || math.IsNaN(in.BasePrice) || math.IsInf(in.BasePrice, 0) {
		return Breakdown{}, ErrInvalidBasePrice
	}
	if in.Participants < 1 {
		return Breakdown{}, ErrInvalidParticipants
	}
	if in.LeadTime < 0 {
		return Breakdown{}, ErrNegativeLeadTime
	}
	limits := in.Limits.withDefaults()

	hoursUntil := in.LeadTime.Hours()
	daysUntil := int(hoursUntil / 24)

	original := in.BasePrice * float64(in.Participants)
	running := original
	out := Breakdown{
		BasePrice:     round2(in.BasePrice),
		Participants:  in.Participants,
		OriginalPrice: round2(original),
	}

	earlyBirdFired := false
	if in.EarlyBird != nil {
		if tier, ok := in.EarlyBird.match(daysUntil); ok {
			d := running * tier.Percent / 100
			running -= d
			out.EarlyBirdPercent = tier.Percent
			out.EarlyBirdDiscount = round2(d)
			earlyBirdFired = true
		}
	}

	if in.Group != nil {
		if band, ok := in.Group.match(in.Participants); ok {
			d := running * band.Percent / 100
			running -= d
			out.GroupPercent = band.Percent
			out.GroupDiscount = round2(d)
		}
	}

	if !earlyBirdFired && in.LastMinute != nil && in.LastMinute.applies(hoursUntil) {
		d := running * in.LastMinute.Percent / 100
		running -= d
		out.LastMinutePercent = in.LastMinute.Percent
		out.LastMinuteDiscount = round2(d)
	}

	// The cap replaces the stacked sum; components are not pro-rated.
	maxDiscount := original * limits.MaxDiscountPercent / 100
	if original-running > maxDiscount {
		running = original - maxDiscount
		out.CapApplied = true
	}

	final := round2(running)
	if final < limits.FloorPrice {
		final = limits.FloorPrice
		out.FloorApplied = true
	}

	deposit := round2(in.Deposit.amount(final))

	out.FinalPrice = final
	out.TotalDiscount = round2(math.Max(original-final, 0))
	out.PricePerPerson = round2(final / float64(in.Participants))
	out.Deposit = deposit
	out.FinalPaymentAmount = round2(final - deposit)
	return out, nil
}

// SplitPlatformFee returns the platform fee for percent of total and what remains for the guide
func SplitPlatformFee(total, percent float64) (fee, net float64) {
	if percent <= 0 {
		return 0, round2(total)
	}
	fee = round2(total * percent / 100)
	return fee, round2(total - fee)
}

// ToMinorUnits converts an amount to integer cents
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromMinorUnits converts integer cents back to an amount
func FromMinorUnits(minor int64) float64 {
	return float64(minor) / 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Rules is a guide's validated discount and deposit configuration
type Rules struct {
	EarlyBird  *EarlyBird
	Group      *GroupDiscount
	LastMinute *LastMinute
	Deposit    DepositPolicy
}

// Input builds a ComputePrice input for one booking under these rules
func (r Rules) Input(basePrice float64, participants int, leadTime time.Duration, limits Limits) Input {
	return Input{
		BasePrice:    basePrice,
		Participants: participants,
		LeadTime:     leadTime,
		EarlyBird:    r.EarlyBird,
		Group:        r.Group,
		LastMinute:   r.LastMinute,
		Deposit:      r.Deposit,
		Limits:       limits,
	}
}
