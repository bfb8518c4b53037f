package pricing

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidPercent is returned when a discount or deposit percentage is outside (0, 100]
	ErrInvalidPercent = errors.New("percentage must be greater than 0 and at most 100")
	// ErrTierOrder is returned when early-bird tiers are not ordered from longest lead time to shortest
	ErrTierOrder = errors.New("early-bird tiers must be ordered by days before tour, longest first")
	// ErrTooManyTiers is returned when more than three tiers or bands are configured
	ErrTooManyTiers = errors.New("at most three tiers are supported")
	// ErrNoTiers is returned when a discount is constructed without any tier
	ErrNoTiers = errors.New("at least one tier is required")
)

const maxTiers = 3

// EarlyBirdTier grants Percent off when the tour is at least DaysBefore days away
type EarlyBirdTier struct {
	DaysBefore int     `json:"days_before"`
	Percent    float64 `json:"percent"`
}

// EarlyBird holds up to three tiers ordered from the longest lead time to the shortest.
// At most one tier fires per booking.
type EarlyBird struct {
	tiers []EarlyBirdTier
}

// NewEarlyBird validates and builds an early-bird discount
func NewEarlyBird(tiers ...EarlyBirdTier) (*EarlyBird, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	if len(tiers) > maxTiers {
		return nil, ErrTooManyTiers
	}
	for i, t := range tiers {
		if t.DaysBefore < 0 {
			return nil, fmt.Errorf("early-bird tier %d: days before must not be negative", i+1)
		}
		if err := validatePercent(t.Percent); err != nil {
			return nil, fmt.Errorf("early-bird tier %d: %w", i+1, err)
		}
		if i > 0 && t.DaysBefore > tiers[i-1].DaysBefore {
			return nil, ErrTierOrder
		}
	}
	return &EarlyBird{tiers: append([]EarlyBirdTier(nil), tiers...)}, nil
}

// Tiers returns a copy of the configured tiers
func (e *EarlyBird) Tiers() []EarlyBirdTier {
	return append([]EarlyBirdTier(nil), e.tiers...)
}

// match returns the first tier whose threshold is met
func (e *EarlyBird) match(daysUntil int) (EarlyBirdTier, bool) {
	for _, t := range e.tiers {
		if daysUntil >= t.DaysBefore {
			return t, true
		}
	}
	return EarlyBirdTier{}, false
}

// GroupBand grants Percent off when the party has at least MinParticipants people
type GroupBand struct {
	MinParticipants int     `json:"min_participants"`
	Percent         float64 `json:"percent"`
}

// GroupDiscount holds up to three participant bands
type GroupDiscount struct {
	bands []GroupBand // highest band first
}

// NewGroupDiscount validates and builds a group discount. Bands may be given in any order.
func NewGroupDiscount(bands ...GroupBand) (*GroupDiscount, error) {
	if len(bands) == 0 {
		return nil, ErrNoTiers
	}
	if len(bands) > maxTiers {
		return nil, ErrTooManyTiers
	}
	for i, b := range bands {
		if b.MinParticipants < 2 {
			return nil, fmt.Errorf("group band %d: minimum participants must be at least 2", i+1)
		}
		if err := validatePercent(b.Percent); err != nil {
			return nil, fmt.Errorf("group band %d: %w", i+1, err)
		}
	}

	sorted := append([]GroupBand(nil), bands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinParticipants > sorted[j].MinParticipants
	})
	return &GroupDiscount{bands: sorted}, nil
}

// Bands returns the bands, highest first
func (g *GroupDiscount) Bands() []GroupBand {
	return append([]GroupBand(nil), g.bands...)
}

func (g *GroupDiscount) match(participants int) (GroupBand, bool) {
	if participants <= 1 {
		return GroupBand{}, false
	}
	for _, b := range g.bands {
		if participants >= b.MinParticipants {
			return b, true
		}
	}
	return GroupBand{}, false
}

// LastMinute grants Percent off when the tour starts within HoursBefore hours
type LastMinute struct {
	HoursBefore int
	Percent     float64
}

// NewLastMinute validates and builds a last-minute discount
func NewLastMinute(hoursBefore int, percent float64) (*LastMinute, error) {
	if hoursBefore <= 0 {
		return nil, errors.New("last-minute threshold must be a positive number of hours")
	}
	if err := validatePercent(percent); err != nil {
		return nil, fmt.Errorf("last-minute: %w", err)
	}
	return &LastMinute{HoursBefore: hoursBefore, Percent: percent}, nil
}

func (l *LastMinute) applies(hoursUntil float64) bool {
	return hoursUntil <= float64(l.HoursBefore)
}

// DepositKind selects how the deposit is derived from the final price
type DepositKind string

const (
	DepositNone       DepositKind = "none"
	DepositPercentage DepositKind = "percentage"
	DepositFixed      DepositKind = "fixed"
)

// DepositPolicy describes the portion collected at booking time
type DepositPolicy struct {
	Kind  DepositKind
	Value float64
}

// NoDeposit collects the full price at booking time
func NoDeposit() DepositPolicy {
	return DepositPolicy{Kind: DepositNone}
}

// NewDepositPolicy validates and builds a deposit policy
func NewDepositPolicy(kind DepositKind, value float64) (DepositPolicy, error) {
	switch kind {
	case DepositNone, "":
		return NoDeposit(), nil
	case DepositPercentage:
		if err := validatePercent(value); err != nil {
			return DepositPolicy{}, fmt.Errorf("deposit: %w", err)
		}
	case DepositFixed:
		if value <= 0 {
			return DepositPolicy{}, errors.New("deposit: fixed amount must be positive")
		}
	default:
		return DepositPolicy{}, fmt.Errorf("deposit: unknown kind %q", kind)
	}
	return DepositPolicy{Kind: kind, Value: value}, nil
}

// amount returns the unrounded deposit for the given final price
func (d DepositPolicy) amount(final float64) float64 {
	var deposit float64
	switch d.Kind {
	case DepositPercentage:
		deposit = final * d.Value / 100
	case DepositFixed:
		deposit = d.Value
	}
	if deposit > final {
		deposit = final
	}
	return deposit
}

// RequiresDeposit reports whether anything short of the full price is collected up front
func (d DepositPolicy) RequiresDeposit() bool {
	return d.Kind == DepositPercentage || d.Kind == DepositFixed
}

func validatePercent(p float64) error {
	if p <= 0 || p > 100 {
		return ErrInvalidPercent
	}
	return nil
}
