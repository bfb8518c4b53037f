package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trailmarket/tour-engine/pkg/pricing"
)

// Guide is the selling side of a booking. Read-only to the engine.
type Guide struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	DisplayName     string          `json:"display_name" db:"display_name"`
	Email           string          `json:"email" db:"email"`
	StripeAccountID *string         `json:"-" db:"stripe_account_id"`
	PayoutsEnabled  bool            `json:"payouts_enabled" db:"payouts_enabled"`
	PricingSettings PricingSettings `json:"pricing_settings" db:"pricing_settings"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// PayoutDestination returns the connected account that receives the guide's share
func (g *Guide) PayoutDestination() (string, bool) {
	if g.StripeAccountID == nil || *g.StripeAccountID == "" || !g.PayoutsEnabled {
		return "", false
	}
	return *g.StripeAccountID, true
}

// TourStatus is the listing status of a tour
type TourStatus string

const (
	TourStatusDraft     TourStatus = "draft"
	TourStatusPublished TourStatus = "published"
	TourStatusArchived  TourStatus = "archived"
)

// Tour is the listing a slot belongs to
type Tour struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	GuideID   uuid.UUID  `json:"guide_id" db:"guide_id"`
	Title     string     `json:"title" db:"title"`
	BasePrice float64    `json:"base_price" db:"base_price"`
	Currency  string     `json:"currency" db:"currency"`
	Status    TourStatus `json:"status" db:"status"`
}

// ============================================================================
// PRICING SETTINGS (JSONB)
// ============================================================================

// PricingSettings is the guide's discount configuration as stored
type PricingSettings struct {
	EarlyBird  *EarlyBirdSettings  `json:"early_bird,omitempty"`
	Group      *GroupSettings      `json:"group,omitempty"`
	LastMinute *LastMinuteSettings `json:"last_minute,omitempty"`
	Deposit    *DepositSettings    `json:"deposit,omitempty"`
}

type EarlyBirdSettings struct {
	Enabled bool                    `json:"enabled"`
	Tiers   []pricing.EarlyBirdTier `json:"tiers"`
}

type GroupSettings struct {
	Enabled bool                `json:"enabled"`
	Bands   []pricing.GroupBand `json:"bands"`
}

type LastMinuteSettings struct {
	Enabled     bool    `json:"enabled"`
	HoursBefore int     `json:"hours_before"`
	Percent     float64 `json:"percent"`
}

type DepositSettings struct {
	Kind  pricing.DepositKind `json:"kind"`
	Value float64             `json:"value"`
}

// Rules validates the stored settings into pricing rules. Disabled sections are skipped.
func (p PricingSettings) Rules() (pricing.Rules, error) {
	var (
		rules pricing.Rules
		err   error
	)
	if p.EarlyBird != nil && p.EarlyBird.Enabled {
		if rules.EarlyBird, err = pricing.NewEarlyBird(p.EarlyBird.Tiers...); err != nil {
			return pricing.Rules{}, fmt.Errorf("early-bird settings: %w", err)
		}
	}
	if p.Group != nil && p.Group.Enabled {
		if rules.Group, err = pricing.NewGroupDiscount(p.Group.Bands...); err != nil {
			return pricing.Rules{}, fmt.Errorf("group settings: %w", err)
		}
	}
	if p.LastMinute != nil && p.LastMinute.Enabled {
		if rules.LastMinute, err = pricing.NewLastMinute(p.LastMinute.HoursBefore, p.LastMinute.Percent); err != nil {
			return pricing.Rules{}, fmt.Errorf("last-minute settings: %w", err)
		}
	}
	rules.Deposit = pricing.NoDeposit()
	if p.Deposit != nil {
		if rules.Deposit, err = pricing.NewDepositPolicy(p.Deposit.Kind, p.Deposit.Value); err != nil {
			return pricing.Rules{}, fmt.Errorf("deposit settings: %w", err)
		}
	}
	return rules, nil
}

func (p PricingSettings) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *PricingSettings) Scan(value interface{}) error {
	if value == nil {
		*p = PricingSettings{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for PricingSettings")
	}
	return json.Unmarshal(bytes, p)
}
