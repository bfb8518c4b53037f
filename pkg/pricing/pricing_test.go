package pricing

import (
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func mustEarlyBird(t *testing.T, tiers ...EarlyBirdTier) *EarlyBird {
	t.Helper()
	eb, err := NewEarlyBird(tiers...)
	require.NoError(t, err)
	return eb
}

func mustGroup(t *testing.T, bands ...GroupBand) *GroupDiscount {
	t.Helper()
	g, err := NewGroupDiscount(bands...)
	require.NoError(t, err)
	return g
}

func mustLastMinute(t *testing.T, hours int, percent float64) *LastMinute {
	t.Helper()
	lm, err := NewLastMinute(hours, percent)
	require.NoError(t, err)
	return lm
}

func mustDeposit(t *testing.T, kind DepositKind, value float64) DepositPolicy {
	t.Helper()
	d, err := NewDepositPolicy(kind, value)
	require.NoError(t, err)
	return d
}

func TestComputePrice_EarlyBirdWithPercentageDeposit(t *testing.T) {
	out, err := ComputePrice(Input{
		BasePrice:    100,
		Participants: 1,
		LeadTime:     10 * day,
		EarlyBird:    mustEarlyBird(t, EarlyBirdTier{DaysBefore: 7, Percent: 10}),
		Deposit:      mustDeposit(t, DepositPercentage, 20),
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, out.OriginalPrice)
	assert.Equal(t, 10.0, out.EarlyBirdDiscount)
	assert.Equal(t, 90.0, out.FinalPrice)
	assert.Equal(t, 18.0, out.Deposit)
	assert.Equal(t, 72.0, out.FinalPaymentAmount)
	assert.Equal(t, 18.0, out.AmountDueNow())
	assert.False(t, out.CapApplied)
	assert.False(t, out.FloorApplied)
}

func TestComputePrice_Discounts(t *testing.T) {
	tiers := []EarlyBirdTier{
		{DaysBefore: 30, Percent: 20},
		{DaysBefore: 14, Percent: 15},
		{DaysBefore: 7, Percent: 10},
	}

	tests := []struct {
		name         string
		input        Input
		expected     float64
		capApplied   bool
		floorApplied bool
	}{
		{
			name: "first matching early-bird tier wins",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 20 * day,
				EarlyBird: mustEarlyBird(t, tiers...)},
			expected: 85,
		},
		{
			name: "longest early-bird tier",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 45 * day,
				EarlyBird: mustEarlyBird(t, tiers...)},
			expected: 80,
		},
		{
			name: "no early-bird tier met",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 3 * day,
				EarlyBird: mustEarlyBird(t, tiers...)},
			expected: 100,
		},
		{
			name: "best group band",
			input: Input{BasePrice: 100, Participants: 5,
				Group: mustGroup(t, GroupBand{2, 5}, GroupBand{6, 15}, GroupBand{4, 10})},
			expected: 450,
		},
		{
			name: "group discount compounds on early-bird price",
			input: Input{BasePrice: 100, Participants: 2, LeadTime: 10 * day,
				EarlyBird: mustEarlyBird(t, EarlyBirdTier{7, 10}),
				Group:     mustGroup(t, GroupBand{2, 10})},
			expected: 162,
		},
		{
			name: "last-minute fires without early-bird",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 24 * time.Hour,
				EarlyBird:  mustEarlyBird(t, EarlyBirdTier{7, 10}),
				LastMinute: mustLastMinute(t, 48, 20)},
			expected: 80,
		},
		{
			name: "last-minute at exact threshold",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 48 * time.Hour,
				LastMinute: mustLastMinute(t, 48, 20)},
			expected: 80,
		},
		{
			name: "last-minute suppressed by early-bird",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 24 * time.Hour,
				EarlyBird:  mustEarlyBird(t, EarlyBirdTier{0, 5}),
				LastMinute: mustLastMinute(t, 48, 20)},
			expected: 95,
		},
		{
			name: "last-minute outside threshold",
			input: Input{BasePrice: 100, Participants: 1, LeadTime: 72 * time.Hour,
				LastMinute: mustLastMinute(t, 48, 20)},
			expected: 100,
		},
		{
			name: "aggregate cap reduces by cap only",
			input: Input{BasePrice: 100, Participants: 2, LeadTime: 10 * day,
				EarlyBird: mustEarlyBird(t, EarlyBirdTier{7, 30}),
				Group:     mustGroup(t, GroupBand{2, 20})},
			expected:   120,
			capApplied: true,
		},
		{
			name:         "floor applies to cheap tours",
			input:        Input{BasePrice: 15, Participants: 1},
			expected:     20,
			floorApplied: true,
		},
		{
			name: "floor applies after cap",
			input: Input{BasePrice: 30, Participants: 1, LeadTime: 10 * day,
				EarlyBird: mustEarlyBird(t, EarlyBirdTier{7, 50})},
			expected:     20,
			capApplied:   true,
			floorApplied: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ComputePrice(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out.FinalPrice)
			assert.Equal(t, tc.capApplied, out.CapApplied)
			assert.Equal(t, tc.floorApplied, out.FloorApplied)
		})
	}
}

func TestComputePrice_CapKeepsInformationalComponents(t *testing.T) {
	out, err := ComputePrice(Input{
		BasePrice:    100,
		Participants: 2,
		LeadTime:     10 * day,
		EarlyBird:    mustEarlyBird(t, EarlyBirdTier{7, 30}),
		Group:        mustGroup(t, GroupBand{2, 20}),
	})
	require.NoError(t, err)

	assert.Equal(t, 60.0, out.EarlyBirdDiscount)
	assert.Equal(t, 28.0, out.GroupDiscount)
	assert.Equal(t, 80.0, out.TotalDiscount)
	assert.Equal(t, 60.0, out.PricePerPerson)
}

func TestComputePrice_Deposit(t *testing.T) {
	t.Run("fixed deposit is capped at final price", func(t *testing.T) {
		out, err := ComputePrice(Input{BasePrice: 90, Participants: 1, Deposit: mustDeposit(t, DepositFixed, 500)})
		require.NoError(t, err)
		assert.Equal(t, 90.0, out.Deposit)
		assert.Equal(t, 0.0, out.FinalPaymentAmount)
	})

	t.Run("no deposit collects full price", func(t *testing.T) {
		out, err := ComputePrice(Input{BasePrice: 90, Participants: 2, Deposit: NoDeposit()})
		require.NoError(t, err)
		assert.Equal(t, 0.0, out.Deposit)
		assert.Equal(t, 180.0, out.FinalPaymentAmount)
		assert.Equal(t, 180.0, out.AmountDueNow())
	})

	t.Run("rounded to cents", func(t *testing.T) {
		out, err := ComputePrice(Input{
			BasePrice:    33.33,
			Participants: 3,
			LeadTime:     10 * day,
			EarlyBird:    mustEarlyBird(t, EarlyBirdTier{7, 10}),
			Deposit:      mustDeposit(t, DepositPercentage, 20),
		})
		require.NoError(t, err)
		assert.Equal(t, 99.99, out.OriginalPrice)
		assert.Equal(t, 89.99, out.FinalPrice)
		assert.Equal(t, 18.0, out.Deposit)
		assert.Equal(t, 71.99, out.FinalPaymentAmount)
	})
}

func TestComputePrice_InvalidInput(t *testing.T) {
	tests := []struct {
		name        string
		input       Input
		expectedErr error
	}{
		{"zero base price", Input{BasePrice: 0, Participants: 1}, ErrInvalidBasePrice},
		{"negative base price", Input{BasePrice: -10, Participants: 1}, ErrInvalidBasePrice},
		{"no participants", Input{BasePrice: 100, Participants: 0}, ErrInvalidParticipants},
		{"tour in the past", Input{BasePrice: 100, Participants: 1, LeadTime: -time.Hour}, ErrNegativeLeadTime},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputePrice(tc.input)
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestDiscountConstructors(t *testing.T) {
	t.Run("early-bird tiers out of order", func(t *testing.T) {
		_, err := NewEarlyBird(EarlyBirdTier{7, 10}, EarlyBirdTier{14, 15})
		assert.ErrorIs(t, err, ErrTierOrder)
	})

	t.Run("early-bird too many tiers", func(t *testing.T) {
		_, err := NewEarlyBird(EarlyBirdTier{30, 5}, EarlyBirdTier{20, 5}, EarlyBirdTier{10, 5}, EarlyBirdTier{5, 5})
		assert.ErrorIs(t, err, ErrTooManyTiers)
	})

	t.Run("early-bird invalid percent", func(t *testing.T) {
		_, err := NewEarlyBird(EarlyBirdTier{7, 0})
		assert.ErrorIs(t, err, ErrInvalidPercent)
	})

	t.Run("group bands sorted highest first", func(t *testing.T) {
		g := mustGroup(t, GroupBand{2, 5}, GroupBand{8, 20}, GroupBand{4, 10})
		bands := g.Bands()
		require.Len(t, bands, 3)
		assert.Equal(t, 8, bands[0].MinParticipants)
		assert.Equal(t, 2, bands[2].MinParticipants)
	})

	t.Run("group band for single guest rejected", func(t *testing.T) {
		_, err := NewGroupDiscount(GroupBand{1, 5})
		assert.Error(t, err)
	})

	t.Run("last-minute requires positive hours", func(t *testing.T) {
		_, err := NewLastMinute(0, 10)
		assert.Error(t, err)
	})

	t.Run("unknown deposit kind", func(t *testing.T) {
		_, err := NewDepositPolicy("half", 50)
		assert.Error(t, err)
	})

	t.Run("empty deposit kind means none", func(t *testing.T) {
		d, err := NewDepositPolicy("", 0)
		require.NoError(t, err)
		assert.False(t, d.RequiresDeposit())
	})
}

func TestSplitPlatformFee(t *testing.T) {
	fee, net := SplitPlatformFee(90, 10)
	assert.Equal(t, 9.0, fee)
	assert.Equal(t, 81.0, net)

	fee, net = SplitPlatformFee(90, 0)
	assert.Equal(t, 0.0, fee)
	assert.Equal(t, 90.0, net)

	assert.Equal(t, int64(7250), ToMinorUnits(72.5))
	assert.Equal(t, int64(1999), ToMinorUnits(19.99))
	assert.Equal(t, 19.99, FromMinorUnits(1999))
}

// randomInput maps arbitrary generated values onto a valid pricing input
func randomInput(base uint16, parts uint8, leadHours uint16, eb, grp, lm, dep uint8) Input {
	in := Input{
		BasePrice:    float64(base%2000) + 0.99,
		Participants: int(parts%20) + 1,
		LeadTime:     time.Duration(leadHours) * time.Hour,
	}
	if eb%3 != 0 {
		in.EarlyBird, _ = NewEarlyBird(
			EarlyBirdTier{DaysBefore: 30, Percent: float64(eb%100) + 1},
			EarlyBirdTier{DaysBefore: 7, Percent: float64(eb%50) + 1},
		)
	}
	if grp%2 == 0 {
		in.Group, _ = NewGroupDiscount(GroupBand{2, float64(grp%100) + 1}, GroupBand{6, float64(grp%60) + 1})
	}
	if lm%2 == 1 {
		in.LastMinute, _ = NewLastMinute(int(lm)+1, float64(lm%100)+1)
	}
	switch dep % 3 {
	case 1:
		in.Deposit, _ = NewDepositPolicy(DepositPercentage, float64(dep%100)+1)
	case 2:
		in.Deposit, _ = NewDepositPolicy(DepositFixed, float64(dep)*3+1)
	}
	return in
}

func TestComputePrice_Properties(t *testing.T) {
	cfg := &quick.Config{MaxCount: 2000}

	t.Run("final price never below floor", func(t *testing.T) {
		f := func(base uint16, parts uint8, lead uint16, eb, grp, lm, dep uint8) bool {
			out, err := ComputePrice(randomInput(base, parts, lead, eb, grp, lm, dep))
			return err == nil && out.FinalPrice >= DefaultFloorPrice
		}
		require.NoError(t, quick.Check(f, cfg))
	})

	t.Run("aggregate discount never exceeds cap", func(t *testing.T) {
		f := func(base uint16, parts uint8, lead uint16, eb, grp, lm, dep uint8) bool {
			in := randomInput(base, parts, lead, eb, grp, lm, dep)
			out, err := ComputePrice(in)
			if err != nil {
				return false
			}
			original := in.BasePrice * float64(in.Participants)
			return original-out.FinalPrice <= original*DefaultMaxDiscountPercent/100+0.01
		}
		require.NoError(t, quick.Check(f, cfg))
	})

	t.Run("deposit split adds up", func(t *testing.T) {
		f := func(base uint16, parts uint8, lead uint16, eb, grp, lm, dep uint8) bool {
			out, err := ComputePrice(randomInput(base, parts, lead, eb, grp, lm, dep))
			if err != nil {
				return false
			}
			return out.Deposit >= 0 &&
				out.Deposit <= out.FinalPrice &&
				math.Abs(out.Deposit+out.FinalPaymentAmount-out.FinalPrice) < 0.011
		}
		require.NoError(t, quick.Check(f, cfg))
	})

	t.Run("deterministic", func(t *testing.T) {
		f := func(base uint16, parts uint8, lead uint16, eb, grp, lm, dep uint8) bool {
			in := randomInput(base, parts, lead, eb, grp, lm, dep)
			a, errA := ComputePrice(in)
			b, errB := ComputePrice(in)
			return errA == nil && errB == nil && a == b
		}
		require.NoError(t, quick.Check(f, cfg))
	})
}
