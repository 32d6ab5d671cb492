package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("from zero", func(t *testing.T) {
		s, migrated, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, "Europe/Oslo", s.TimeZone)
		assert.Equal(t, SchemeNorway, s.PriceScheme)
		assert.Equal(t, "NO1", s.PriceArea)
		assert.Equal(t, 10.0, s.PriceThresholdPercent)
		assert.Equal(t, 5.0, s.PriceMinDiffOre)
		assert.Equal(t, 0.2, s.CapacityMarginKw)
		assert.Equal(t, 0.5, s.DailyBudgetControlledWeight)
		assert.Equal(t, 0.3, s.DailyBudgetPriceFlexShare)
		assert.Equal(t, 25.0, s.MinSignificantPowerW)
		assert.Equal(t, "normal", s.OperatingMode)
	})

	t.Run("current version untouched", func(t *testing.T) {
		in := Settings{PriceArea: "NO5"}
		s, migrated, err := MigrateSettings(in, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, in, s)
	})

	t.Run("partial migration keeps user values", func(t *testing.T) {
		in := Settings{TimeZone: "Europe/Oslo", PriceScheme: SchemeFlow, PriceArea: "NO3", PriceThresholdPercent: 25}
		s, migrated, err := MigrateSettings(in, 1)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, SchemeFlow, s.PriceScheme)
		assert.Equal(t, "NO3", s.PriceArea)
		assert.Equal(t, 25.0, s.PriceThresholdPercent)
		assert.Equal(t, 5.0, s.PriceMinDiffOre)
	})
}

func TestSettingsValidate(t *testing.T) {
	base := Settings{
		PriceScheme:           SchemeNorway,
		PriceArea:             "NO2",
		PriceThresholdPercent: 10,
		CapacityLimitKw:       10,
		CapacityMarginKw:      0.5,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.PriceArea = "SE1"
	assert.Error(t, bad.Validate())

	bad = base
	bad.DailyBudgetKWh = -1
	assert.Error(t, bad.Validate())

	bad = base
	bad.CapacityMarginKw = 10
	assert.Error(t, bad.Validate())

	bad = base
	bad.DailyBudgetPriceFlexShare = 1.5
	assert.Error(t, bad.Validate())
}

func TestPriceValidate(t *testing.T) {
	p := Price{Total: 1.25}
	require.NoError(t, p.Validate())

	p.IsCheap = true
	p.IsExpensive = true
	assert.Error(t, p.Validate())

	p = Price{
		Total: 1.5,
		Breakdown: &PriceBreakdown{
			SpotPriceExVat:         0.8,
			GridTariffExVat:        0.3,
			ProviderSurchargeExVat: 0.02,
			ConsumptionTaxExVat:    0.0891,
			EnovaFeeExVat:          0.01,
			VatMultiplier:          1.25,
			ElectricitySupport:     0.02386,
			NorgesprisAdjustment:   0,
		},
	}
	require.NoError(t, p.Validate())

	p.Breakdown.GridTariffExVat = 1.0
	assert.Error(t, p.Validate())
}
