package types

import (
	"fmt"
	"math"
	"time"
)

// PriceScheme selects where hourly prices come from.
type PriceScheme string

const (
	// SchemeNorway fetches spot prices for a Norwegian price area and
	// combines them with grid tariff, surcharge, taxes and support.
	SchemeNorway PriceScheme = "norway"
	// SchemeFlow accepts prices pushed from an external automation flow.
	SchemeFlow PriceScheme = "flow"
	// SchemeHomey pulls prices from the host's own energy API.
	SchemeHomey PriceScheme = "homey"
)

// PriceBreakdown carries the per-component split behind a total price.
// All amounts are in the series price unit per kWh.
type PriceBreakdown struct {
	SpotPriceExVat         float64 `json:"spotPriceExVat"`
	GridTariffExVat        float64 `json:"gridTariffExVat"`
	ProviderSurchargeExVat float64 `json:"providerSurchargeExVat"`
	ConsumptionTaxExVat    float64 `json:"consumptionTaxExVat"`
	EnovaFeeExVat          float64 `json:"enovaFeeExVat"`
	VatMultiplier          float64 `json:"vatMultiplier"`
	VatAmount              float64 `json:"vatAmount"`
	ElectricitySupport     float64 `json:"electricitySupport"`
	NorgesprisAdjustment   float64 `json:"norgesprisAdjustment"`
	TotalExVat             float64 `json:"totalExVat"`
}

// Price is one clock hour of the combined price series.
type Price struct {
	StartsAt    time.Time       `json:"startsAt"`
	Total       float64         `json:"total"`
	IsCheap     bool            `json:"isCheap"`
	IsExpensive bool            `json:"isExpensive"`
	Breakdown   *PriceBreakdown `json:"breakdown,omitempty"`
}

// Validate checks the per-entry invariants: a finite total, mutually
// exclusive classification flags, and a breakdown that reassembles into the
// total within a cent.
func (p Price) Validate() error {
	if math.IsNaN(p.Total) || math.IsInf(p.Total, 0) {
		return fmt.Errorf("price at %s has non-finite total", p.StartsAt.Format(time.RFC3339))
	}
	if p.IsCheap && p.IsExpensive {
		return fmt.Errorf("price at %s is both cheap and expensive", p.StartsAt.Format(time.RFC3339))
	}
	if b := p.Breakdown; b != nil {
		sum := (b.SpotPriceExVat+b.GridTariffExVat+b.ProviderSurchargeExVat+b.ConsumptionTaxExVat+b.EnovaFeeExVat)*b.VatMultiplier -
			b.ElectricitySupport + b.NorgesprisAdjustment
		if math.Abs(sum-p.Total) > 0.01 {
			return fmt.Errorf("price at %s breakdown sums to %.4f, total is %.4f", p.StartsAt.Format(time.RFC3339), sum, p.Total)
		}
	}
	return nil
}

// CombinedPrices is the unified hourly series covering at least the current
// local day, plus tomorrow once published.
type CombinedPrices struct {
	Entries          []Price     `json:"entries"`
	AvgPrice         float64     `json:"avgPrice"`
	LowThreshold     float64     `json:"lowThreshold"`
	HighThreshold    float64     `json:"highThreshold"`
	ThresholdPercent float64     `json:"thresholdPercent"`
	MinDiffOre       float64     `json:"minDiffOre"`
	PriceScheme      PriceScheme `json:"priceScheme"`
	PriceUnit        string      `json:"priceUnit"`
	LastFetched      time.Time   `json:"lastFetched"`
}

// EntryAt returns the entry whose hour contains t, if any.
func (c CombinedPrices) EntryAt(t time.Time) (Price, bool) {
	hour := t.UTC().Truncate(time.Hour)
	for _, e := range c.Entries {
		if e.StartsAt.UTC().Equal(hour) {
			return e, true
		}
	}
	return Price{}, false
}

// SpotEntry is one cached raw spot price before combination.
type SpotEntry struct {
	StartsAt       time.Time `json:"startsAt"`
	SpotPriceExVat float64   `json:"spotPriceExVat"`
	Currency       string    `json:"currency"`
}

// TariffEntry is one hour of grid tariff, normalized from the grid
// company's Norwegian field names.
type TariffEntry struct {
	StartsAt      time.Time `json:"startsAt"`
	EnergyExVat   float64   `json:"energyExVat"`
	EnergyIncVat  float64   `json:"energyIncVat"`
	FixedExVat    float64   `json:"fixedExVat"`
	FixedIncVat   float64   `json:"fixedIncVat"`
	TariffGroupID string    `json:"tariffGroupId,omitempty"`
}

// FlowPriceData is a day of externally pushed prices keyed by clock hour.
type FlowPriceData struct {
	DateKey      string          `json:"dateKey"`
	PricesByHour map[int]float64 `json:"pricesByHour"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
